// Package registry owns the mapping from live transport sessions to
// logical identities (riders and drivers) and their room memberships.
// All connection state lives behind this type; callers never see the
// underlying maps, only atomic operations on them.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/example/fare-auction/internal/availability"
	"github.com/example/fare-auction/internal/models"
	"github.com/example/fare-auction/internal/observability"
)

// PoolRoom is joined by every connected driver regardless of availability.
const PoolRoom = "drivers"

// RequestRoom names the subscriber room for one request's bid updates.
func RequestRoom(requestID string) string { return "request:" + requestID }

// ErrAlreadyRegistering is returned when a registration for the same
// identity is still in flight on another goroutine.
var ErrAlreadyRegistering = errors.New("registration already in progress for identity")

// ErrNoSession is returned when an identity has no active session.
var ErrNoSession = errors.New("no active session")

// Conn is the transport side of a session. *websocket.Conn satisfies it
// directly; tests substitute fakes.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// Profile carries the registration-time identity fields kept on the session.
type Profile struct {
	DisplayName   string
	ContactHandle string
	VehicleInfo   string
}

// Session is one live transport connection bound to exactly one identity.
type Session struct {
	ID          string
	Kind        models.IdentityKind
	IdentityID  string
	Profile     Profile
	ConnectedAt time.Time

	conn     Conn
	writeMu  sync.Mutex
	lastSeen atomic.Int64 // unix nanos
	closed   atomic.Bool
}

// Send writes a JSON frame, serializing writers on this connection.
func (s *Session) Send(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

// Touch records liveness: any acknowledgement resets the timestamp.
func (s *Session) Touch() { s.lastSeen.Store(time.Now().UnixNano()) }

// LastSeen returns the time of the most recent acknowledgement.
func (s *Session) LastSeen() time.Time { return time.Unix(0, s.lastSeen.Load()) }

func (s *Session) closeConn() {
	if s.closed.CompareAndSwap(false, true) {
		_ = s.conn.Close()
	}
}

type identityKey struct {
	kind models.IdentityKind
	id   string
}

// Registry tracks sessions, enforces single-active-session-per-identity,
// and maintains the bidirectional room index. It is the sole writer of the
// driver availability table.
type Registry struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	byIdentity  map[identityKey]*Session
	rooms       map[string]map[string]*Session
	roomsOf     map[string]map[string]struct{}
	registering map[identityKey]struct{}

	avail availability.Table
	log   *slog.Logger

	// OnDisconnect, when set, runs after a session is fully removed.
	// Assigned once at wiring time, before any traffic.
	OnDisconnect func(kind models.IdentityKind, identityID string)
}

func New(avail availability.Table, log *slog.Logger) *Registry {
	return &Registry{
		sessions:    make(map[string]*Session),
		byIdentity:  make(map[identityKey]*Session),
		rooms:       make(map[string]map[string]*Session),
		roomsOf:     make(map[string]map[string]struct{}),
		registering: make(map[identityKey]struct{}),
		avail:       avail,
		log:         log,
	}
}

// Register installs a new session for the identity. If an older session is
// active it is forcibly evicted first, so a duplicate registration race is
// resolved in favor of the newer connection and never surfaced as an error
// to the registrant. A registration already in flight for the same identity
// fails with ErrAlreadyRegistering.
func (r *Registry) Register(kind models.IdentityKind, identityID string, profile Profile, conn Conn) (*Session, error) {
	key := identityKey{kind: kind, id: identityID}

	r.mu.Lock()
	if _, busy := r.registering[key]; busy {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s %s", ErrAlreadyRegistering, kind, identityID)
	}
	r.registering[key] = struct{}{}
	old := r.byIdentity[key]
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.registering, key)
		r.mu.Unlock()
	}()

	if old != nil {
		r.log.Info("evicting superseded session",
			"kind", kind, "identity_id", identityID, "session_id", old.ID)
		observability.SessionEvictions.Inc()
		r.remove(old.ID, false)
		old.closeConn()
	}

	sess := &Session{
		ID:          uuid.NewString(),
		Kind:        kind,
		IdentityID:  identityID,
		Profile:     profile,
		ConnectedAt: time.Now(),
		conn:        conn,
	}
	sess.Touch()

	r.mu.Lock()
	r.sessions[sess.ID] = sess
	r.byIdentity[key] = sess
	r.mu.Unlock()

	if kind == models.KindDriver {
		// Pool membership is unconditional; availability is tracked
		// separately and filtered at fan-out time.
		_ = r.JoinRoom(sess.ID, PoolRoom)
	}

	observability.SessionsConnected.Set(float64(r.Count()))
	return sess, nil
}

// Unregister removes the session, releasing all room memberships. It is
// idempotent: a second call for the same id is a no-op.
func (r *Registry) Unregister(sessionID string) {
	sess := r.remove(sessionID, true)
	if sess == nil {
		return
	}
	sess.closeConn()
	observability.SessionsConnected.Set(float64(r.Count()))
	if r.OnDisconnect != nil {
		r.OnDisconnect(sess.Kind, sess.IdentityID)
	}
}

// remove detaches the session from every index. When markOffline is set a
// driver identity is also flipped offline in the availability table; the
// eviction path skips that because the replacing session follows at once.
func (r *Registry) remove(sessionID string, markOffline bool) *Session {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.sessions, sessionID)

	key := identityKey{kind: sess.Kind, id: sess.IdentityID}
	if r.byIdentity[key] == sess {
		delete(r.byIdentity, key)
	}

	// Leaving all rooms is O(rooms joined) via the reverse index.
	for room := range r.roomsOf[sessionID] {
		if members := r.rooms[room]; members != nil {
			delete(members, sessionID)
			if len(members) == 0 {
				delete(r.rooms, room)
			}
		}
	}
	delete(r.roomsOf, sessionID)
	r.mu.Unlock()

	if markOffline && sess.Kind == models.KindDriver {
		// A disconnected driver is implicitly offline whatever the last
		// explicit status said.
		r.avail.Set(sess.IdentityID, models.DriverOffline)
	}
	return sess
}

// JoinRoom adds the session to the named room.
func (r *Registry) JoinRoom(sessionID, room string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: session %s", ErrNoSession, sessionID)
	}
	if r.rooms[room] == nil {
		r.rooms[room] = make(map[string]*Session)
	}
	r.rooms[room][sessionID] = sess
	if r.roomsOf[sessionID] == nil {
		r.roomsOf[sessionID] = make(map[string]struct{})
	}
	r.roomsOf[sessionID][room] = struct{}{}
	return nil
}

// LeaveRoom removes the session from the named room; unknown memberships
// are ignored.
func (r *Registry) LeaveRoom(sessionID, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if members := r.rooms[room]; members != nil {
		delete(members, sessionID)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	if rooms := r.roomsOf[sessionID]; rooms != nil {
		delete(rooms, room)
	}
}

// RoomMembers returns a snapshot of the room's sessions, so callers can
// fan out without holding registry locks during I/O.
func (r *Registry) RoomMembers(room string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.rooms[room]
	out := make([]*Session, 0, len(members))
	for _, s := range members {
		out = append(out, s)
	}
	return out
}

// SessionByIdentity returns the active session for the identity, if any.
func (r *Registry) SessionByIdentity(kind models.IdentityKind, identityID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.byIdentity[identityKey{kind: kind, id: identityID}]
	return sess, ok
}

// SendToIdentity delivers one frame on the identity's channel.
func (r *Registry) SendToIdentity(kind models.IdentityKind, identityID string, v any) error {
	sess, ok := r.SessionByIdentity(kind, identityID)
	if !ok {
		return fmt.Errorf("%w: %s %s", ErrNoSession, kind, identityID)
	}
	return sess.Send(v)
}

// Sessions returns a snapshot of all active sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of active sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Touch resets the liveness timestamp for the session, if it still exists.
func (r *Registry) Touch(sessionID string) {
	r.mu.RLock()
	sess, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if ok {
		sess.Touch()
	}
}

// SetDriverStatus records an explicit availability update from a connected
// driver session. Only live driver sessions may write the table.
func (r *Registry) SetDriverStatus(sessionID string, status models.AvailabilityStatus) error {
	r.mu.RLock()
	sess, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: session %s", ErrNoSession, sessionID)
	}
	if sess.Kind != models.KindDriver {
		return fmt.Errorf("session %s is not a driver", sessionID)
	}
	r.avail.Set(sess.IdentityID, status)
	observability.DriversAvailable.Set(float64(len(r.avail.AvailableIDs())))
	return nil
}

// DriverProfile returns the profile summary captured when the driver's
// current session registered.
func (r *Registry) DriverProfile(driverID string) (models.DriverProfile, bool) {
	sess, ok := r.SessionByIdentity(models.KindDriver, driverID)
	if !ok {
		return models.DriverProfile{}, false
	}
	return models.DriverProfile{
		DriverID:      driverID,
		DisplayName:   sess.Profile.DisplayName,
		ContactHandle: sess.Profile.ContactHandle,
		VehicleInfo:   sess.Profile.VehicleInfo,
	}, true
}
