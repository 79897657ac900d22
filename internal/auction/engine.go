// Package auction implements the per-request bidding state machine:
// create -> bidding -> accepted -> completed, with cancellation allowed
// from any non-terminal state and a timeout that expires idle auctions.
package auction

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/fare-auction/internal/models"
	"github.com/example/fare-auction/internal/observability"
	"github.com/example/fare-auction/internal/storage"
)

// DefaultBidWindow is how long a request may sit in bidding with no
// acceptance before it is auto-cancelled. The boundary is inclusive:
// age >= window expires.
const DefaultBidWindow = 10 * time.Minute

const maxFare = 100000

// Notifier receives every committed transition. The broadcast router is
// the production implementation; calls are explicit so the causal chain
// from transition to delivery stays traceable.
type Notifier interface {
	RequestCreated(req *models.RideRequest)
	BidUpdated(req *models.RideRequest, bid models.Bid)
	BiddingClosed(req *models.RideRequest, winner models.Bid)
	RequestCancelled(req *models.RideRequest, reason string)
	RequestCompleted(req *models.RideRequest)
}

// EventSink publishes auction events to the stream; nil-safe at call sites.
type EventSink interface {
	PublishAuctionEvent(ctx context.Context, ev models.AuctionEvent) error
}

// FareHolder places and settles payment holds for accepted fares.
// The Stripe client satisfies it; best effort, never blocks a transition.
type FareHolder interface {
	Hold(ctx context.Context, amount int64, currency, customerID string) (string, error)
	Capture(ctx context.Context, paymentIntentID string) error
	Cancel(ctx context.Context, paymentIntentID string) error
}

// Engine owns the live auction table. Each request has its own mutex;
// locks are never held across persistence I/O. Optional collaborators
// (Events, Payments) may be nil.
type Engine struct {
	Store    storage.RideStore
	Notify   Notifier
	Events   EventSink
	Payments FareHolder
	Log      *slog.Logger

	BidWindow time.Duration

	now   func() time.Time
	newID func() string

	mu     sync.RWMutex
	states map[string]*requestState
}

type requestState struct {
	mu  sync.Mutex
	req *models.RideRequest
}

func New(store storage.RideStore, notify Notifier, log *slog.Logger) *Engine {
	return &Engine{
		Store:     store,
		Notify:    notify,
		Log:       log,
		BidWindow: DefaultBidWindow,
		now:       time.Now,
		newID:     uuid.NewString,
		states:    make(map[string]*requestState),
	}
}

// CreateInput is a validated new-request payload.
type CreateInput struct {
	RideType    string
	Pickup      models.Location
	Destination models.Location
}

// CreateRequest builds the aggregate and opens bidding immediately.
// Nothing is installed in memory unless persistence succeeds.
func (e *Engine) CreateRequest(ctx context.Context, riderID string, in CreateInput) (*models.RideRequest, error) {
	if err := validateLocation("pickup", in.Pickup); err != nil {
		return nil, err
	}
	if err := validateLocation("destination", in.Destination); err != nil {
		return nil, err
	}

	now := e.now()
	req := &models.RideRequest{
		ID:          e.newID(),
		RiderID:     riderID,
		Pickup:      in.Pickup,
		Destination: in.Destination,
		RideType:    in.RideType,
		Status:      models.StatusBidding, // pending -> bidding is automatic
		Bids:        []models.Bid{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := e.Store.CreateRequest(ctx, req); err != nil {
		return nil, &TransientError{Op: "create request", Err: err}
	}

	e.mu.Lock()
	e.states[req.ID] = &requestState{req: req}
	e.mu.Unlock()
	observability.AuctionsActive.Set(float64(e.activeCount()))

	snap := req.Clone()
	e.publish(ctx, models.AuctionEvent{
		Type: models.EventRequestCreated, RequestID: req.ID, RiderID: req.RiderID,
		Status: req.Status,
	})
	e.Notify.RequestCreated(snap)
	return snap, nil
}

// SubmitBid upserts the driver's bid on a bidding request. A resubmission
// from the same driver overwrites the earlier bid in place, keeping its id.
func (e *Engine) SubmitBid(ctx context.Context, driverID, requestID string, fare float64, etaMinutes int, message string) (models.Bid, error) {
	if fare <= 0 || fare > maxFare {
		return models.Bid{}, &ValidationError{Field: "fare_amount", Reason: "must be positive and within range"}
	}
	if etaMinutes < 0 {
		return models.Bid{}, &ValidationError{Field: "eta_minutes", Reason: "must not be negative"}
	}
	if committedOn, ok := e.driverCommitted(driverID); ok {
		return models.Bid{}, &DriverCommittedError{DriverID: driverID, RequestID: committedOn}
	}

	st, ok := e.state(requestID)
	if !ok {
		return models.Bid{}, ErrRequestNotFound
	}

	st.mu.Lock()
	if st.req.Status != models.StatusBidding {
		current := st.req.Status
		st.mu.Unlock()
		return models.Bid{}, &NotBiddableError{RequestID: requestID, Current: current}
	}
	now := e.now()
	var prev *models.Bid
	idx := st.req.BidByDriver(driverID)
	if idx >= 0 {
		p := st.req.Bids[idx]
		prev = &p
	}
	bid := models.Bid{
		ID:         e.newID(),
		DriverID:   driverID,
		FareAmount: fare,
		ETAMinutes: etaMinutes,
		Message:    message,
		Status:     models.BidPending,
		BidTime:    now,
	}
	if prev != nil {
		bid.ID = prev.ID
		st.req.Bids[idx] = bid
	} else {
		st.req.Bids = append(st.req.Bids, bid)
	}
	st.req.UpdatedAt = now
	st.mu.Unlock()

	if err := e.Store.AppendOrUpdateBid(ctx, requestID, bid); err != nil {
		// Roll back so no partially applied bid is observable.
		st.mu.Lock()
		if i := st.req.BidByDriver(driverID); i >= 0 {
			if prev != nil {
				st.req.Bids[i] = *prev
			} else {
				st.req.Bids = append(st.req.Bids[:i], st.req.Bids[i+1:]...)
			}
		}
		st.mu.Unlock()
		return models.Bid{}, &TransientError{Op: "persist bid", Err: err}
	}

	// The auction may have closed between the in-memory upsert and the
	// persistence write; re-sync the stored aggregate if so.
	st.mu.Lock()
	snap := st.req.Clone()
	st.mu.Unlock()
	if snap.Status != models.StatusBidding {
		if err := e.Store.TransitionStatus(ctx, snap); err != nil {
			e.Log.Warn("post-bid resync failed", "request_id", requestID, "error", err)
		}
	}

	observability.BidsTotal.Inc()
	e.publish(ctx, models.AuctionEvent{
		Type: models.EventBidSubmitted, RequestID: requestID, RiderID: snap.RiderID,
		DriverID: driverID, FareAmount: fare, Status: snap.Status,
	})
	e.Notify.BidUpdated(snap, bid)
	return bid, nil
}

// AcceptBid atomically selects the winner. The decision is made under the
// per-request lock, so concurrent accepts on the same request resolve to
// exactly one winner; losers observe the authoritative status.
func (e *Engine) AcceptBid(ctx context.Context, riderID, requestID, bidID string) (*models.RideRequest, models.Bid, error) {
	st, ok := e.state(requestID)
	if !ok {
		return nil, models.Bid{}, ErrRequestNotFound
	}

	st.mu.Lock()
	if riderID != "" && st.req.RiderID != riderID {
		st.mu.Unlock()
		return nil, models.Bid{}, ErrRequestNotFound
	}
	if st.req.Status != models.StatusBidding {
		current := st.req.Status
		st.mu.Unlock()
		return nil, models.Bid{}, &NotBiddableError{RequestID: requestID, Current: current}
	}
	i := st.req.BidByID(bidID)
	if i < 0 {
		st.mu.Unlock()
		return nil, models.Bid{}, ErrBidNotFound
	}
	if st.req.Bids[i].Status != models.BidPending {
		current := st.req.Bids[i].Status
		st.mu.Unlock()
		return nil, models.Bid{}, &BidNotPendingError{BidID: bidID, Current: current}
	}

	prevBids := make([]models.Bid, len(st.req.Bids))
	copy(prevBids, st.req.Bids)

	now := e.now()
	st.req.Bids[i].Status = models.BidAccepted
	st.req.Bids[i].AcceptedAt = &now
	for j := range st.req.Bids {
		if j != i && st.req.Bids[j].Status == models.BidPending {
			st.req.Bids[j].Status = models.BidRejected
			st.req.Bids[j].RejectedAt = &now
		}
	}
	st.req.Status = models.StatusAccepted
	st.req.AcceptedBidID = bidID
	st.req.UpdatedAt = now
	winner := st.req.Bids[i]
	snap := st.req.Clone()
	st.mu.Unlock()

	if err := e.Store.TransitionStatus(ctx, snap); err != nil {
		// Revert only if nothing else has moved the request since.
		st.mu.Lock()
		if st.req.Status == models.StatusAccepted && st.req.AcceptedBidID == bidID {
			st.req.Status = models.StatusBidding
			st.req.AcceptedBidID = ""
			st.req.Bids = prevBids
		}
		st.mu.Unlock()
		return nil, models.Bid{}, &TransientError{Op: "persist acceptance", Err: err}
	}

	e.holdFare(ctx, st, snap, winner)

	observability.AcceptsTotal.Inc()
	e.publish(ctx, models.AuctionEvent{
		Type: models.EventBidAccepted, RequestID: requestID, RiderID: snap.RiderID,
		DriverID: winner.DriverID, FareAmount: winner.FareAmount, Status: snap.Status,
	})
	e.Notify.BiddingClosed(snap, winner)
	return snap, winner, nil
}

// Cancel moves a non-terminal request to cancelled. Riders and the timeout
// sweep share this path; initiator is "rider" or "system".
func (e *Engine) Cancel(ctx context.Context, requestID, initiator, reason string) (*models.RideRequest, error) {
	st, ok := e.state(requestID)
	if !ok {
		return nil, ErrRequestNotFound
	}

	st.mu.Lock()
	if st.req.Status.Terminal() {
		current := st.req.Status
		st.mu.Unlock()
		return nil, &NotBiddableError{RequestID: requestID, Current: current}
	}
	prev := st.req.Clone()
	now := e.now()
	for j := range st.req.Bids {
		if st.req.Bids[j].Status == models.BidPending {
			st.req.Bids[j].Status = models.BidExpired
		}
	}
	st.req.Status = models.StatusCancelled
	st.req.CancelReason = reason
	st.req.UpdatedAt = now
	holdID := st.req.PaymentHoldID
	snap := st.req.Clone()
	st.mu.Unlock()

	if err := e.Store.TransitionStatus(ctx, snap); err != nil {
		st.mu.Lock()
		if st.req.Status == models.StatusCancelled {
			st.req = prev
		}
		st.mu.Unlock()
		return nil, &TransientError{Op: "persist cancellation", Err: err}
	}

	if e.Payments != nil && holdID != "" {
		if err := e.Payments.Cancel(ctx, holdID); err != nil {
			e.Log.Warn("fare hold release failed", "request_id", requestID, "error", err)
		}
	}

	observability.CancellationsTotal.WithLabelValues(initiator).Inc()
	observability.AuctionsActive.Set(float64(e.activeCount()))
	e.publish(ctx, models.AuctionEvent{
		Type: models.EventRequestCancelled, RequestID: requestID, RiderID: snap.RiderID,
		Status: snap.Status,
	})
	e.Notify.RequestCancelled(snap, reason)
	return snap, nil
}

// Complete closes out an accepted ride; terminal.
func (e *Engine) Complete(ctx context.Context, requestID string) (*models.RideRequest, error) {
	st, ok := e.state(requestID)
	if !ok {
		return nil, ErrRequestNotFound
	}

	st.mu.Lock()
	if st.req.Status != models.StatusAccepted {
		current := st.req.Status
		st.mu.Unlock()
		return nil, &NotBiddableError{RequestID: requestID, Current: current}
	}
	prevStatus := st.req.Status
	st.req.Status = models.StatusCompleted
	st.req.UpdatedAt = e.now()
	holdID := st.req.PaymentHoldID
	snap := st.req.Clone()
	st.mu.Unlock()

	if err := e.Store.TransitionStatus(ctx, snap); err != nil {
		st.mu.Lock()
		if st.req.Status == models.StatusCompleted {
			st.req.Status = prevStatus
		}
		st.mu.Unlock()
		return nil, &TransientError{Op: "persist completion", Err: err}
	}

	if e.Payments != nil && holdID != "" {
		if err := e.Payments.Capture(ctx, holdID); err != nil {
			e.Log.Warn("fare capture failed", "request_id", requestID, "error", err)
		}
	}

	observability.AuctionsActive.Set(float64(e.activeCount()))
	e.publish(ctx, models.AuctionEvent{
		Type: models.EventRequestCompleted, RequestID: requestID, RiderID: snap.RiderID,
		Status: snap.Status,
	})
	e.Notify.RequestCompleted(snap)
	return snap, nil
}

// ActiveBidsFor lists open requests carrying the driver's bid, so a
// reconnecting driver can resync its view.
func (e *Engine) ActiveBidsFor(ctx context.Context, driverID string) ([]*models.RideRequest, error) {
	reqs, err := e.Store.FindByDriverBid(ctx, driverID)
	if err != nil {
		return nil, &TransientError{Op: "load driver bids", Err: err}
	}
	return reqs, nil
}

// Get returns a snapshot of the request.
func (e *Engine) Get(requestID string) (*models.RideRequest, error) {
	st, ok := e.state(requestID)
	if !ok {
		return nil, ErrRequestNotFound
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.req.Clone(), nil
}

// Resume installs aggregates reloaded from the store after a restart.
func (e *Engine) Resume(reqs []*models.RideRequest) {
	e.mu.Lock()
	for _, req := range reqs {
		e.states[req.ID] = &requestState{req: req.Clone()}
	}
	e.mu.Unlock()
	observability.AuctionsActive.Set(float64(e.activeCount()))
}

// ExpireStale cancels every bidding request whose age has reached the bid
// window (inclusive) and prunes terminal aggregates from memory once their
// conflict-reporting window has passed. Returns how many were expired.
func (e *Engine) ExpireStale(ctx context.Context) int {
	now := e.now()

	e.mu.RLock()
	ids := make([]string, 0, len(e.states))
	for id := range e.states {
		ids = append(ids, id)
	}
	e.mu.RUnlock()

	expired := 0
	for _, id := range ids {
		st, ok := e.state(id)
		if !ok {
			continue
		}
		st.mu.Lock()
		stale := st.req.Status == models.StatusBidding && now.Sub(st.req.CreatedAt) >= e.BidWindow
		prune := st.req.Status.Terminal() && now.Sub(st.req.UpdatedAt) >= e.BidWindow
		st.mu.Unlock()

		if stale {
			if _, err := e.Cancel(ctx, id, "system", "bidding window expired"); err != nil {
				e.Log.Warn("timeout cancel failed", "request_id", id, "error", err)
				continue
			}
			expired++
		} else if prune {
			e.mu.Lock()
			delete(e.states, id)
			e.mu.Unlock()
		}
	}
	return expired
}

// RankBids orders bids for display: ascending fare, ties broken by the
// earlier bid time. Acceptance order is the rider's choice, not this.
func RankBids(bids []models.Bid) []models.Bid {
	out := make([]models.Bid, len(bids))
	copy(out, bids)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].FareAmount != out[j].FareAmount {
			return out[i].FareAmount < out[j].FareAmount
		}
		return out[i].BidTime.Before(out[j].BidTime)
	})
	return out
}

func (e *Engine) state(requestID string) (*requestState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.states[requestID]
	return st, ok
}

func (e *Engine) activeCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	for _, st := range e.states {
		st.mu.Lock()
		if !st.req.Status.Terminal() {
			n++
		}
		st.mu.Unlock()
	}
	return n
}

// driverCommitted reports whether the driver's bid has already been
// accepted on some open request.
func (e *Engine) driverCommitted(driverID string) (string, bool) {
	e.mu.RLock()
	states := make([]*requestState, 0, len(e.states))
	for _, st := range e.states {
		states = append(states, st)
	}
	e.mu.RUnlock()

	for _, st := range states {
		st.mu.Lock()
		committed := st.req.Status == models.StatusAccepted &&
			func() bool {
				b, ok := st.req.AcceptedBid()
				return ok && b.DriverID == driverID
			}()
		id := st.req.ID
		st.mu.Unlock()
		if committed {
			return id, true
		}
	}
	return "", false
}

// holdFare places a payment hold for the winning fare, best effort, and
// records the hold id on the aggregate.
func (e *Engine) holdFare(ctx context.Context, st *requestState, snap *models.RideRequest, winner models.Bid) {
	if e.Payments == nil {
		return
	}
	holdID, err := e.Payments.Hold(ctx, int64(winner.FareAmount*100), "usd", snap.RiderID)
	if err != nil {
		e.Log.Warn("fare hold failed", "request_id", snap.ID, "error", err)
		return
	}
	st.mu.Lock()
	st.req.PaymentHoldID = holdID
	resync := st.req.Clone()
	st.mu.Unlock()
	if err := e.Store.TransitionStatus(ctx, resync); err != nil {
		e.Log.Warn("fare hold persist failed", "request_id", snap.ID, "error", err)
	}
}

func (e *Engine) publish(ctx context.Context, ev models.AuctionEvent) {
	if e.Events == nil {
		return
	}
	ev.EventID = e.newID()
	ev.OccurredAt = e.now()
	if err := e.Events.PublishAuctionEvent(ctx, ev); err != nil {
		e.Log.Warn("auction event publish failed", "request_id", ev.RequestID, "type", ev.Type, "error", err)
	}
}

func validateLocation(field string, loc models.Location) error {
	if loc.Lat < -90 || loc.Lat > 90 {
		return &ValidationError{Field: field + ".lat", Reason: "out of range"}
	}
	if loc.Lon < -180 || loc.Lon > 180 {
		return &ValidationError{Field: field + ".lon", Reason: "out of range"}
	}
	return nil
}
