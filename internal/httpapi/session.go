package httpapi

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/fare-auction/internal/auction"
	"github.com/example/fare-auction/internal/models"
	"github.com/example/fare-auction/internal/observability"
	"github.com/example/fare-auction/internal/registry"
)

// registerTimeout bounds how long a fresh connection may sit silent before
// sending its register frame.
const registerTimeout = 10 * time.Second

// runSession owns one connection from upgrade to teardown. The first frame
// must be a register message; everything after is dispatched by type.
func (s *Server) runSession(conn *websocket.Conn) {
	defer func() {
		if rec := recover(); rec != nil {
			s.Log.Error("session handler panic", "error", rec)
			_ = conn.Close()
		}
	}()

	sess, err := s.register(conn)
	if err != nil {
		_ = conn.WriteJSON(errorFrame(err))
		_ = conn.Close()
		return
	}
	defer s.Reg.Unregister(sess.ID)

	log := s.Log.With("session_id", sess.ID, "kind", sess.Kind, "identity_id", sess.IdentityID)
	log.Info("session registered")

	if sess.Kind == models.KindDriver {
		s.sendBidSnapshot(context.Background(), sess)
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				observability.WSErrorsTotal.Inc()
				log.Debug("read failed", "error", err)
			}
			return
		}
		// Any inbound frame counts as a liveness acknowledgement.
		s.Reg.Touch(sess.ID)

		var ft frameType
		if err := json.Unmarshal(raw, &ft); err != nil {
			_ = sess.Send(errorEnvelope{Type: "error", Message: "malformed frame", Code: auction.CodeValidation})
			continue
		}
		if err := s.dispatch(sess, ft.Type, raw); err != nil {
			env := errorFrame(err)
			log.Info("message rejected", "type", ft.Type, "code", env.Code, "error", err)
			_ = sess.Send(env)
		}
	}
}

// register reads and applies the first frame. A missing identity id is
// resolved by issuing a fresh one.
func (s *Server) register(conn *websocket.Conn) (*registry.Session, error) {
	_ = conn.SetReadDeadline(time.Now().Add(registerTimeout))
	defer conn.SetReadDeadline(time.Time{})

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, &auction.ValidationError{Field: "register", Reason: "no register frame received"}
	}
	var msg registerMsg
	if err := decodeAndValidate(raw, &msg); err != nil {
		return nil, err
	}
	if msg.Type != "register" {
		return nil, &auction.ValidationError{Field: "type", Reason: "first frame must be register"}
	}

	kind := models.IdentityKind(msg.IdentityKind)
	identityID := msg.IdentityID
	if identityID == "" {
		identityID = uuid.NewString()
	}

	sess, err := s.Reg.Register(kind, identityID, registry.Profile{
		DisplayName:   msg.DisplayName,
		ContactHandle: msg.ContactHandle,
		VehicleInfo:   msg.VehicleInfo,
	}, conn)
	if err != nil {
		return nil, err
	}

	rooms := []string{}
	if kind == models.KindDriver {
		rooms = append(rooms, registry.PoolRoom)
	}
	if err := sess.Send(registeredAck{
		Type:         "registered",
		IdentityKind: string(kind),
		IdentityID:   identityID,
		SessionID:    sess.ID,
		Rooms:        rooms,
	}); err != nil {
		s.Reg.Unregister(sess.ID)
		return nil, err
	}
	return sess, nil
}

// sendBidSnapshot replays the driver's open bids after a reconnect.
// Best effort: a failed load just means the driver resyncs from the next
// bid_update instead.
func (s *Server) sendBidSnapshot(ctx context.Context, sess *registry.Session) {
	reqs, err := s.Engine.ActiveBidsFor(ctx, sess.IdentityID)
	if err != nil {
		s.Log.Warn("bid snapshot load failed", "driver_id", sess.IdentityID, "error", err)
		return
	}
	if len(reqs) == 0 {
		return
	}
	snap := bidSnapshot{Type: "bid_snapshot", Bids: make([]bidSnapshotEntry, 0, len(reqs))}
	for _, req := range reqs {
		if i := req.BidByDriver(sess.IdentityID); i >= 0 {
			snap.Bids = append(snap.Bids, bidSnapshotEntry{
				RequestID:     req.ID,
				RequestStatus: string(req.Status),
				Bid:           req.Bids[i],
			})
		}
	}
	if err := sess.Send(snap); err != nil {
		s.Log.Debug("bid snapshot send failed", "driver_id", sess.IdentityID, "error", err)
	}
}

func (s *Server) dispatch(sess *registry.Session, msgType string, raw []byte) error {
	ctx := context.Background()

	switch msgType {
	case "pong", "ack":
		return nil // the read loop already touched the session

	case "driver_status":
		var msg driverStatusMsg
		if err := decodeAndValidate(raw, &msg); err != nil {
			return err
		}
		return s.Reg.SetDriverStatus(sess.ID, models.AvailabilityStatus(msg.Status))

	case "new_request":
		return s.handleNewRequest(ctx, sess, raw)

	case "bid":
		return s.handleBid(ctx, sess, raw)

	case "accept":
		return s.handleAccept(ctx, sess, raw)

	case "cancel":
		return s.handleCancel(ctx, sess, raw)

	case "complete":
		return s.handleComplete(ctx, sess, raw)

	default:
		return &auction.ValidationError{Field: "type", Reason: "unknown message type " + msgType}
	}
}

func (s *Server) handleNewRequest(ctx context.Context, sess *registry.Session, raw []byte) error {
	if sess.Kind != models.KindRider {
		return &auction.ValidationError{Field: "type", Reason: "only riders create requests"}
	}
	var msg newRequestMsg
	if err := decodeAndValidate(raw, &msg); err != nil {
		return err
	}

	req, err := s.Engine.CreateRequest(ctx, sess.IdentityID, auction.CreateInput{
		RideType:    msg.RideType,
		Pickup:      models.Location{Address: msg.Pickup.Address, Lat: msg.Pickup.Lat, Lon: msg.Pickup.Lon},
		Destination: models.Location{Address: msg.Destination.Address, Lat: msg.Destination.Lat, Lon: msg.Destination.Lon},
	})
	if err != nil {
		return err
	}

	// The rider subscribes to its own bidding view.
	if err := s.Reg.JoinRoom(sess.ID, registry.RequestRoom(req.ID)); err != nil {
		s.Log.Warn("request room join failed", "request_id", req.ID, "error", err)
	}
	return sess.Send(requestAck{Type: "request_created", RequestID: req.ID, Status: string(req.Status)})
}

func (s *Server) handleBid(ctx context.Context, sess *registry.Session, raw []byte) error {
	if sess.Kind != models.KindDriver {
		return &auction.ValidationError{Field: "type", Reason: "only drivers bid"}
	}
	var msg bidMsg
	if err := decodeAndValidate(raw, &msg); err != nil {
		return err
	}
	bid, err := s.Engine.SubmitBid(ctx, sess.IdentityID, msg.RequestID, msg.FareAmount, msg.EstimatedArrivalMinutes, msg.Message)
	if err != nil {
		return err
	}
	return sess.Send(bidAck{Type: "bid_submitted", RequestID: msg.RequestID, BidID: bid.ID})
}

func (s *Server) handleAccept(ctx context.Context, sess *registry.Session, raw []byte) error {
	if sess.Kind != models.KindRider {
		return &auction.ValidationError{Field: "type", Reason: "only riders accept bids"}
	}
	var msg acceptMsg
	if err := decodeAndValidate(raw, &msg); err != nil {
		return err
	}
	_, _, err := s.Engine.AcceptBid(ctx, sess.IdentityID, msg.RequestID, msg.BidID)
	return err
}

func (s *Server) handleCancel(ctx context.Context, sess *registry.Session, raw []byte) error {
	var msg cancelMsg
	if err := decodeAndValidate(raw, &msg); err != nil {
		return err
	}
	requestID := msg.requestID()
	if requestID == "" {
		return &auction.ValidationError{Field: "requestId", Reason: "required"}
	}
	if err := s.authorizeParty(sess, requestID); err != nil {
		return err
	}
	_, err := s.Engine.Cancel(ctx, requestID, string(sess.Kind), msg.Reason)
	return err
}

func (s *Server) handleComplete(ctx context.Context, sess *registry.Session, raw []byte) error {
	var msg completeMsg
	if err := decodeAndValidate(raw, &msg); err != nil {
		return err
	}
	if err := s.authorizeParty(sess, msg.RequestID); err != nil {
		return err
	}
	_, err := s.Engine.Complete(ctx, msg.RequestID)
	return err
}

// authorizeParty limits close-out signals to the rider who owns the
// request or the driver whose bid won it.
func (s *Server) authorizeParty(sess *registry.Session, requestID string) error {
	req, err := s.Engine.Get(requestID)
	if err != nil {
		return err
	}
	switch sess.Kind {
	case models.KindRider:
		if req.RiderID == sess.IdentityID {
			return nil
		}
	case models.KindDriver:
		if winner, ok := req.AcceptedBid(); ok && winner.DriverID == sess.IdentityID {
			return nil
		}
	}
	return auction.ErrRequestNotFound
}
