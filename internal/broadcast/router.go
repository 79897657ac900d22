// Package broadcast translates auction transitions into addressed frames.
// Three addressing primitives are used: identity channels (one session per
// rider/driver), the request subscriber room, and the driver pool room.
//
// Delivery policy for new requests: solicitations are addressed
// individually to drivers currently marked available in the availability
// table. The pool room carries only auction-wide notices (bidding closed,
// cancellation) and never fare details for losing drivers.
package broadcast

import (
	"log/slog"
	"time"

	"github.com/example/fare-auction/internal/auction"
	"github.com/example/fare-auction/internal/availability"
	"github.com/example/fare-auction/internal/models"
	"github.com/example/fare-auction/internal/observability"
	"github.com/example/fare-auction/internal/registry"
)

// Router fans auction events out through the connection registry.
type Router struct {
	Reg   *registry.Registry
	Avail availability.Table
	Log   *slog.Logger

	now func() time.Time
}

func NewRouter(reg *registry.Registry, avail availability.Table, log *slog.Logger) *Router {
	return &Router{Reg: reg, Avail: avail, Log: log, now: time.Now}
}

// NewRequestNotice solicits bids from available drivers.
type NewRequestNotice struct {
	Type        string          `json:"type"` // "new_request"
	RequestID   string          `json:"request_id"`
	RiderID     string          `json:"rider_id"`
	RideType    string          `json:"ride_type"`
	Pickup      models.Location `json:"pickup"`
	Destination models.Location `json:"destination"`
	CreatedAt   time.Time       `json:"created_at"`
	BroadcastAt time.Time       `json:"broadcast_at"`
}

// BidUpdateNotice is the incremental update pushed to the request's
// subscriber room on every bid upsert.
type BidUpdateNotice struct {
	Type       string           `json:"type"` // "bid_update"
	RequestID  string           `json:"request_id"`
	BidID      string           `json:"bid_id"`
	DriverID   string           `json:"driver_id"`
	FareAmount float64          `json:"fare_amount"`
	ETAMinutes int              `json:"eta_minutes"`
	Status     models.BidStatus `json:"status"`
	BidTime    time.Time        `json:"bid_time"`
	// Ranked is the current pending-bid standing for display: lowest fare
	// first, ties broken by the earlier bid.
	Ranked []models.Bid `json:"ranked_bids"`
}

// AcceptedNotice tells the rider who won, with the driver's profile.
type AcceptedNotice struct {
	Type      string               `json:"type"` // "accepted"
	RequestID string               `json:"request_id"`
	DriverID  string               `json:"driver_id"`
	Bid       models.Bid           `json:"bid"`
	Driver    models.DriverProfile `json:"driver_profile"`
}

// BidWonNotice tells the winning driver where to go.
type BidWonNotice struct {
	Type        string          `json:"type"` // "bid_won"
	RequestID   string          `json:"request_id"`
	RiderID     string          `json:"rider_id"`
	Bid         models.Bid      `json:"bid"`
	Pickup      models.Location `json:"pickup"`
	Destination models.Location `json:"destination"`
}

// BiddingClosedNotice is the loser notification: no fare details leak to
// the pool.
type BiddingClosedNotice struct {
	Type             string `json:"type"` // "bidding_closed"
	RequestID        string `json:"request_id"`
	AcceptedDriverID string `json:"accepted_driver_id"`
}

// CancelledNotice announces a cancellation to the pool and the rider.
type CancelledNotice struct {
	Type        string               `json:"type"` // "cancelled"
	RequestID   string               `json:"request_id"`
	Status      models.RequestStatus `json:"status"`
	Reason      string               `json:"reason,omitempty"`
	CancelledAt time.Time            `json:"cancelled_at"`
}

// CompletedNotice closes out the ride for both parties.
type CompletedNotice struct {
	Type      string `json:"type"` // "completed"
	RequestID string `json:"request_id"`
}

// RequestCreated sends the solicitation to each available driver.
func (r *Router) RequestCreated(req *models.RideRequest) {
	notice := NewRequestNotice{
		Type:        "new_request",
		RequestID:   req.ID,
		RiderID:     req.RiderID,
		RideType:    req.RideType,
		Pickup:      req.Pickup,
		Destination: req.Destination,
		CreatedAt:   req.CreatedAt,
		BroadcastAt: r.now(),
	}
	ids := r.Avail.AvailableIDs()
	sent := 0
	for _, driverID := range ids {
		if err := r.Reg.SendToIdentity(models.KindDriver, driverID, notice); err != nil {
			r.Log.Debug("solicitation skipped", "driver_id", driverID, "error", err)
			continue
		}
		sent++
	}
	observability.BroadcastsTotal.WithLabelValues("new_request").Add(float64(sent))
	r.Log.Info("request broadcast", "request_id", req.ID, "available_drivers", len(ids), "delivered", sent)
}

// BidUpdated pushes the bid to the request's subscriber room, along with
// the full pending standing so the rider's view needs no client-side sort.
func (r *Router) BidUpdated(req *models.RideRequest, bid models.Bid) {
	pending := make([]models.Bid, 0, len(req.Bids))
	for _, b := range req.Bids {
		if b.Status == models.BidPending {
			pending = append(pending, b)
		}
	}
	notice := BidUpdateNotice{
		Type:       "bid_update",
		RequestID:  req.ID,
		BidID:      bid.ID,
		DriverID:   bid.DriverID,
		FareAmount: bid.FareAmount,
		ETAMinutes: bid.ETAMinutes,
		Status:     bid.Status,
		BidTime:    bid.BidTime,
		Ranked:     auction.RankBids(pending),
	}
	r.toRoom(registry.RequestRoom(req.ID), "bid_update", notice)
}

// BiddingClosed emits the three acceptance messages: full detail to the
// rider, trip detail to the winner, and a bare closure notice to the pool.
func (r *Router) BiddingClosed(req *models.RideRequest, winner models.Bid) {
	profile, ok := r.Reg.DriverProfile(winner.DriverID)
	if !ok {
		profile = models.DriverProfile{DriverID: winner.DriverID}
	}
	if err := r.Reg.SendToIdentity(models.KindRider, req.RiderID, AcceptedNotice{
		Type: "accepted", RequestID: req.ID, DriverID: winner.DriverID,
		Bid: winner, Driver: profile,
	}); err != nil {
		r.Log.Warn("rider acceptance delivery failed", "request_id", req.ID, "error", err)
	}

	if err := r.Reg.SendToIdentity(models.KindDriver, winner.DriverID, BidWonNotice{
		Type: "bid_won", RequestID: req.ID, RiderID: req.RiderID,
		Bid: winner, Pickup: req.Pickup, Destination: req.Destination,
	}); err != nil {
		r.Log.Warn("winner delivery failed", "request_id", req.ID, "driver_id", winner.DriverID, "error", err)
	}

	closed := BiddingClosedNotice{Type: "bidding_closed", RequestID: req.ID, AcceptedDriverID: winner.DriverID}
	for _, sess := range r.Reg.RoomMembers(registry.PoolRoom) {
		if sess.IdentityID == winner.DriverID {
			continue
		}
		if err := sess.Send(closed); err != nil {
			observability.WSErrorsTotal.Inc()
			r.Log.Debug("pool closure delivery failed", "session_id", sess.ID, "error", err)
		}
	}
	observability.BroadcastsTotal.WithLabelValues("bidding_closed").Inc()
}

// RequestCancelled notifies the pool, the subscriber room, and the rider.
// The rider is covered by the direct identity send, so its session is
// skipped in the room fan-out to keep the delivery single.
func (r *Router) RequestCancelled(req *models.RideRequest, reason string) {
	notice := CancelledNotice{
		Type: "cancelled", RequestID: req.ID, Status: req.Status,
		Reason: reason, CancelledAt: req.UpdatedAt,
	}
	r.toRoom(registry.PoolRoom, "cancelled", notice)

	room := registry.RequestRoom(req.ID)
	sent := 0
	for _, sess := range r.Reg.RoomMembers(room) {
		if sess.Kind == models.KindRider && sess.IdentityID == req.RiderID {
			continue
		}
		if err := sess.Send(notice); err != nil {
			observability.WSErrorsTotal.Inc()
			r.Log.Debug("room delivery failed", "room", room, "session_id", sess.ID, "error", err)
			continue
		}
		sent++
	}
	observability.BroadcastsTotal.WithLabelValues("cancelled").Add(float64(sent))

	if err := r.Reg.SendToIdentity(models.KindRider, req.RiderID, notice); err != nil {
		r.Log.Debug("rider cancel ack skipped", "request_id", req.ID, "error", err)
	}
}

// RequestCompleted tells both parties the ride is closed out.
func (r *Router) RequestCompleted(req *models.RideRequest) {
	notice := CompletedNotice{Type: "completed", RequestID: req.ID}
	if err := r.Reg.SendToIdentity(models.KindRider, req.RiderID, notice); err != nil {
		r.Log.Debug("rider completion skipped", "request_id", req.ID, "error", err)
	}
	if winner, ok := req.AcceptedBid(); ok {
		if err := r.Reg.SendToIdentity(models.KindDriver, winner.DriverID, notice); err != nil {
			r.Log.Debug("driver completion skipped", "request_id", req.ID, "error", err)
		}
	}
	observability.BroadcastsTotal.WithLabelValues("completed").Inc()
}

func (r *Router) toRoom(room, label string, v any) {
	members := r.Reg.RoomMembers(room)
	for _, sess := range members {
		if err := sess.Send(v); err != nil {
			observability.WSErrorsTotal.Inc()
			r.Log.Debug("room delivery failed", "room", room, "session_id", sess.ID, "error", err)
		}
	}
	observability.BroadcastsTotal.WithLabelValues(label).Add(float64(len(members)))
}
