package models

import "time"

// IdentityKind distinguishes the two parties of an auction.
type IdentityKind string

const (
	KindRider  IdentityKind = "rider"
	KindDriver IdentityKind = "driver"
)

// RequestStatus is the lifecycle state of a RideRequest.
type RequestStatus string

const (
	StatusPending   RequestStatus = "pending"
	StatusBidding   RequestStatus = "bidding"
	StatusAccepted  RequestStatus = "accepted"
	StatusCompleted RequestStatus = "completed"
	StatusCancelled RequestStatus = "cancelled"
)

// Terminal reports whether no further auction transition may be applied.
func (s RequestStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// BidStatus is the lifecycle state of a single bid inside a request.
type BidStatus string

const (
	BidPending  BidStatus = "pending"
	BidAccepted BidStatus = "accepted"
	BidRejected BidStatus = "rejected"
	BidExpired  BidStatus = "expired"
)

// AvailabilityStatus is a driver's self-reported readiness to take rides.
type AvailabilityStatus string

const (
	DriverAvailable AvailabilityStatus = "available"
	DriverBusy      AvailabilityStatus = "busy"
	DriverOffline   AvailabilityStatus = "offline"
)

// Location is a named coordinate pair.
type Location struct {
	Address string  `json:"address" bson:"address"`
	Lat     float64 `json:"lat" bson:"lat"`
	Lon     float64 `json:"lon" bson:"lon"`
}

// Bid is one driver's offer on a request. At most one bid per driver is
// kept per request; a resubmission overwrites the earlier one in place.
type Bid struct {
	ID         string     `json:"bid_id" bson:"bid_id"`
	DriverID   string     `json:"driver_id" bson:"driver_id"`
	FareAmount float64    `json:"fare_amount" bson:"fare_amount"`
	ETAMinutes int        `json:"eta_minutes" bson:"eta_minutes"`
	Message    string     `json:"message,omitempty" bson:"message,omitempty"`
	Status     BidStatus  `json:"status" bson:"status"`
	BidTime    time.Time  `json:"bid_time" bson:"bid_time"`
	AcceptedAt *time.Time `json:"accepted_at,omitempty" bson:"accepted_at,omitempty"`
	RejectedAt *time.Time `json:"rejected_at,omitempty" bson:"rejected_at,omitempty"`
}

// RideRequest is the auction aggregate. Bids are embedded and live and die
// with the request; accepted_bid_id is set exactly when status reaches
// accepted and names the one bid whose own status is accepted.
type RideRequest struct {
	ID            string        `json:"request_id" bson:"_id"`
	RiderID       string        `json:"rider_id" bson:"rider_id"`
	Pickup        Location      `json:"pickup" bson:"pickup"`
	Destination   Location      `json:"destination" bson:"destination"`
	RideType      string        `json:"ride_type" bson:"ride_type"`
	Status        RequestStatus `json:"status" bson:"status"`
	Bids          []Bid         `json:"bids" bson:"bids"`
	AcceptedBidID string        `json:"accepted_bid_id,omitempty" bson:"accepted_bid_id,omitempty"`
	CancelReason  string        `json:"cancel_reason,omitempty" bson:"cancel_reason,omitempty"`
	PaymentHoldID string        `json:"-" bson:"payment_hold_id,omitempty"`
	CreatedAt     time.Time     `json:"created_at" bson:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at" bson:"updated_at"`
}

// BidByDriver returns the index of the driver's bid, or -1.
func (r *RideRequest) BidByDriver(driverID string) int {
	for i := range r.Bids {
		if r.Bids[i].DriverID == driverID {
			return i
		}
	}
	return -1
}

// BidByID returns the index of the bid with the given id, or -1.
func (r *RideRequest) BidByID(bidID string) int {
	for i := range r.Bids {
		if r.Bids[i].ID == bidID {
			return i
		}
	}
	return -1
}

// AcceptedBid returns the winning bid when the request has one.
func (r *RideRequest) AcceptedBid() (Bid, bool) {
	if r.AcceptedBidID == "" {
		return Bid{}, false
	}
	if i := r.BidByID(r.AcceptedBidID); i >= 0 {
		return r.Bids[i], true
	}
	return Bid{}, false
}

// Clone returns a deep copy safe to publish outside the engine's locks.
func (r *RideRequest) Clone() *RideRequest {
	cp := *r
	cp.Bids = make([]Bid, len(r.Bids))
	copy(cp.Bids, r.Bids)
	return &cp
}

// DriverProfile is the registration-time summary shared with a rider once
// that driver's bid wins.
type DriverProfile struct {
	DriverID      string `json:"driver_id"`
	DisplayName   string `json:"display_name"`
	ContactHandle string `json:"contact_handle"`
	VehicleInfo   string `json:"vehicle_info,omitempty"`
}
