package models

import "time"

// AuctionEventType names a lifecycle transition published to the event stream.
type AuctionEventType string

const (
	EventRequestCreated   AuctionEventType = "request_created"
	EventBidSubmitted     AuctionEventType = "bid_submitted"
	EventBidAccepted      AuctionEventType = "bid_accepted"
	EventRequestCancelled AuctionEventType = "request_cancelled"
	EventRequestCompleted AuctionEventType = "request_completed"
)

// AuctionEvent is the Kafka payload emitted on every auction transition.
// Keyed by request id so one auction's events stay in partition order.
type AuctionEvent struct {
	EventID    string           `json:"event_id"`
	Type       AuctionEventType `json:"type"`
	RequestID  string           `json:"request_id"`
	RiderID    string           `json:"rider_id"`
	DriverID   string           `json:"driver_id,omitempty"`
	FareAmount float64          `json:"fare_amount,omitempty"`
	Status     RequestStatus    `json:"status"`
	OccurredAt time.Time        `json:"occurred_at"`
}
