package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/example/fare-auction/internal/auction"
	"github.com/example/fare-auction/internal/models"
)

var validate = validator.New()

// frameType peeks at the type discriminator of an inbound frame.
type frameType struct {
	Type string `json:"type"`
}

type locationDTO struct {
	Address string  `json:"address" validate:"required"`
	Lat     float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lon     float64 `json:"lon" validate:"gte=-180,lte=180"`
}

// registerMsg must be the first frame on a new connection.
type registerMsg struct {
	Type          string `json:"type"`
	IdentityKind  string `json:"identityKind" validate:"required,oneof=rider driver"`
	IdentityID    string `json:"identityId"`
	DisplayName   string `json:"displayName" validate:"required"`
	ContactHandle string `json:"contactHandle" validate:"required"`
	VehicleInfo   string `json:"vehicleInfo"`
}

type newRequestMsg struct {
	Type              string      `json:"type"`
	RideType          string      `json:"rideType" validate:"required"`
	Pickup            locationDTO `json:"pickup" validate:"required"`
	Destination       locationDTO `json:"destination" validate:"required"`
	ComfortPreference string      `json:"comfortPreference"`
	FarePreference    string      `json:"farePreference"`
}

type bidMsg struct {
	Type                    string  `json:"type"`
	RequestID               string  `json:"requestId" validate:"required"`
	FareAmount              float64 `json:"fareAmount" validate:"required,gt=0"`
	EstimatedArrivalMinutes int     `json:"estimatedArrivalMinutes" validate:"gte=0"`
	Message                 string  `json:"message"`
}

type acceptMsg struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId" validate:"required"`
	BidID     string `json:"bidId" validate:"required"`
}

type cancelMsg struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	RideID    string `json:"rideId"` // legacy alias for requestId
	Reason    string `json:"reason"`
}

func (m *cancelMsg) requestID() string {
	if m.RequestID != "" {
		return m.RequestID
	}
	return m.RideID
}

type completeMsg struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId" validate:"required"`
}

type driverStatusMsg struct {
	Type   string `json:"type"`
	Status string `json:"status" validate:"required,oneof=available busy offline"`
}

// registeredAck confirms registration with the resolved identity id and
// the rooms the session was joined to.
type registeredAck struct {
	Type         string   `json:"type"` // "registered"
	IdentityKind string   `json:"identityKind"`
	IdentityID   string   `json:"identityId"`
	SessionID    string   `json:"sessionId"`
	Rooms        []string `json:"rooms"`
}

// requestAck confirms a new request to its rider.
type requestAck struct {
	Type      string `json:"type"` // "request_created"
	RequestID string `json:"requestId"`
	Status    string `json:"status"`
}

// bidAck confirms a submitted bid to its driver.
type bidAck struct {
	Type      string `json:"type"` // "bid_submitted"
	RequestID string `json:"requestId"`
	BidID     string `json:"bidId"`
}

// bidSnapshot resyncs a reconnecting driver with its bids on requests
// still in flight.
type bidSnapshot struct {
	Type string             `json:"type"` // "bid_snapshot"
	Bids []bidSnapshotEntry `json:"bids"`
}

type bidSnapshotEntry struct {
	RequestID     string     `json:"requestId"`
	RequestStatus string     `json:"requestStatus"`
	Bid           models.Bid `json:"bid"`
}

// errorEnvelope is the outbound error shape for every failure.
type errorEnvelope struct {
	Type    string         `json:"type"` // "error"
	Message string         `json:"message"`
	Code    string         `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}

func errorFrame(err error) errorEnvelope {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		return validationFrame(verrs)
	}
	env := errorEnvelope{Type: "error", Message: err.Error(), Code: auction.CodeOf(err)}
	var notBiddable *auction.NotBiddableError
	if errors.As(err, &notBiddable) {
		// Carry the authoritative status so the client can resync.
		env.Details = map[string]any{"current_status": string(notBiddable.Current)}
	}
	return env
}

func validationFrame(err error) errorEnvelope {
	env := errorEnvelope{Type: "error", Message: "invalid payload", Code: auction.CodeValidation}
	if verrs, ok := err.(validator.ValidationErrors); ok {
		fields := make(map[string]any, len(verrs))
		for _, fe := range verrs {
			fields[fe.Field()] = fmt.Sprintf("failed %s", fe.Tag())
		}
		env.Details = fields
	} else {
		env.Message = err.Error()
	}
	return env
}

// decodeAndValidate unmarshals the frame into dst and applies struct tag
// validation, so malformed payloads never reach the auction engine.
// Validator failures are returned as-is; errorFrame turns them into a
// field-detailed envelope.
func decodeAndValidate(raw []byte, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return &auction.ValidationError{Field: "payload", Reason: "malformed message"}
	}
	return validate.Struct(dst)
}
