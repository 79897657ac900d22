package httpapi

import (
	"errors"
	"testing"

	"github.com/example/fare-auction/internal/auction"
	"github.com/example/fare-auction/internal/models"
)

func TestDecodeAndValidateRegister(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{
			name: "valid driver",
			raw:  `{"type":"register","identityKind":"driver","identityId":"d1","displayName":"Dana","contactHandle":"+15550100","vehicleInfo":"blue sedan"}`,
		},
		{
			name: "valid rider without identity id",
			raw:  `{"type":"register","identityKind":"rider","displayName":"Riley","contactHandle":"riley@example.com"}`,
		},
		{
			name:    "unknown identity kind",
			raw:     `{"type":"register","identityKind":"dispatcher","displayName":"X","contactHandle":"x"}`,
			wantErr: true,
		},
		{
			name:    "missing display name",
			raw:     `{"type":"register","identityKind":"rider","contactHandle":"x"}`,
			wantErr: true,
		},
		{
			name:    "malformed json",
			raw:     `{"type":"register",`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msg registerMsg
			err := decodeAndValidate([]byte(tt.raw), &msg)
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDecodeAndValidateBid(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{
			name: "valid",
			raw:  `{"type":"bid","requestId":"q1","fareAmount":18.5,"estimatedArrivalMinutes":6}`,
		},
		{
			name:    "zero fare",
			raw:     `{"type":"bid","requestId":"q1","fareAmount":0}`,
			wantErr: true,
		},
		{
			name:    "negative fare",
			raw:     `{"type":"bid","requestId":"q1","fareAmount":-3}`,
			wantErr: true,
		},
		{
			name:    "negative eta",
			raw:     `{"type":"bid","requestId":"q1","fareAmount":10,"estimatedArrivalMinutes":-1}`,
			wantErr: true,
		},
		{
			name:    "missing request id",
			raw:     `{"type":"bid","fareAmount":10}`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msg bidMsg
			err := decodeAndValidate([]byte(tt.raw), &msg)
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDecodeAndValidateNewRequestCoordinates(t *testing.T) {
	raw := `{"type":"new_request","rideType":"standard",
		"pickup":{"address":"12 Oak St","lat":95.0,"lon":-74.0},
		"destination":{"address":"88 Pine Ave","lat":40.8,"lon":-73.9}}`
	var msg newRequestMsg
	if err := decodeAndValidate([]byte(raw), &msg); err == nil {
		t.Error("latitude 95 must fail validation")
	}
}

func TestCancelMsgLegacyAlias(t *testing.T) {
	var msg cancelMsg
	if err := decodeAndValidate([]byte(`{"type":"cancel","rideId":"q-legacy"}`), &msg); err != nil {
		t.Fatal(err)
	}
	if got := msg.requestID(); got != "q-legacy" {
		t.Errorf("requestID() = %q, want q-legacy", got)
	}

	msg = cancelMsg{}
	if err := decodeAndValidate([]byte(`{"type":"cancel","requestId":"q-new","rideId":"q-old"}`), &msg); err != nil {
		t.Fatal(err)
	}
	if got := msg.requestID(); got != "q-new" {
		t.Errorf("requestID() = %q, requestId takes precedence over rideId", got)
	}
}

func TestErrorFrameCodes(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{"not found", auction.ErrRequestNotFound, auction.CodeNotFound},
		{"validation", &auction.ValidationError{Field: "fare_amount", Reason: "must be positive"}, auction.CodeValidation},
		{"state conflict", &auction.NotBiddableError{RequestID: "q1", Current: models.StatusAccepted}, auction.CodeStateConflict},
		{"transient", &auction.TransientError{Op: "persist bid", Err: errors.New("timeout")}, auction.CodeTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := errorFrame(tt.err)
			if env.Type != "error" {
				t.Errorf("type = %q, want error", env.Type)
			}
			if env.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", env.Code, tt.wantCode)
			}
		})
	}
}

// Losing a concurrent accept must tell the client what the authoritative
// status is, so it can resync instead of retrying.
func TestErrorFrameCarriesAuthoritativeStatus(t *testing.T) {
	env := errorFrame(&auction.NotBiddableError{RequestID: "q1", Current: models.StatusAccepted})
	got, ok := env.Details["current_status"]
	if !ok {
		t.Fatal("details must include current_status")
	}
	if got != "accepted" {
		t.Errorf("current_status = %v, want accepted", got)
	}
}

// Validator failures coming back from a dispatch handler must reach the
// client with per-field details, not a generic validation message.
func TestErrorFrameExpandsValidatorFailures(t *testing.T) {
	var msg bidMsg
	err := decodeAndValidate([]byte(`{"type":"bid","requestId":"q1","fareAmount":-2}`), &msg)
	if err == nil {
		t.Fatal("expected validation failure")
	}
	env := errorFrame(err)
	if env.Code != auction.CodeValidation {
		t.Errorf("code = %q, want %q", env.Code, auction.CodeValidation)
	}
	if _, ok := env.Details["FareAmount"]; !ok {
		t.Errorf("details = %v, want FareAmount entry", env.Details)
	}
}

func TestValidationFrameFieldDetails(t *testing.T) {
	var msg bidMsg
	err := decodeAndValidate([]byte(`{"type":"bid","fareAmount":0}`), &msg)
	if err == nil {
		t.Fatal("expected validation failure")
	}
	env := validationFrame(err)
	if env.Code != auction.CodeValidation {
		t.Errorf("code = %q, want %q", env.Code, auction.CodeValidation)
	}
	if _, ok := env.Details["RequestID"]; !ok {
		t.Errorf("details = %v, want RequestID entry", env.Details)
	}
	if _, ok := env.Details["FareAmount"]; !ok {
		t.Errorf("details = %v, want FareAmount entry", env.Details)
	}
}
