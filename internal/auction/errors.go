package auction

import (
	"errors"
	"fmt"

	"github.com/example/fare-auction/internal/models"
)

// Envelope codes for the outbound error taxonomy.
const (
	CodeValidation    = "validation"
	CodeStateConflict = "state_conflict"
	CodeNotFound      = "not_found"
	CodeTransient     = "transient"
)

// ErrRequestNotFound is returned for an unknown request id.
var ErrRequestNotFound = errors.New("request not found")

// ErrBidNotFound is returned for an unknown bid id on a known request.
var ErrBidNotFound = errors.New("bid not found")

// NotBiddableError reports a transition attempted against the wrong status.
// It carries the authoritative status so the client can resync.
type NotBiddableError struct {
	RequestID string
	Current   models.RequestStatus
}

func (e *NotBiddableError) Error() string {
	return fmt.Sprintf("request %s is not biddable: status is %s", e.RequestID, e.Current)
}

// BidNotPendingError reports an accept against a bid that already left
// the pending state.
type BidNotPendingError struct {
	BidID   string
	Current models.BidStatus
}

func (e *BidNotPendingError) Error() string {
	return fmt.Sprintf("bid %s is not pending: status is %s", e.BidID, e.Current)
}

// DriverCommittedError rejects a bid from a driver whose bid has already
// been accepted on another open request.
type DriverCommittedError struct {
	DriverID  string
	RequestID string
}

func (e *DriverCommittedError) Error() string {
	return fmt.Sprintf("driver %s already accepted on request %s", e.DriverID, e.RequestID)
}

// ValidationError rejects a malformed payload before it can touch state.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// TransientError wraps a persistence failure after the in-memory attempt
// has been rolled back; the caller may retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s failed, retry: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// CodeOf maps a domain error to its envelope code.
func CodeOf(err error) string {
	var (
		notBiddable *NotBiddableError
		notPending  *BidNotPendingError
		committed   *DriverCommittedError
		invalid     *ValidationError
		transient   *TransientError
	)
	switch {
	case errors.Is(err, ErrRequestNotFound), errors.Is(err, ErrBidNotFound):
		return CodeNotFound
	case errors.As(err, &notBiddable), errors.As(err, &notPending), errors.As(err, &committed):
		return CodeStateConflict
	case errors.As(err, &invalid):
		return CodeValidation
	case errors.As(err, &transient):
		return CodeTransient
	default:
		return CodeTransient
	}
}
