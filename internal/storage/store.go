package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/fare-auction/internal/models"
)

// ErrNotFound is returned when a request id has no persisted aggregate.
var ErrNotFound = errors.New("request not found")

// RideStore defines persistence operations for the auction aggregate.
// The request document is stored whole; bids are embedded.
type RideStore interface {
	// CreateRequest persists a brand-new aggregate.
	CreateRequest(ctx context.Context, req *models.RideRequest) error
	// AppendOrUpdateBid upserts the bid keyed by its driver id.
	AppendOrUpdateBid(ctx context.Context, requestID string, bid models.Bid) error
	// TransitionStatus replaces the aggregate's mutable fields (status,
	// bids, accepted bid, cancel reason, payment hold, updated_at) after
	// a state transition.
	TransitionStatus(ctx context.Context, req *models.RideRequest) error
	// LoadActiveRequests returns every request whose status is pending,
	// bidding, or accepted.
	LoadActiveRequests(ctx context.Context) ([]*models.RideRequest, error)
	// FindByDriverBid returns active requests carrying a bid from the
	// given driver.
	FindByDriverBid(ctx context.Context, driverID string) ([]*models.RideRequest, error)
	// DeleteTerminatedBefore removes completed/cancelled requests last
	// updated before the cutoff, returning how many were removed.
	DeleteTerminatedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error
}

// MemoryStore keeps aggregates in a map guarded by one mutex. It backs
// local runs and tests; every read hands out deep copies.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*models.RideRequest
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]*models.RideRequest)}
}

func (m *MemoryStore) CreateRequest(_ context.Context, req *models.RideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[req.ID] = req.Clone()
	return nil
}

func (m *MemoryStore) AppendOrUpdateBid(_ context.Context, requestID string, bid models.Bid) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[requestID]
	if !ok {
		return ErrNotFound
	}
	if i := req.BidByDriver(bid.DriverID); i >= 0 {
		req.Bids[i] = bid
	} else {
		req.Bids = append(req.Bids, bid)
	}
	req.UpdatedAt = bid.BidTime
	return nil
}

func (m *MemoryStore) TransitionStatus(_ context.Context, req *models.RideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[req.ID]; !ok {
		return ErrNotFound
	}
	m.requests[req.ID] = req.Clone()
	return nil
}

func (m *MemoryStore) LoadActiveRequests(_ context.Context) ([]*models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.RideRequest
	for _, req := range m.requests {
		if !req.Status.Terminal() {
			out = append(out, req.Clone())
		}
	}
	return out, nil
}

func (m *MemoryStore) FindByDriverBid(_ context.Context, driverID string) ([]*models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.RideRequest
	for _, req := range m.requests {
		if req.Status.Terminal() {
			continue
		}
		if req.BidByDriver(driverID) >= 0 {
			out = append(out, req.Clone())
		}
	}
	return out, nil
}

func (m *MemoryStore) DeleteTerminatedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, req := range m.requests {
		if req.Status.Terminal() && req.UpdatedAt.Before(cutoff) {
			delete(m.requests, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

// Get is a test helper for inspecting persisted state.
func (m *MemoryStore) Get(id string) (*models.RideRequest, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, false
	}
	return req.Clone(), true
}
