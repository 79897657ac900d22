package auction

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/fare-auction/internal/logging"
	"github.com/example/fare-auction/internal/models"
	"github.com/example/fare-auction/internal/storage"
)

type nopNotifier struct{}

func (nopNotifier) RequestCreated(*models.RideRequest) {}
func (nopNotifier) BidUpdated(*models.RideRequest, models.Bid) {}
func (nopNotifier) BiddingClosed(*models.RideRequest, models.Bid) {}
func (nopNotifier) RequestCancelled(*models.RideRequest, string) {}
func (nopNotifier) RequestCompleted(*models.RideRequest) {}

// recordingNotifier captures which transitions were announced.
type recordingNotifier struct {
	mu        sync.Mutex
	created   []string
	bids      []models.Bid
	closed    []models.Bid
	cancelled []string
	completed []string
}

func (n *recordingNotifier) RequestCreated(r *models.RideRequest) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.created = append(n.created, r.ID)
}
func (n *recordingNotifier) BidUpdated(_ *models.RideRequest, b models.Bid) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.bids = append(n.bids, b)
}
func (n *recordingNotifier) BiddingClosed(_ *models.RideRequest, w models.Bid) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = append(n.closed, w)
}
func (n *recordingNotifier) RequestCancelled(r *models.RideRequest, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cancelled = append(n.cancelled, r.ID)
}
func (n *recordingNotifier) RequestCompleted(r *models.RideRequest) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed = append(n.completed, r.ID)
}

// flakyStore fails selected operations to exercise rollback paths.
type flakyStore struct {
	storage.RideStore
	failBids        bool
	failTransitions bool
}

var errStoreDown = errors.New("store down")

func (f *flakyStore) AppendOrUpdateBid(ctx context.Context, id string, bid models.Bid) error {
	if f.failBids {
		return errStoreDown
	}
	return f.RideStore.AppendOrUpdateBid(ctx, id, bid)
}

func (f *flakyStore) TransitionStatus(ctx context.Context, req *models.RideRequest) error {
	if f.failTransitions {
		return errStoreDown
	}
	return f.RideStore.TransitionStatus(ctx, req)
}

func newTestEngine(t *testing.T, notify Notifier) (*Engine, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	if notify == nil {
		notify = nopNotifier{}
	}
	return New(store, notify, logging.NewLogger("error")), store
}

func validInput() CreateInput {
	return CreateInput{
		RideType:    "standard",
		Pickup:      models.Location{Address: "1 Main St", Lat: 40.70, Lon: -74.00},
		Destination: models.Location{Address: "99 Broad St", Lat: 40.75, Lon: -73.98},
	}
}

func TestCreateRequestOpensBidding(t *testing.T) {
	e, store := newTestEngine(t, nil)
	req, err := e.CreateRequest(context.Background(), "r1", validInput())
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != models.StatusBidding {
		t.Fatalf("expected bidding, got %s", req.Status)
	}
	persisted, ok := store.Get(req.ID)
	if !ok {
		t.Fatal("request not persisted")
	}
	if persisted.Status != models.StatusBidding {
		t.Fatalf("persisted status %s", persisted.Status)
	}
}

func TestCreateRequestRejectsBadCoordinates(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	in := validInput()
	in.Pickup.Lat = 91
	_, err := e.CreateRequest(context.Background(), "r1", in)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if CodeOf(err) != CodeValidation {
		t.Fatalf("expected %s code, got %s", CodeValidation, CodeOf(err))
	}
}

func TestSubmitBidUpsertsPerDriver(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()
	req, _ := e.CreateRequest(ctx, "r1", validInput())

	first, err := e.SubmitBid(ctx, "d1", req.ID, 100, 5, "")
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.SubmitBid(ctx, "d1", req.ID, 90, 4, "can do cheaper")
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID {
		t.Fatalf("resubmission must keep the bid id: %s != %s", second.ID, first.ID)
	}

	snap, _ := e.Get(req.ID)
	if len(snap.Bids) != 1 {
		t.Fatalf("expected 1 bid for d1, got %d", len(snap.Bids))
	}
	if snap.Bids[0].FareAmount != 90 {
		t.Fatalf("expected updated fare 90, got %v", snap.Bids[0].FareAmount)
	}
}

func TestSubmitBidValidation(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()
	req, _ := e.CreateRequest(ctx, "r1", validInput())

	if _, err := e.SubmitBid(ctx, "d1", req.ID, 0, 5, ""); CodeOf(err) != CodeValidation {
		t.Fatalf("zero fare should be a validation error, got %v", err)
	}
	if _, err := e.SubmitBid(ctx, "d1", req.ID, 50, -1, ""); CodeOf(err) != CodeValidation {
		t.Fatalf("negative eta should be a validation error, got %v", err)
	}
	if _, err := e.SubmitBid(ctx, "d1", "nope", 50, 5, ""); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("expected ErrRequestNotFound, got %v", err)
	}
}

// Scenario: rider accepts the cheaper of two bids; the loser's bid flips
// to rejected and the winning bid is recorded on the aggregate.
func TestAcceptBidClosesAuction(t *testing.T) {
	notify := &recordingNotifier{}
	e, store := newTestEngine(t, notify)
	ctx := context.Background()

	req, _ := e.CreateRequest(ctx, "r1", validInput())
	_, err := e.SubmitBid(ctx, "d1", req.ID, 100, 5, "")
	if err != nil {
		t.Fatal(err)
	}
	cheap, err := e.SubmitBid(ctx, "d2", req.ID, 90, 7, "")
	if err != nil {
		t.Fatal(err)
	}

	snap, winner, err := e.AcceptBid(ctx, "r1", req.ID, cheap.ID)
	if err != nil {
		t.Fatal(err)
	}
	if winner.DriverID != "d2" {
		t.Fatalf("expected d2 to win, got %s", winner.DriverID)
	}
	if snap.Status != models.StatusAccepted || snap.AcceptedBidID != cheap.ID {
		t.Fatalf("bad aggregate: status=%s accepted=%s", snap.Status, snap.AcceptedBidID)
	}
	if i := snap.BidByDriver("d1"); snap.Bids[i].Status != models.BidRejected {
		t.Fatalf("d1's bid should be rejected, got %s", snap.Bids[i].Status)
	}

	persisted, _ := store.Get(req.ID)
	if persisted.Status != models.StatusAccepted {
		t.Fatalf("acceptance not persisted: %s", persisted.Status)
	}
	if len(notify.closed) != 1 || notify.closed[0].DriverID != "d2" {
		t.Fatalf("bidding-closed notification missing or wrong: %+v", notify.closed)
	}
}

func TestConcurrentAcceptsProduceOneWinner(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()
	req, _ := e.CreateRequest(ctx, "r1", validInput())

	const drivers = 8
	bidIDs := make([]string, drivers)
	for i := 0; i < drivers; i++ {
		b, err := e.SubmitBid(ctx, string(rune('a'+i)), req.ID, float64(50+i), 5, "")
		if err != nil {
			t.Fatal(err)
		}
		bidIDs[i] = b.ID
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	conflicts := 0
	for i := 0; i < drivers; i++ {
		wg.Add(1)
		go func(bidID string) {
			defer wg.Done()
			_, _, err := e.AcceptBid(ctx, "r1", req.ID, bidID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case CodeOf(err) == CodeStateConflict:
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(bidIDs[i])
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
	if conflicts != drivers-1 {
		t.Fatalf("expected %d state conflicts, got %d", drivers-1, conflicts)
	}

	snap, _ := e.Get(req.ID)
	accepted := 0
	for _, b := range snap.Bids {
		if b.Status == models.BidAccepted {
			accepted++
		}
	}
	if accepted != 1 {
		t.Fatalf("expected exactly one accepted bid, got %d", accepted)
	}
}

func TestSecondAcceptReportsAuthoritativeStatus(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()
	req, _ := e.CreateRequest(ctx, "r1", validInput())
	b1, _ := e.SubmitBid(ctx, "d1", req.ID, 100, 5, "")
	b2, _ := e.SubmitBid(ctx, "d2", req.ID, 90, 5, "")

	if _, _, err := e.AcceptBid(ctx, "r1", req.ID, b1.ID); err != nil {
		t.Fatal(err)
	}
	_, _, err := e.AcceptBid(ctx, "r1", req.ID, b2.ID)
	var nb *NotBiddableError
	if !errors.As(err, &nb) {
		t.Fatalf("expected NotBiddableError, got %v", err)
	}
	if nb.Current != models.StatusAccepted {
		t.Fatalf("authoritative status should be accepted, got %s", nb.Current)
	}
}

func TestCancelBlocksInFlightAccept(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()
	req, _ := e.CreateRequest(ctx, "r1", validInput())
	bid, _ := e.SubmitBid(ctx, "d1", req.ID, 100, 5, "")

	if _, err := e.Cancel(ctx, req.ID, "rider", "changed plans"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := e.AcceptBid(ctx, "r1", req.ID, bid.ID); CodeOf(err) != CodeStateConflict {
		t.Fatalf("accept after cancel must be a state conflict, got %v", err)
	}

	snap, _ := e.Get(req.ID)
	if snap.Bids[0].Status != models.BidExpired {
		t.Fatalf("pending bid should expire on cancel, got %s", snap.Bids[0].Status)
	}
}

func TestBidAfterAcceptRejected(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()
	req, _ := e.CreateRequest(ctx, "r1", validInput())
	bid, _ := e.SubmitBid(ctx, "d1", req.ID, 100, 5, "")
	if _, _, err := e.AcceptBid(ctx, "r1", req.ID, bid.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := e.SubmitBid(ctx, "d2", req.ID, 80, 3, ""); CodeOf(err) != CodeStateConflict {
		t.Fatalf("bid after accept must be a state conflict, got %v", err)
	}
}

func TestDriverCommittedElsewhereCannotBid(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()
	first, _ := e.CreateRequest(ctx, "r1", validInput())
	second, _ := e.CreateRequest(ctx, "r2", validInput())

	bid, _ := e.SubmitBid(ctx, "d1", first.ID, 100, 5, "")
	if _, _, err := e.AcceptBid(ctx, "r1", first.ID, bid.ID); err != nil {
		t.Fatal(err)
	}

	_, err := e.SubmitBid(ctx, "d1", second.ID, 80, 3, "")
	var committed *DriverCommittedError
	if !errors.As(err, &committed) {
		t.Fatalf("expected DriverCommittedError, got %v", err)
	}
}

func TestTransientBidFailureRollsBack(t *testing.T) {
	store := storage.NewMemoryStore()
	flaky := &flakyStore{RideStore: store}
	e := New(flaky, nopNotifier{}, logging.NewLogger("error"))
	ctx := context.Background()

	req, _ := e.CreateRequest(ctx, "r1", validInput())

	flaky.failBids = true
	_, err := e.SubmitBid(ctx, "d1", req.ID, 100, 5, "")
	var transient *TransientError
	if !errors.As(err, &transient) {
		t.Fatalf("expected TransientError, got %v", err)
	}

	// The failed bid must not be observable anywhere.
	snap, _ := e.Get(req.ID)
	if len(snap.Bids) != 0 {
		t.Fatalf("rolled-back bid still visible: %+v", snap.Bids)
	}

	flaky.failBids = false
	if _, err := e.SubmitBid(ctx, "d1", req.ID, 100, 5, ""); err != nil {
		t.Fatalf("retry should succeed: %v", err)
	}
}

func TestTransientAcceptFailureRestoresBidding(t *testing.T) {
	store := storage.NewMemoryStore()
	flaky := &flakyStore{RideStore: store}
	e := New(flaky, nopNotifier{}, logging.NewLogger("error"))
	ctx := context.Background()

	req, _ := e.CreateRequest(ctx, "r1", validInput())
	bid, _ := e.SubmitBid(ctx, "d1", req.ID, 100, 5, "")

	flaky.failTransitions = true
	_, _, err := e.AcceptBid(ctx, "r1", req.ID, bid.ID)
	var transient *TransientError
	if !errors.As(err, &transient) {
		t.Fatalf("expected TransientError, got %v", err)
	}

	snap, _ := e.Get(req.ID)
	if snap.Status != models.StatusBidding || snap.AcceptedBidID != "" {
		t.Fatalf("accept rollback incomplete: %s / %q", snap.Status, snap.AcceptedBidID)
	}
	if snap.Bids[0].Status != models.BidPending {
		t.Fatalf("bid should be back to pending, got %s", snap.Bids[0].Status)
	}

	flaky.failTransitions = false
	if _, _, err := e.AcceptBid(ctx, "r1", req.ID, bid.ID); err != nil {
		t.Fatalf("retry should succeed: %v", err)
	}
}

func TestCompleteOnlyFromAccepted(t *testing.T) {
	notify := &recordingNotifier{}
	e, _ := newTestEngine(t, notify)
	ctx := context.Background()
	req, _ := e.CreateRequest(ctx, "r1", validInput())

	if _, err := e.Complete(ctx, req.ID); CodeOf(err) != CodeStateConflict {
		t.Fatalf("complete before accept must conflict, got %v", err)
	}

	bid, _ := e.SubmitBid(ctx, "d1", req.ID, 100, 5, "")
	if _, _, err := e.AcceptBid(ctx, "r1", req.ID, bid.ID); err != nil {
		t.Fatal(err)
	}
	snap, err := e.Complete(ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Status != models.StatusCompleted {
		t.Fatalf("expected completed, got %s", snap.Status)
	}
	if len(notify.completed) != 1 {
		t.Fatalf("completion not announced")
	}
}

// The timeout boundary is inclusive: a request exactly at the bid window's
// age expires, one nanosecond younger survives.
func TestExpireStaleBoundary(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	e.BidWindow = 10 * time.Minute
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return base }

	exact, _ := e.CreateRequest(ctx, "r1", validInput())
	e.now = func() time.Time { return base.Add(time.Nanosecond) }
	younger, _ := e.CreateRequest(ctx, "r2", validInput())

	e.now = func() time.Time { return base.Add(10 * time.Minute) }
	if n := e.ExpireStale(ctx); n != 1 {
		t.Fatalf("expected exactly 1 expiry at the boundary, got %d", n)
	}

	got, _ := e.Get(exact.ID)
	if got.Status != models.StatusCancelled {
		t.Fatalf("boundary-age request should be cancelled, got %s", got.Status)
	}
	still, _ := e.Get(younger.ID)
	if still.Status != models.StatusBidding {
		t.Fatalf("younger request should still be bidding, got %s", still.Status)
	}
}

func TestRankBids(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	bids := []models.Bid{
		{ID: "b1", DriverID: "d1", FareAmount: 100, BidTime: t0},
		{ID: "b2", DriverID: "d2", FareAmount: 90, BidTime: t0.Add(time.Minute)},
		{ID: "b3", DriverID: "d3", FareAmount: 90, BidTime: t0},
		{ID: "b4", DriverID: "d4", FareAmount: 120, BidTime: t0},
	}
	ranked := RankBids(bids)
	want := []string{"b3", "b2", "b1", "b4"}
	for i, id := range want {
		if ranked[i].ID != id {
			t.Fatalf("rank %d: want %s got %s", i, id, ranked[i].ID)
		}
	}
	// Input order must be untouched.
	if bids[0].ID != "b1" {
		t.Fatal("RankBids mutated its input")
	}
}

func TestActiveBidsForReturnsOpenRequestsOnly(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, nil)

	open, err := e.CreateRequest(ctx, "r1", validInput())
	if err != nil {
		t.Fatal(err)
	}
	closed, err := e.CreateRequest(ctx, "r2", validInput())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.SubmitBid(ctx, "d1", open.ID, 20, 5, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := e.SubmitBid(ctx, "d1", closed.ID, 25, 5, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Cancel(ctx, closed.ID, "rider", "changed plans"); err != nil {
		t.Fatal(err)
	}

	reqs, err := e.ActiveBidsFor(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if len(reqs) != 1 || reqs[0].ID != open.ID {
		t.Fatalf("ActiveBidsFor = %v, want only %s", reqs, open.ID)
	}

	none, err := e.ActiveBidsFor(ctx, "d-unknown")
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Fatalf("unknown driver should have no open bids, got %d", len(none))
	}
}
