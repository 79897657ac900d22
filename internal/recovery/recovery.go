// Package recovery restores in-flight auctions after a restart and keeps
// the stored state consistent with auction time limits while running.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/fare-auction/internal/auction"
	"github.com/example/fare-auction/internal/availability"
	"github.com/example/fare-auction/internal/storage"
)

const (
	DefaultSweepInterval = 5 * time.Minute
	DefaultPurgeInterval = time.Hour
	DefaultPurgeAge      = 24 * time.Hour
)

// Service reloads active requests at startup and runs the periodic
// timeout and purge sweeps.
type Service struct {
	Store  storage.RideStore
	Engine *auction.Engine
	Avail  availability.Table
	Log    *slog.Logger

	SweepInterval time.Duration
	PurgeInterval time.Duration
	PurgeAge      time.Duration

	now func() time.Time
}

func NewService(store storage.RideStore, engine *auction.Engine, avail availability.Table, log *slog.Logger) *Service {
	return &Service{
		Store:         store,
		Engine:        engine,
		Avail:         avail,
		Log:           log,
		SweepInterval: DefaultSweepInterval,
		PurgeInterval: DefaultPurgeInterval,
		PurgeAge:      DefaultPurgeAge,
		now:           time.Now,
	}
}

// Startup runs before the process accepts live traffic. An unreachable
// store is fatal: running with an empty active-request set would silently
// drop in-flight auctions.
func (s *Service) Startup(ctx context.Context) error {
	if err := s.Store.Ping(ctx); err != nil {
		return fmt.Errorf("store unreachable, refusing to start: %w", err)
	}

	// No live session can exist yet, so every persisted availability or
	// online flag is stale by definition.
	s.Avail.MarkAllOffline()

	reqs, err := s.Store.LoadActiveRequests(ctx)
	if err != nil {
		return fmt.Errorf("load active requests: %w", err)
	}
	s.Engine.Resume(reqs)

	// Auctions already past their bidding window are cancelled before any
	// connection is accepted, so nobody can bid on or accept them.
	expired := s.Engine.ExpireStale(ctx)
	s.Log.Info("recovery complete", "active_requests", len(reqs), "expired_on_load", expired)
	return nil
}

// Run drives the periodic sweeps until the context is done. Both sweeps
// only touch aggregates that live traffic can no longer transition, so
// they are safe to run concurrently with it.
func (s *Service) Run(ctx context.Context) {
	sweep := time.NewTicker(s.SweepInterval)
	purge := time.NewTicker(s.PurgeInterval)
	defer sweep.Stop()
	defer purge.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			if n := s.Engine.ExpireStale(ctx); n > 0 {
				s.Log.Info("timeout sweep", "expired", n)
			}
		case <-purge.C:
			s.PurgeTerminated(ctx)
		}
	}
}

// PurgeTerminated physically removes completed/cancelled requests older
// than the retention age.
func (s *Service) PurgeTerminated(ctx context.Context) {
	cutoff := s.now().Add(-s.PurgeAge)
	n, err := s.Store.DeleteTerminatedBefore(ctx, cutoff)
	if err != nil {
		s.Log.Warn("purge failed", "error", err)
		return
	}
	if n > 0 {
		s.Log.Info("purged terminated requests", "count", n, "cutoff", cutoff)
	}
}
