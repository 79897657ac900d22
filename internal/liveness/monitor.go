// Package liveness probes every active session and reaps the ones that
// stop acknowledging. Probe emission and the stale sweep run on separate
// timers so a slow sweep can never delay heartbeats.
package liveness

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/fare-auction/internal/models"
	"github.com/example/fare-auction/internal/observability"
	"github.com/example/fare-auction/internal/registry"
)

// DefaultProbeInterval is how often each session is pinged.
const DefaultProbeInterval = 30 * time.Second

// Probe is the outbound liveness frame. Any acknowledgement (a pong or in
// fact any inbound frame) resets the session's timestamp server-side;
// deduplicating repeated probes is the client's concern.
type Probe struct {
	Type         string              `json:"type"` // "ping"
	Timestamp    time.Time           `json:"timestamp"`
	IdentityKind models.IdentityKind `json:"identityKind"`
}

// Monitor owns the probe and sweep loops for one registry.
type Monitor struct {
	Reg            *registry.Registry
	ProbeInterval  time.Duration
	StaleThreshold time.Duration
	Log            *slog.Logger

	now func() time.Time
}

// NewMonitor applies the defaults: a 30s probe and a stale threshold of
// twice the probe interval.
func NewMonitor(reg *registry.Registry, probeInterval, staleThreshold time.Duration, log *slog.Logger) *Monitor {
	if probeInterval <= 0 {
		probeInterval = DefaultProbeInterval
	}
	if staleThreshold <= 0 {
		staleThreshold = 2 * probeInterval
	}
	return &Monitor{
		Reg:            reg,
		ProbeInterval:  probeInterval,
		StaleThreshold: staleThreshold,
		Log:            log,
		now:            time.Now,
	}
}

// Run blocks until the context is done, driving both loops.
func (m *Monitor) Run(ctx context.Context) {
	go m.probeLoop(ctx)
	m.sweepLoop(ctx)
}

func (m *Monitor) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(m.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ProbeAll()
		}
	}
}

func (m *Monitor) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(m.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SweepStale()
		}
	}
}

// ProbeAll sends one ping to every active session. A failed write is
// treated the same as a missed acknowledgement: the sweep will catch it.
func (m *Monitor) ProbeAll() {
	now := m.now()
	for _, sess := range m.Reg.Sessions() {
		if err := sess.Send(Probe{Type: "ping", Timestamp: now, IdentityKind: sess.Kind}); err != nil {
			observability.WSErrorsTotal.Inc()
			m.Log.Debug("probe write failed", "session_id", sess.ID, "error", err)
		}
	}
}

// SweepStale evicts sessions whose last acknowledgement is older than the
// stale threshold. Eviction goes through the registry, which flips any
// associated driver offline.
func (m *Monitor) SweepStale() int {
	cutoff := m.now().Add(-m.StaleThreshold)
	evicted := 0
	for _, sess := range m.Reg.Sessions() {
		if sess.LastSeen().After(cutoff) {
			continue
		}
		m.Log.Info("evicting stale session",
			"session_id", sess.ID, "kind", sess.Kind, "identity_id", sess.IdentityID,
			"last_seen", sess.LastSeen())
		observability.SessionEvictions.Inc()
		m.Reg.Unregister(sess.ID)
		evicted++
	}
	return evicted
}
