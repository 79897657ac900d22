// Package availability holds the single authoritative driver-availability
// table. The connection registry is its only writer: explicit status
// messages set available/busy, disconnects and evictions set offline.
package availability

import (
	"sync"
	"time"

	"github.com/example/fare-auction/internal/models"
)

// Entry is one driver's availability record.
type Entry struct {
	DriverID    string
	Status      models.AvailabilityStatus
	LastUpdated time.Time
}

// Table is the lookup interface read by the broadcast router at fan-out
// time. Implementations must be safe for concurrent use.
type Table interface {
	Set(driverID string, status models.AvailabilityStatus)
	Get(driverID string) (Entry, bool)
	AvailableIDs() []string
	// MarkAllOffline clears every record; used after a restart when no
	// live session can back a previously stored status.
	MarkAllOffline()
}

type memoryTable struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryTable returns the in-process Table used when no Redis address
// is configured.
func NewMemoryTable() Table {
	return &memoryTable{entries: make(map[string]Entry)}
}

func (t *memoryTable) Set(driverID string, status models.AvailabilityStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[driverID] = Entry{DriverID: driverID, Status: status, LastUpdated: time.Now()}
}

func (t *memoryTable) Get(driverID string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[driverID]
	return e, ok
}

func (t *memoryTable) AvailableIDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.entries))
	for id, e := range t.entries {
		if e.Status == models.DriverAvailable {
			out = append(out, id)
		}
	}
	return out
}

func (t *memoryTable) MarkAllOffline() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[string]Entry)
}
