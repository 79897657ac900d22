package availability

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/fare-auction/internal/models"
)

// RedisTable mirrors the availability table into a Redis hash so that
// operational tooling (and the auditor process) can observe driver presence.
// Reads for fan-out stay in process memory; Redis writes are best effort.
type RedisTable struct {
	mem    Table
	client *redis.Client
	key    string
	log    *slog.Logger

	ctx context.Context
}

// NewRedisTable wraps the in-memory table with a Redis mirror at the given
// hash key (default "driver_availability").
func NewRedisTable(addr, password, key string, log *slog.Logger) *RedisTable {
	if key == "" {
		key = "driver_availability"
	}
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisTable{
		mem:    NewMemoryTable(),
		client: c,
		key:    key,
		log:    log,
		ctx:    context.Background(),
	}
}

func (t *RedisTable) Set(driverID string, status models.AvailabilityStatus) {
	t.mem.Set(driverID, status)
	ctx, cancel := context.WithTimeout(t.ctx, 2*time.Second)
	defer cancel()
	if err := t.client.HSet(ctx, t.key, driverID, string(status)).Err(); err != nil {
		t.log.Warn("availability mirror write failed", "driver_id", driverID, "error", err)
	}
}

func (t *RedisTable) Get(driverID string) (Entry, bool) { return t.mem.Get(driverID) }

func (t *RedisTable) AvailableIDs() []string { return t.mem.AvailableIDs() }

func (t *RedisTable) MarkAllOffline() {
	t.mem.MarkAllOffline()
	ctx, cancel := context.WithTimeout(t.ctx, 2*time.Second)
	defer cancel()
	if err := t.client.Del(ctx, t.key).Err(); err != nil {
		t.log.Warn("availability mirror reset failed", "error", err)
	}
}

// Close releases the Redis connection.
func (t *RedisTable) Close() error { return t.client.Close() }
