package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/fare-auction/internal/models"
)

type fakeMirror struct {
	failHSets   int
	failExpires int

	hsetCalls   int
	expireCalls int
	keys        []string
	lastFields  map[string]interface{}
	lastTTL     time.Duration
}

func (f *fakeMirror) HSet(_ context.Context, key string, values map[string]interface{}) error {
	f.hsetCalls++
	if f.failHSets > 0 {
		f.failHSets--
		return errors.New("redis: connection reset")
	}
	f.keys = append(f.keys, key)
	f.lastFields = values
	return nil
}

func (f *fakeMirror) Expire(_ context.Context, _ string, ttl time.Duration) error {
	f.expireCalls++
	if f.failExpires > 0 {
		f.failExpires--
		return errors.New("redis: connection reset")
	}
	f.lastTTL = ttl
	return nil
}

func sampleEvent() *models.AuctionEvent {
	return &models.AuctionEvent{
		EventID:    "ev1",
		Type:       models.EventBidAccepted,
		RequestID:  "q1",
		RiderID:    "r1",
		DriverID:   "d1",
		FareAmount: 18.5,
		Status:     models.StatusAccepted,
		OccurredAt: time.Now(),
	}
}

func TestMirrorWritesRequestFields(t *testing.T) {
	m := &fakeMirror{}
	if err := mirrorWithRetry(context.Background(), m, sampleEvent(), 3, time.Millisecond); err != nil {
		t.Fatalf("mirrorWithRetry: %v", err)
	}
	if m.hsetCalls != 1 {
		t.Errorf("hset calls = %d, want 1", m.hsetCalls)
	}
	if m.keys[0] != "auction:request:q1" {
		t.Errorf("key = %q", m.keys[0])
	}
	if m.lastFields["status"] != "accepted" || m.lastFields["driver_id"] != "d1" {
		t.Errorf("fields = %v", m.lastFields)
	}
	if m.lastFields["fare_amount"] != 18.5 {
		t.Errorf("fare_amount = %v, want 18.5", m.lastFields["fare_amount"])
	}
}

func TestMirrorOmitsEmptyOptionalFields(t *testing.T) {
	ev := sampleEvent()
	ev.Type = models.EventRequestCreated
	ev.DriverID = ""
	ev.FareAmount = 0
	ev.Status = models.StatusBidding

	m := &fakeMirror{}
	if err := mirrorWithRetry(context.Background(), m, ev, 3, time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.lastFields["driver_id"]; ok {
		t.Error("driver_id should be omitted when empty")
	}
	if _, ok := m.lastFields["fare_amount"]; ok {
		t.Error("fare_amount should be omitted when zero")
	}
}

func TestMirrorRetriesTransientFailures(t *testing.T) {
	m := &fakeMirror{failHSets: 2}
	if err := mirrorWithRetry(context.Background(), m, sampleEvent(), 3, time.Millisecond); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if m.hsetCalls != 3 {
		t.Errorf("hset calls = %d, want 3", m.hsetCalls)
	}
}

func TestMirrorGivesUpAfterAttempts(t *testing.T) {
	m := &fakeMirror{failHSets: 3}
	if err := mirrorWithRetry(context.Background(), m, sampleEvent(), 3, time.Millisecond); err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
}

func TestMirrorExpiresTerminalRequests(t *testing.T) {
	ev := sampleEvent()
	ev.Type = models.EventRequestCompleted
	ev.Status = models.StatusCompleted

	m := &fakeMirror{}
	if err := mirrorWithRetry(context.Background(), m, ev, 3, time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if m.expireCalls != 1 {
		t.Fatalf("expire calls = %d, want 1", m.expireCalls)
	}
	if m.lastTTL != 24*time.Hour {
		t.Errorf("ttl = %s, want 24h", m.lastTTL)
	}
}

func TestMirrorSkipsExpireForActiveRequests(t *testing.T) {
	m := &fakeMirror{}
	ev := sampleEvent() // accepted is not terminal
	if err := mirrorWithRetry(context.Background(), m, ev, 3, time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if m.expireCalls != 0 {
		t.Errorf("expire calls = %d, want 0", m.expireCalls)
	}
}
