package ratelimit

import (
	"testing"
	"time"
)

func TestConsumeUntilExhausted(t *testing.T) {
	t.Parallel()
	l := New(3, time.Hour)
	for i := 0; i < 3; i++ {
		if !l.TryConsume() {
			t.Fatalf("consume %d denied, want allowed", i)
		}
	}
	if l.TryConsume() {
		t.Fatal("consume past ceiling allowed, want denied")
	}
	if got := l.Snapshot().Remaining; got != 0 {
		t.Fatalf("Remaining = %d, want 0", got)
	}
}

func TestWindowRefill(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	now := base
	l := New(2, time.Hour, WithClock(func() time.Time { return now }))

	l.TryConsume()
	l.TryConsume()
	if l.TryConsume() {
		t.Fatal("expected exhaustion before window elapsed")
	}

	// One minute short of the reset: still denied.
	now = base.Add(59 * time.Minute)
	if l.TryConsume() {
		t.Fatal("refilled before window elapsed")
	}

	now = base.Add(61 * time.Minute)
	if !l.TryConsume() {
		t.Fatal("expected refill after window elapsed")
	}
	if got := l.Snapshot().Remaining; got != 1 {
		t.Fatalf("Remaining = %d, want 1", got)
	}
	if want := base.Add(2 * time.Hour); !l.Snapshot().ResetTime.Equal(want) {
		t.Fatalf("ResetTime = %v, want %v", l.Snapshot().ResetTime, want)
	}
}

func TestIdleGapYieldsSingleRefill(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	l := New(5, time.Hour, WithClock(func() time.Time { return now }))

	l.TryConsume()

	// Several idle windows later the counter is full again, once, and
	// the reset time landed in the future by whole windows.
	now = base.Add(3*time.Hour + 30*time.Minute)
	if !l.TryConsume() {
		t.Fatal("expected allow after idle gap")
	}
	snap := l.Snapshot()
	if snap.Remaining != 4 {
		t.Fatalf("Remaining = %d, want 4", snap.Remaining)
	}
	if want := base.Add(4 * time.Hour); !snap.ResetTime.Equal(want) {
		t.Fatalf("ResetTime = %v, want %v", snap.ResetTime, want)
	}
}

func TestSnapshotDoesNotRefill(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	l := New(1, time.Hour, WithClock(func() time.Time { return now }))

	l.TryConsume()
	now = base.Add(2 * time.Hour)
	if got := l.Snapshot().Remaining; got != 0 {
		t.Fatalf("Snapshot triggered refill: Remaining = %d, want 0", got)
	}
	// The refill is observed by the next consume instead.
	if !l.TryConsume() {
		t.Fatal("expected consume to refill and allow")
	}
}

func TestDefaults(t *testing.T) {
	t.Parallel()
	l := New(0, 0)
	snap := l.Snapshot()
	if snap.Ceiling != DefaultCeiling {
		t.Fatalf("Ceiling = %d, want %d", snap.Ceiling, DefaultCeiling)
	}
	if snap.Remaining != DefaultCeiling {
		t.Fatalf("Remaining = %d, want %d", snap.Remaining, DefaultCeiling)
	}
}
