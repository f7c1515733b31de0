// Package ratelimit implements the global send quota shared by every
// campaign runner.
//
// This mirrors an upstream per-account limit, so the quota is one
// process-wide window counter, not a per-campaign one. Runners call
// TryConsume before every send; a denial fails the current recipient
// without retry.
package ratelimit

import (
	"sync"
	"time"
)

const (
	DefaultCeiling = 50
	DefaultWindow  = time.Hour
)

// State is a point-in-time view of the quota, safe to report to callers.
type State struct {
	Remaining int       `json:"remaining"`
	ResetTime time.Time `json:"reset_time"`
	Ceiling   int       `json:"ceiling"`
}

// Limiter is a deterministic window-based token counter.
//
// All mutation happens under one mutex; the zero value is not usable,
// construct with New.
type Limiter struct {
	mu        sync.Mutex
	ceiling   int
	window    time.Duration
	remaining int
	resetTime time.Time

	now func() time.Time // test hook
}

type Option func(*Limiter)

// WithClock overrides the time source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func New(ceiling int, window time.Duration, opts ...Option) *Limiter {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	if window <= 0 {
		window = DefaultWindow
	}
	l := &Limiter{
		ceiling: ceiling,
		window:  window,
		now:     time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	l.remaining = ceiling
	l.resetTime = l.now().Add(window)
	return l
}

// TryConsume takes one token if available.
//
// When the window has elapsed the counter refills to the ceiling first,
// and the reset time advances in whole windows until it is in the
// future again (an idle gap of several windows yields one refill, not
// several).
func (l *Limiter) TryConsume() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.resetLocked()
	if l.remaining <= 0 {
		return false
	}
	l.remaining--
	return true
}

// Snapshot is a pure read; it does not trigger a refill.
func (l *Limiter) Snapshot() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return State{
		Remaining: l.remaining,
		ResetTime: l.resetTime,
		Ceiling:   l.ceiling,
	}
}

func (l *Limiter) resetLocked() {
	now := l.now()
	if now.Before(l.resetTime) {
		return
	}
	l.remaining = l.ceiling
	for !l.resetTime.After(now) {
		l.resetTime = l.resetTime.Add(l.window)
	}
}
