// Package store owns the canonical campaign records and the platform
// credentials: the flat snapshot the rest of the system receives
// campaign values from and emits deltas back to.
//
// Driver values:
//   - "file": single JSON snapshot, atomic replace on write
//   - "sqlite": SQLite database file
//
// If Driver is empty, "file" is assumed.
package store

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"dripbot/internal/campaign"
	"dripbot/internal/transport"
	"dripbot/pkg/logx"
)

type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the app and the HTTP layer.
// Mutations fan a change ping out to subscribers, which is what drives
// executor reconciliation.
type Store interface {
	List(ctx context.Context) ([]campaign.Campaign, error)
	Get(ctx context.Context, id string) (campaign.Campaign, error)
	Create(ctx context.Context, c campaign.Campaign) error
	// Update applies fn to a copy of the record and commits it if fn
	// returns nil and the invariants still hold.
	Update(ctx context.Context, id string, fn func(*campaign.Campaign) error) (campaign.Campaign, error)
	Delete(ctx context.Context, id string) error

	Credentials(ctx context.Context) (transport.Credentials, error)
	SetCredentials(ctx context.Context, creds transport.Credentials) error

	Subscribe(buffer int) (<-chan struct{}, func())
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// ---- Convenience mutations shared by both drivers ----

// SetStatus validates and applies a lifecycle transition.
// Re-activating a completed campaign is rejected; its budget is spent.
func SetStatus(ctx context.Context, st Store, id string, status campaign.Status) (campaign.Campaign, error) {
	if !status.Valid() {
		return campaign.Campaign{}, campaign.ErrBadStatusChange
	}
	return st.Update(ctx, id, func(c *campaign.Campaign) error {
		if c.Status == campaign.StatusCompleted && status == campaign.StatusActive {
			return campaign.ErrBadStatusChange
		}
		c.Status = status
		return nil
	})
}

// ApplyProgress folds a runner progress delta into the record counters.
// MessagesSent only moves forward; stale events are ignored.
func ApplyProgress(ctx context.Context, st Store, id string, p campaign.Progress) error {
	_, err := st.Update(ctx, id, func(c *campaign.Campaign) error {
		if p.SuccessfulMessages > c.MessagesSent {
			c.MessagesSent = p.SuccessfulMessages
		}
		return nil
	})
	return err
}

// AppendError appends one entry to the campaign's append-only error log.
func AppendError(ctx context.Context, st Store, id string, e campaign.Error) error {
	_, err := st.Update(ctx, id, func(c *campaign.Campaign) error {
		c.Errors = append(c.Errors, e)
		return nil
	})
	return err
}

// ---- Change notification ----

// notifier is the subscriber fanout embedded by both drivers.
// Pings are coalescable: a dropped ping is fine because consumers
// re-read the full campaign list anyway.
type notifier struct {
	mu   sync.Mutex
	subs []chan struct{}
}

func (n *notifier) Subscribe(buffer int) (<-chan struct{}, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan struct{}, buffer)
	n.mu.Lock()
	n.subs = append(n.subs, ch)
	n.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			n.mu.Lock()
			for i, s := range n.subs {
				if s == ch {
					n.subs = append(n.subs[:i], n.subs[i+1:]...)
					break
				}
			}
			n.mu.Unlock()
		})
	}
	return ch, unsub
}

func (n *notifier) notify() {
	n.mu.Lock()
	subs := append([]chan struct{}(nil), n.subs...)
	n.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
