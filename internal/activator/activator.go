// Package activator flips paused campaigns with a due start_at to
// active on a periodic cron sweep. The executor then picks them up on
// its next reconcile pass.
package activator

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"dripbot/internal/campaign"
	"dripbot/internal/store"
	logx "dripbot/pkg/logx"
)

// Config controls the sweep cadence.
type Config struct {
	Enabled bool
	Every   time.Duration // default 1m
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	st  store.Store
	cfg Config

	c   *cron.Cron
	now func() time.Time
}

func New(cfg Config, st store.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Every <= 0 {
		cfg.Every = time.Minute
	}
	return &Service{log: log, st: st, cfg: cfg, now: time.Now}
}

// Start schedules the sweep. Idempotent; a no-op when disabled.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.c != nil {
		return nil
	}

	s.c = cron.New()
	_, err := s.c.AddFunc("@every "+s.cfg.Every.String(), func() {
		s.sweep(ctx)
	})
	if err != nil {
		s.c = nil
		return err
	}
	s.c.Start()
	s.log.Info("activator started", logx.Duration("every", s.cfg.Every))
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep runs one activation pass immediately. Exposed so the app can
// catch up on startup without waiting for the first tick.
func (s *Service) Sweep(ctx context.Context) { s.sweep(ctx) }

func (s *Service) sweep(ctx context.Context) {
	list, err := s.st.List(ctx)
	if err != nil {
		s.log.Warn("activation sweep: list failed", logx.Any("err", err))
		return
	}
	now := s.now()
	for _, c := range list {
		if c.Status != campaign.StatusPaused || c.StartAt.IsZero() || c.StartAt.After(now) {
			continue
		}
		// One-shot: clear start_at so a later pause is not re-activated.
		_, err := s.st.Update(ctx, c.ID, func(c *campaign.Campaign) error {
			c.Status = campaign.StatusActive
			c.StartAt = time.Time{}
			return nil
		})
		if err != nil {
			s.log.Warn("scheduled activation failed",
				logx.String("campaign", c.ID), logx.Any("err", err))
			continue
		}
		s.log.Info("campaign activated on schedule",
			logx.String("campaign", c.ID), logx.Time("start_at", c.StartAt))
	}
}
