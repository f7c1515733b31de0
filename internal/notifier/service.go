package notifier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"dripbot/internal/eventbus"
	rtsup "dripbot/internal/runtime/supervisor"
	logx "dripbot/pkg/logx"
)

const historyLimit = 50

// Service forwards high-signal campaign events (errors, completions,
// login failures) from the bus to an operator chat. Delivery is
// best-effort and rate limited; a slow chat never blocks the executor.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	bus    eventbus.Bus
	sender Sender

	cfg     Config
	limiter *rate.Limiter

	sup   *rtsup.Supervisor
	unsub func()

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender: sender,
		log:    log,
		bus:    bus,
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start is idempotent. It subscribes to the bus and hosts the forward
// loop on an internal supervisor until Stop.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return
	}
	if !s.cfg.Enabled || s.sender == nil || s.bus == nil {
		s.mu.Unlock()
		return
	}

	ch, unsub := s.bus.Subscribe(64)
	s.unsub = unsub
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "notifier"))),
		// Notification failures must not take down the app.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	sup.Go0("forward", func(c context.Context) {
		s.forwardLoop(c, ch)
	})
}

// Stop unsubscribes and waits for the forward loop to drain.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	unsub := s.unsub
	s.sup = nil
	s.unsub = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

func (s *Service) forwardLoop(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			text := formatEvent(ev)
			if text == "" {
				continue
			}
			if err := s.deliver(ctx, text); err != nil {
				s.log.Warn("notification delivery failed",
					logx.String("type", ev.Type), logx.Any("err", err))
			}
		}
	}
}

func (s *Service) deliver(ctx context.Context, text string) error {
	s.mu.Lock()
	lim := s.limiter
	s.mu.Unlock()

	if err := lim.Wait(ctx); err != nil {
		return err
	}
	if err := s.sender.SendText(ctx, text); err != nil {
		return err
	}
	s.record(text)
	return nil
}

func (s *Service) record(text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Text: text})
	if len(s.history) > historyLimit {
		s.history = s.history[len(s.history)-historyLimit:]
	}
	s.hmu.Unlock()
}

// History returns recently delivered notifications, newest last.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

// formatEvent renders the operator-facing text for an event, or ""
// for events the notifier does not forward (progress, quota ticks).
func formatEvent(ev eventbus.Event) string {
	switch ev.Type {
	case eventbus.TypeCampaignError:
		e, ok := ev.Data.(eventbus.ErrorEvent)
		if !ok {
			return ""
		}
		if e.Error.RecipientID != "" {
			return fmt.Sprintf("⚠️ campaign %s: %s (recipient %s)",
				e.CampaignID, e.Error.Message, e.Error.RecipientID)
		}
		return fmt.Sprintf("⚠️ campaign %s: %s", e.CampaignID, e.Error.Message)

	case eventbus.TypeCampaignState:
		st, ok := ev.Data.(eventbus.StateEvent)
		if !ok {
			return ""
		}
		switch st.State {
		case "completed":
			return fmt.Sprintf("✅ campaign %s completed", st.CampaignID)
		case "aborted":
			return fmt.Sprintf("🛑 campaign %s aborted", st.CampaignID)
		default:
			return ""
		}

	case eventbus.TypeLoginFailed:
		lf, ok := ev.Data.(eventbus.LoginFailedEvent)
		if !ok {
			return ""
		}
		return "🔒 login failed: " + lf.Reason

	default:
		return ""
	}
}
