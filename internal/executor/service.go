// Package executor runs active campaigns: one sequential runner per
// campaign id, reconciled against the campaign set, throttled by the
// shared rate limiter, reporting through the event bus.
package executor

import (
	"context"
	"errors"
	"sort"

	"dripbot/internal/campaign"
	"dripbot/internal/eventbus"
	"dripbot/internal/ratelimit"
	"dripbot/internal/runtime/supervisor"
	"dripbot/internal/transport"
	"dripbot/pkg/logx"
)

var ErrNotRunning = errors.New("executor not running")

func New(limiter *ratelimit.Limiter, provider transport.TargetProvider, sender transport.MessageSender, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:      log,
		bus:      bus,
		limiter:  limiter,
		provider: provider,
		sender:   sender,
		runners:  map[string]*runner{},
		cursors:  map[string]int{},
	}
}

// Start makes the service accept Reconcile calls. Idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	s.log.Info("executor started")
}

// Stop signals every runner to pause and waits for them to reach a
// boundary, bounded by ctx. Paused cursors survive for a later Start.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	for _, r := range s.runners {
		r.signalStop(stopPause)
	}
	s.mu.Unlock()

	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	s.log.Info("executor stopped")
	return err
}

// Reconcile aligns the running set with the given campaign records:
// every active campaign gets a runner (idempotent; at most one per id),
// every runner whose campaign is no longer active is signalled to stop.
// Campaigns absent from the slice are treated as deleted and aborted.
func (s *Service) Reconcile(ctx context.Context, campaigns []campaign.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup == nil {
		return ErrNotRunning
	}

	present := make(map[string]campaign.Status, len(campaigns))
	for _, c := range campaigns {
		present[c.ID] = c.Status
	}

	// Stop pass: runner exists but campaign is gone or not active.
	for id, r := range s.runners {
		st, ok := present[id]
		switch {
		case !ok:
			s.log.Info("campaign deleted; aborting runner", logx.String("campaign", id))
			r.signalStop(stopAbort)
		case st != campaign.StatusActive:
			s.log.Info("campaign no longer active; pausing runner", logx.String("campaign", id), logx.String("status", string(st)))
			r.signalStop(stopPause)
		}
	}
	// Cursors of deleted campaigns are garbage; drop them.
	for id := range s.cursors {
		if _, ok := present[id]; !ok {
			delete(s.cursors, id)
		}
	}

	// Start pass: active campaign without a runner.
	for _, c := range campaigns {
		if c.Status != campaign.StatusActive {
			continue
		}
		if _, running := s.runners[c.ID]; running {
			continue
		}
		s.startLocked(c)
	}
	return nil
}

func (s *Service) startLocked(c campaign.Campaign) {
	r := &runner{
		c:          c.Clone(),
		startIndex: s.cursors[c.ID],
		stopCh:     make(chan struct{}),
		state:      StateIdle,
	}
	r.cursor = r.startIndex
	s.runners[c.ID] = r
	s.log.Info("starting campaign runner",
		logx.String("campaign", c.ID),
		logx.String("name", c.Name),
		logx.Int("cursor", r.startIndex))

	s.sup.Go0("runner:"+c.ID, func(ctx context.Context) {
		s.run(ctx, r)
	})
}

// StopCampaign signals one runner to stop. Safe to call for ids that
// are not running (no-op). abort discards the resume cursor.
func (s *Service) StopCampaign(id string, abort bool) {
	s.mu.Lock()
	r := s.runners[id]
	if abort {
		delete(s.cursors, id)
	}
	s.mu.Unlock()
	if r == nil {
		return
	}
	reason := stopPause
	if abort {
		reason = stopAbort
	}
	r.signalStop(reason)
}

// Running reports whether a runner currently exists for the id.
func (s *Service) Running(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.runners[id]
	return ok
}

// Snapshots returns a stable-ordered view of all current runners.
func (s *Service) Snapshots() []Snapshot {
	s.mu.Lock()
	rs := make([]*runner, 0, len(s.runners))
	for _, r := range s.runners {
		rs = append(rs, r)
	}
	s.mu.Unlock()

	out := make([]Snapshot, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CampaignID < out[j].CampaignID })
	return out
}

// Cursor reports the stored resume position for a paused campaign.
func (s *Service) Cursor(id string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.cursors[id]
	return cur, ok
}
