package executor

import (
	"context"
	"fmt"
	"time"

	"dripbot/internal/campaign"
	"dripbot/internal/eventbus"
	"dripbot/pkg/logx"
)

// run drives one campaign from ResolvingTargets to a terminal state.
// It is the only goroutine touching the runner's working copy; the
// shared rate limiter is the only cross-campaign state it mutates.
func (s *Service) run(ctx context.Context, r *runner) {
	c := r.c
	log := s.log.With(logx.String("campaign", c.ID), logx.String("name", c.Name))

	r.mu.Lock()
	r.startedAt = time.Now()
	r.mu.Unlock()

	r.setState(StateResolvingTargets)
	recipients, err := s.provider.Resolve(ctx, c.TargetUsername, c.TargetType)
	if err != nil {
		// Provider failure is campaign-scoped: one error, no quota
		// consumed, no progress emitted.
		log.Warn("target resolution failed", logx.Err(err))
		s.emitError(c.ID, campaign.NewError(fmt.Sprintf("campaign %s: %v", c.Name, err), ""))
		s.finish(r, StateAborted, 0)
		return
	}
	log.Info("targets resolved", logx.Int("count", len(recipients)), logx.Int("cursor", r.startIndex))

	r.setState(StateRunning)

	idx := r.startIndex
	if idx > len(recipients) {
		idx = len(recipients)
	}
	sent := c.MessagesSent

	for {
		// Stop conditions, checked at the recipient boundary in
		// priority order: list exhausted, budget spent, stop signal.
		if idx >= len(recipients) || sent >= c.Rate.MaxMessages {
			s.emitProgress(c.ID, progressAt(c, idx, sent))
			s.finish(r, StateCompleted, idx)
			log.Info("campaign completed", logx.Int("processed", idx), logx.Int("sent", sent))
			return
		}
		if stopped(ctx, r.stopCh) {
			s.finishStopped(r, idx)
			return
		}

		rec := recipients[idx]
		ok, interrupted := s.processRecipient(ctx, r, rec, log)
		if interrupted {
			// Stop observed during a wait: the current recipient was
			// neither fully messaged nor counted; resume reprocesses it.
			s.finishStopped(r, idx)
			return
		}
		if ok {
			sent++
		}

		r.mu.Lock()
		r.processed = idx + 1 - r.startIndex
		r.succeeded = sent - c.MessagesSent
		r.failed = r.processed - r.succeeded
		r.cursor = idx + 1
		r.mu.Unlock()

		s.emitProgress(c.ID, progressAt(c, idx+1, sent))

		// Cadence throttle, independent of the global quota.
		if !s.wait(ctx, r.stopCh, c.Pacing()) {
			s.finishStopped(r, idx+1)
			return
		}
		idx++
	}
}

// processRecipient walks the ordered message sequence for one recipient.
// The recipient succeeds only if every message is delivered; the first
// quota denial or delivery error fails it as a unit, with one recorded
// error and no retry. interrupted means a stop/cancel arrived during a
// delay wait and nothing was recorded.
func (s *Service) processRecipient(ctx context.Context, r *runner, rec campaign.RecipientIdentity, log logx.Logger) (ok, interrupted bool) {
	c := r.c
	for i, m := range c.Messages {
		// The delay applies to every message, including the first.
		if !s.wait(ctx, r.stopCh, m.Delay.Std()) {
			return false, true
		}

		if !s.limiter.TryConsume() {
			log.Debug("quota denied", logx.String("recipient", rec.Username), logx.Int("message", i))
			s.emitError(c.ID, campaign.NewError(
				fmt.Sprintf("rate limit exceeded before messaging @%s", rec.Username), rec.ID))
			return false, false
		}

		if err := s.sender.Send(ctx, rec, m.Content); err != nil {
			if ctx.Err() != nil {
				// Shutdown raced the send; don't charge the recipient.
				return false, true
			}
			log.Warn("send failed", logx.String("recipient", rec.Username), logx.Int("message", i), logx.Err(err))
			s.emitError(c.ID, campaign.NewError(
				fmt.Sprintf("failed to send message to @%s: %v", rec.Username, err), rec.ID))
			return false, false
		}
	}
	return true, false
}

// progressAt materializes the accumulated progress view after walking
// processed recipients with sent lifetime successes.
func progressAt(c campaign.Campaign, processed, sent int) campaign.Progress {
	failed := processed - sent
	if failed < 0 {
		// A campaign re-activated with prior successes can complete
		// before this walk processes anyone.
		failed = 0
	}
	return campaign.Progress{
		ProcessedRecipients: processed,
		SuccessfulMessages:  sent,
		FailedMessages:      failed,
		RemainingMessages:   c.TotalMessages - sent,
	}
}

// wait sleeps for d, returning false if the stop signal or context
// cancellation interrupts the sleep. A non-positive d returns true
// immediately without observing the stop signal (boundary checks own
// that responsibility).
func (s *Service) wait(ctx context.Context, stopCh <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stopCh:
		return false
	case <-tmr.C:
		return true
	}
}

func stopped(ctx context.Context, stopCh <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stopCh:
		return true
	default:
		return false
	}
}

// finishStopped resolves a stop signal into Paused or Aborted, keeping
// the cursor for paused campaigns so a re-activation resumes in place.
func (s *Service) finishStopped(r *runner, cursor int) {
	state := StatePaused
	if r.stopReason() == stopAbort {
		state = StateAborted
	}
	s.finish(r, state, cursor)
}

func (s *Service) finish(r *runner, state RunState, cursor int) {
	r.mu.Lock()
	r.state = state
	r.cursor = cursor
	r.mu.Unlock()

	s.mu.Lock()
	delete(s.runners, r.c.ID)
	if state == StatePaused {
		s.cursors[r.c.ID] = cursor
	} else {
		delete(s.cursors, r.c.ID)
	}
	s.mu.Unlock()

	s.bus.Publish(eventbus.Event{
		Type: eventbus.TypeCampaignState,
		Data: eventbus.StateEvent{CampaignID: r.c.ID, State: state.String(), Cursor: cursor},
	})
	s.publishQuota()
}

func (s *Service) emitProgress(id string, p campaign.Progress) {
	s.bus.Publish(eventbus.Event{
		Type: eventbus.TypeCampaignProgress,
		Data: eventbus.ProgressEvent{CampaignID: id, Progress: p},
	})
	s.publishQuota()
}

func (s *Service) emitError(id string, e campaign.Error) {
	s.bus.Publish(eventbus.Event{
		Type: eventbus.TypeCampaignError,
		Data: eventbus.ErrorEvent{CampaignID: id, Error: e},
	})
}

func (s *Service) publishQuota() {
	s.bus.Publish(eventbus.Event{
		Type: eventbus.TypeRateLimitState,
		Data: eventbus.RateLimitEvent{State: s.limiter.Snapshot()},
	})
}
