package executor

import (
	"sync"
	"time"

	"dripbot/internal/campaign"
	"dripbot/internal/eventbus"
	"dripbot/internal/ratelimit"
	"dripbot/internal/runtime/supervisor"
	"dripbot/internal/transport"
	"dripbot/pkg/logx"
)

// RunState is the lifecycle of one campaign run.
type RunState int

const (
	StateIdle RunState = iota
	StateResolvingTargets
	StateRunning
	StatePaused
	StateCompleted
	StateAborted
)

func (s RunState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolvingTargets:
		return "resolving_targets"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further ticks can occur for the run.
func (s RunState) Terminal() bool {
	return s == StatePaused || s == StateCompleted || s == StateAborted
}

// stopReason distinguishes why a runner was signalled to stop, so the
// terminal state can be Paused (resumable) or Aborted (discarded).
type stopReason int

const (
	stopPause stopReason = iota
	stopAbort
)

// runner is the per-campaign state machine. One exists per active
// campaign id; all fields except the mutex-guarded ones are owned by
// the runner goroutine for the duration of the run.
type runner struct {
	c          campaign.Campaign // read-mostly working copy
	startIndex int

	stopCh   chan struct{}
	stopOnce sync.Once

	mu        sync.Mutex
	state     RunState
	cursor    int
	reason    stopReason
	processed int
	succeeded int
	failed    int
	startedAt time.Time
}

func (r *runner) setState(s RunState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *runner) signalStop(reason stopReason) {
	r.mu.Lock()
	// Abort wins if both arrive before the runner observes the signal.
	if reason == stopAbort {
		r.reason = stopAbort
	}
	r.mu.Unlock()
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *runner) stopReason() stopReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reason
}

// Snapshot is a point-in-time view of one runner, for reporting.
type Snapshot struct {
	CampaignID string    `json:"campaign_id"`
	Name       string    `json:"name"`
	State      string    `json:"state"`
	Cursor     int       `json:"cursor"`
	Processed  int       `json:"processed"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	StartedAt  time.Time `json:"started_at"`
}

func (r *runner) snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		CampaignID: r.c.ID,
		Name:       r.c.Name,
		State:      r.state.String(),
		Cursor:     r.cursor,
		Processed:  r.processed,
		Succeeded:  r.succeeded,
		Failed:     r.failed,
		StartedAt:  r.startedAt,
	}
}

// Service is the campaign execution supervisor: it owns the running set
// (at most one runner per campaign id), maps lifecycle transitions onto
// runner start/stop, and publishes progress/error/state events.
type Service struct {
	log     logx.Logger
	bus     eventbus.Bus
	limiter *ratelimit.Limiter

	provider transport.TargetProvider
	sender   transport.MessageSender

	mu      sync.Mutex
	sup     *supervisor.Supervisor
	runners map[string]*runner
	// cursors holds resume positions of paused campaigns for the
	// lifetime of the process. Cleared on completion or abort.
	cursors map[string]int
}
