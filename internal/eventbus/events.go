package eventbus

import (
	"dripbot/internal/campaign"
	"dripbot/internal/ratelimit"
)

// Event types published by the executor and app.
const (
	TypeCampaignProgress = "campaign.progress"
	TypeCampaignError    = "campaign.error"
	TypeCampaignState    = "campaign.state"
	TypeRateLimitState   = "ratelimit.state"
	TypeLoginFailed      = "login.failed"
)

// ProgressEvent is emitted at least once per processed recipient and
// once on natural completion.
type ProgressEvent struct {
	CampaignID string
	Progress   campaign.Progress
}

// ErrorEvent is emitted at most once per recipient failure plus at most
// once per campaign-level resolution failure.
type ErrorEvent struct {
	CampaignID string
	Error      campaign.Error
}

// StateEvent reports a runner reaching a terminal or paused state.
type StateEvent struct {
	CampaignID string
	State      string // executor.RunState string form
	Cursor     int    // recipient index to resume from
}

// RateLimitEvent carries a quota snapshot for reporting.
type RateLimitEvent struct {
	State ratelimit.State
}

// LoginFailedEvent is published once when credential login fails.
type LoginFailedEvent struct {
	Reason string
}
