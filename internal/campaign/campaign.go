// Package campaign holds the domain model for outbound DM campaigns.
package campaign

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TargetType selects which relation of the target account is resolved
// into the recipient list.
type TargetType string

const (
	TargetFollowers TargetType = "followers"
	TargetFollowing TargetType = "following"
)

func (t TargetType) Valid() bool {
	return t == TargetFollowers || t == TargetFollowing
}

// Status is the lifecycle state of a campaign record.
//
// Only "active" campaigns get a runner; pausing or deleting a campaign
// stops its runner at the next recipient boundary.
type Status string

const (
	StatusPaused    Status = "paused"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

func (s Status) Valid() bool {
	return s == StatusPaused || s == StatusActive || s == StatusCompleted
}

// Message is one step of a campaign's ordered message sequence.
// Delay is waited before the message is sent, including for the first step.
type Message struct {
	Content string   `json:"content"`
	Delay   Duration `json:"delay"`
}

// RateConfig is the per-campaign cadence and send budget.
type RateConfig struct {
	// MessagesPerHour throttles successive recipients within this campaign.
	// The runner waits 3600/MessagesPerHour seconds after each recipient.
	MessagesPerHour int `json:"messages_per_hour"`
	// MaxMessages caps how many recipients may complete their full
	// message sequence across all runs of this campaign.
	MaxMessages int `json:"max_messages"`
}

// Error is one immutable entry of a campaign's append-only error log.
type Error struct {
	ID          string    `json:"id"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	RecipientID string    `json:"recipient_id,omitempty"`
}

// NewError stamps a fresh error log entry.
func NewError(msg, recipientID string) Error {
	return Error{
		ID:          uuid.NewString(),
		Message:     msg,
		Timestamp:   time.Now(),
		RecipientID: recipientID,
	}
}

// Progress is the per-run accumulated view emitted after each processed
// recipient. SuccessfulMessages + FailedMessages need not equal
// ProcessedRecipients across runs; within one run it does, because every
// recipient counts exactly once as either success or failure.
type Progress struct {
	ProcessedRecipients int `json:"processed_recipients"`
	SuccessfulMessages  int `json:"successful_messages"`
	FailedMessages      int `json:"failed_messages"`
	RemainingMessages   int `json:"remaining_messages"`
}

// RecipientIdentity is one resolved target, immutable for the run.
type RecipientIdentity struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Campaign is the canonical campaign record, owned by the store.
// Runners work on a copy and emit deltas back; they never mutate these
// records directly.
type Campaign struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Messages       []Message  `json:"messages"`
	TargetUsername string     `json:"target_username"`
	TargetType     TargetType `json:"target_type"`
	Status         Status     `json:"status"`
	Rate           RateConfig `json:"rate_limit"`

	// MessagesSent counts recipients that completed their full message
	// sequence. Invariant: MessagesSent <= TotalMessages.
	MessagesSent int `json:"messages_sent"`
	// TotalMessages is fixed at creation from Rate.MaxMessages.
	TotalMessages int `json:"total_messages"`

	Errors []Error `json:"errors,omitempty"`

	// StartAt optionally schedules unattended activation of a paused
	// campaign; zero means manual activation only.
	StartAt time.Time `json:"start_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Draft carries the caller-supplied fields of a new campaign.
type Draft struct {
	Name           string
	Messages       []Message
	TargetUsername string
	TargetType     TargetType
	Rate           RateConfig
	StartAt        time.Time
}

var (
	ErrEmptyName       = errors.New("campaign name is empty")
	ErrNoMessages      = errors.New("campaign has no messages")
	ErrEmptyContent    = errors.New("message content is empty")
	ErrNegativeDelay   = errors.New("message delay must be >= 0")
	ErrBadTargetType   = errors.New("target type must be followers or following")
	ErrEmptyTarget     = errors.New("target username is empty")
	ErrBadRate         = errors.New("messages_per_hour must be > 0")
	ErrBadBudget       = errors.New("max_messages must be > 0")
	ErrUnknownCampaign = errors.New("campaign not found")
	ErrBadStatusChange = errors.New("invalid status transition")
	ErrBudgetOverspent = errors.New("messages_sent exceeds total_messages")
)

// Validate checks a draft before a record is minted from it.
func (d Draft) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return ErrEmptyName
	}
	if len(d.Messages) == 0 {
		return ErrNoMessages
	}
	for i, m := range d.Messages {
		if strings.TrimSpace(m.Content) == "" {
			return fmt.Errorf("message %d: %w", i, ErrEmptyContent)
		}
		if m.Delay < 0 {
			return fmt.Errorf("message %d: %w", i, ErrNegativeDelay)
		}
	}
	if strings.TrimSpace(d.TargetUsername) == "" {
		return ErrEmptyTarget
	}
	if !d.TargetType.Valid() {
		return ErrBadTargetType
	}
	if d.Rate.MessagesPerHour <= 0 {
		return ErrBadRate
	}
	if d.Rate.MaxMessages <= 0 {
		return ErrBadBudget
	}
	return nil
}

// New mints a campaign record from a validated draft.
// New campaigns start paused; activation is an explicit transition.
func New(d Draft) (Campaign, error) {
	if err := d.Validate(); err != nil {
		return Campaign{}, err
	}
	now := time.Now()
	return Campaign{
		ID:             uuid.NewString(),
		Name:           strings.TrimSpace(d.Name),
		Messages:       append([]Message(nil), d.Messages...),
		TargetUsername: strings.TrimSpace(d.TargetUsername),
		TargetType:     d.TargetType,
		Status:         StatusPaused,
		Rate:           d.Rate,
		TotalMessages:  d.Rate.MaxMessages,
		StartAt:        d.StartAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// Pacing is the wait applied after each processed recipient.
func (c Campaign) Pacing() time.Duration {
	if c.Rate.MessagesPerHour <= 0 {
		return 0
	}
	return time.Duration(float64(time.Hour) / float64(c.Rate.MessagesPerHour))
}

// Remaining is the unspent send budget.
func (c Campaign) Remaining() int {
	r := c.TotalMessages - c.MessagesSent
	if r < 0 {
		return 0
	}
	return r
}

// CheckInvariants reports violations of the record-level invariants.
// Used by the store before committing updates.
func (c Campaign) CheckInvariants() error {
	if c.MessagesSent > c.TotalMessages {
		return ErrBudgetOverspent
	}
	if len(c.Messages) == 0 {
		return ErrNoMessages
	}
	if !c.Status.Valid() {
		return fmt.Errorf("unknown status %q", c.Status)
	}
	return nil
}

// Clone returns a deep copy safe to hand to a runner.
func (c Campaign) Clone() Campaign {
	cp := c
	cp.Messages = append([]Message(nil), c.Messages...)
	cp.Errors = append([]Error(nil), c.Errors...)
	return cp
}
