// Package transport defines the narrow interfaces the campaign core
// consumes to reach the outside platform, plus the error taxonomy the
// runner keys its accounting on.
package transport

import (
	"context"
	"errors"
	"fmt"

	"dripbot/internal/campaign"
)

// Credentials are the platform login credentials, supplied by the store.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (c Credentials) Empty() bool { return c.Username == "" && c.Password == "" }

// Session is the login surface. Login must succeed once before any
// campaign run starts; failure is reported once, not per campaign.
type Session interface {
	Login(ctx context.Context, creds Credentials) error
}

// TargetProvider resolves a campaign's target into an ordered recipient
// list. Called exactly once per run.
type TargetProvider interface {
	Resolve(ctx context.Context, username string, t campaign.TargetType) ([]campaign.RecipientIdentity, error)
}

// MessageSender delivers one message to one recipient. Timeout policy is
// the sender's; the runner treats any error as terminal for that
// recipient and never retries.
type MessageSender interface {
	Send(ctx context.Context, recipient campaign.RecipientIdentity, text string) error
}

// ---- Error taxonomy ----

// DeliveryKind classifies a failed send. The core treats every kind the
// same (recipient fails, no retry); the distinction exists for logs,
// metrics and operators.
type DeliveryKind string

const (
	DeliveryQuotaExhausted DeliveryKind = "quota_exhausted_upstream"
	DeliveryUnreachable    DeliveryKind = "recipient_unreachable"
	DeliveryTransient      DeliveryKind = "transient"
)

// ResolutionError means the target list could not be obtained; the run
// aborts without consuming quota.
type ResolutionError struct {
	Username string
	Type     campaign.TargetType
	Err      error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s of %s: %v", e.Type, e.Username, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// DeliveryError means one send failed; it fails the current recipient only.
type DeliveryError struct {
	Kind        DeliveryKind
	RecipientID string
	Err         error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %s (%s): %v", e.RecipientID, e.Kind, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// LoginError means the credential login failed; no run may start.
type LoginError struct {
	Err error
}

func (e *LoginError) Error() string { return fmt.Sprintf("login: %v", e.Err) }

func (e *LoginError) Unwrap() error { return e.Err }

func IsResolution(err error) bool {
	var re *ResolutionError
	return errors.As(err, &re)
}

func IsDelivery(err error) (DeliveryKind, bool) {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Kind, true
	}
	return "", false
}
