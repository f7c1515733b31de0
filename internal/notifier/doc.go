// Package notifier forwards campaign lifecycle events to an operator
// chat over Telegram.
//
// Notifications are small, high-signal messages: per-recipient delivery
// errors, campaign completion or abort, and platform login failures.
// Progress ticks and quota snapshots are deliberately not forwarded.
//
// The service consumes the shared event bus, so the executor never
// learns the notifier exists; a down or slow chat costs nothing beyond
// dropped bus events.
package notifier
