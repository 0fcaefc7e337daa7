package models

import "time"

// Webhook event outcome classifications
const (
	WebhookOutcomeAccepted       = "accepted"        // Cursor advanced, sync enqueued
	WebhookOutcomeDuplicate      = "duplicate"       // Stale or repeated cursor, discarded
	WebhookOutcomeUnknownMailbox = "unknown_mailbox" // No connection for the address
	WebhookOutcomeMalformed      = "malformed"       // Undecodable envelope
	WebhookOutcomeError          = "error"           // Store or enqueue failure
)

// WebhookEvent is one inbound push notification, retained for audit only.
// Never read back for correctness decisions.
type WebhookEvent struct {
	ID           string
	EmailAddress string
	HistoryID    uint64
	Outcome      string
	Detail       *string
	ReceivedAt   time.Time
}
