package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/vipul43/kiwis-watch/internal/models"
	"github.com/vipul43/kiwis-watch/internal/repository"
)

const reconcileBatch = 100 // subscriptions examined per reconciliation pass

// IngestResult classifies how one inbound push event was handled
type IngestResult struct {
	Outcome      string `json:"outcome"`
	ConnectionID string `json:"connection_id,omitempty"`
	FromCursor   uint64 `json:"from_cursor,omitempty"`
	ToCursor     uint64 `json:"to_cursor,omitempty"`
}

// ReconcileReport tallies one reconciliation sweep
type ReconcileReport struct {
	Examined int `json:"examined"`
	Enqueued int `json:"enqueued"`
	Failed   int `json:"failed"`
}

// WebhookIngestor consumes inbound push events asserting "mailbox M has
// new history as of cursor H". Push delivery is at-least-once and
// unordered; the store's compare-and-set on the cursor is the sole
// enforcement point for monotonicity, so duplicates and stale arrivals
// are discarded without side effects.
type WebhookIngestor struct {
	connections   ConnectionStore
	subscriptions SubscriptionStore
	audit         AuditLog
	sync          SyncEnqueuer
}

func NewWebhookIngestor(
	connections ConnectionStore,
	subscriptions SubscriptionStore,
	audit AuditLog,
	sync SyncEnqueuer,
) *WebhookIngestor {
	return &WebhookIngestor{
		connections:   connections,
		subscriptions: subscriptions,
		audit:         audit,
		sync:          sync,
	}
}

// Process handles one push event. A non-nil error means a transient store
// failure: the caller should answer with a retryable status so the
// upstream redelivers. Unknown mailboxes and stale cursors return a
// discard outcome with nil error, since retrying them can never succeed.
func (i *WebhookIngestor) Process(ctx context.Context, emailAddress string, historyID uint64) (*IngestResult, error) {
	conn, err := i.connections.GetByEmailAddress(ctx, emailAddress)
	if err != nil {
		if errors.Is(err, repository.ErrConnectionNotFound) {
			// Unknown or disconnected mailbox: acknowledge and discard,
			// otherwise the upstream retries forever.
			log.Printf("Webhook for unknown mailbox %s (cursor %d), discarding", emailAddress, historyID)
			i.auditEvent(ctx, emailAddress, historyID, models.WebhookOutcomeUnknownMailbox, nil)
			return &IngestResult{Outcome: models.WebhookOutcomeUnknownMailbox}, nil
		}
		i.auditEvent(ctx, emailAddress, historyID, models.WebhookOutcomeError, err)
		return nil, fmt.Errorf("failed to resolve mailbox: %w", err)
	}

	prev, advanced, err := i.subscriptions.AdvanceCursor(ctx, conn.ID, historyID)
	if err != nil {
		i.auditEvent(ctx, emailAddress, historyID, models.WebhookOutcomeError, err)
		return nil, fmt.Errorf("failed to advance cursor: %w", err)
	}
	if !advanced {
		// Duplicate or out-of-order delivery; the stored cursor already
		// covers this event. No state was mutated.
		log.Printf("Stale webhook for connection %s (cursor %d), discarding", conn.ID, historyID)
		i.auditEvent(ctx, emailAddress, historyID, models.WebhookOutcomeDuplicate, nil)
		return &IngestResult{Outcome: models.WebhookOutcomeDuplicate, ConnectionID: conn.ID}, nil
	}

	result := &IngestResult{
		Outcome:      models.WebhookOutcomeAccepted,
		ConnectionID: conn.ID,
		FromCursor:   prev,
		ToCursor:     historyID,
	}

	// The cursor is advanced; the range must not be lost. If the hand-off
	// fails the processed watermark stays behind the cursor and the
	// reconciliation sweep re-derives the range later.
	if err := i.enqueueRange(ctx, conn.ID, prev, historyID); err != nil {
		detail := fmt.Errorf("sync enqueue deferred to reconciliation: %w", err)
		log.Printf("Warning: %v (connection %s, range %d..%d)", detail, conn.ID, prev, historyID)
		i.auditEvent(ctx, emailAddress, historyID, models.WebhookOutcomeAccepted, detail)
		return result, nil
	}

	if err := i.subscriptions.MarkProcessed(ctx, conn.ID, historyID); err != nil {
		// The sync task is already enqueued; a failed watermark update
		// only risks a redundant re-enqueue from reconciliation.
		log.Printf("Warning: failed to mark processed for connection %s: %v", conn.ID, err)
	}

	i.auditEvent(ctx, emailAddress, historyID, models.WebhookOutcomeAccepted, nil)
	log.Printf("Webhook accepted for connection %s: cursor %d -> %d, sync enqueued", conn.ID, prev, historyID)
	return result, nil
}

// RecordMalformed audits an undecodable delivery. Structurally unfixable,
// so the caller still acknowledges it upstream.
func (i *WebhookIngestor) RecordMalformed(ctx context.Context, detail string) {
	event := models.WebhookEvent{
		ID:         uuid.New().String(),
		Outcome:    models.WebhookOutcomeMalformed,
		Detail:     &detail,
		ReceivedAt: time.Now(),
	}
	if err := i.audit.Append(ctx, event); err != nil {
		log.Printf("Warning: failed to audit malformed webhook: %v", err)
	}
}

// Reconcile closes the gap between received and processed cursors: any
// subscription whose processed watermark lags the history cursor had a
// sync hand-off fail (or crash) after the cursor advanced, and its range
// is re-enqueued here.
func (i *WebhookIngestor) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	subs, err := i.subscriptions.ListUnprocessed(ctx, reconcileBatch)
	if err != nil {
		return nil, fmt.Errorf("failed to list unprocessed subscriptions: %w", err)
	}

	report := &ReconcileReport{Examined: len(subs)}
	for _, sub := range subs {
		if err := i.enqueueRange(ctx, sub.ConnectionID, sub.ProcessedCursor, sub.HistoryCursor); err != nil {
			report.Failed++
			log.Printf("Reconcile: enqueue failed for connection %s (range %d..%d): %v",
				sub.ConnectionID, sub.ProcessedCursor, sub.HistoryCursor, err)
			continue
		}
		if err := i.subscriptions.MarkProcessed(ctx, sub.ConnectionID, sub.HistoryCursor); err != nil {
			log.Printf("Warning: reconcile failed to mark processed for connection %s: %v", sub.ConnectionID, err)
		}
		report.Enqueued++
	}

	if report.Examined > 0 {
		log.Printf("Reconcile sweep: %d examined, %d enqueued, %d failed",
			report.Examined, report.Enqueued, report.Failed)
	}
	return report, nil
}

func (i *WebhookIngestor) enqueueRange(ctx context.Context, connectionID string, from, to uint64) error {
	if from >= to {
		return nil
	}
	return i.sync.EnqueueSync(ctx, connectionID, from, to)
}

// auditEvent appends to the webhook audit log; audit failures are logged
// and swallowed since the log is diagnostics-only
func (i *WebhookIngestor) auditEvent(ctx context.Context, emailAddress string, historyID uint64, outcome string, cause error) {
	var detail *string
	if cause != nil {
		msg := cause.Error()
		detail = &msg
	}
	event := models.WebhookEvent{
		ID:           uuid.New().String(),
		EmailAddress: emailAddress,
		HistoryID:    historyID,
		Outcome:      outcome,
		Detail:       detail,
		ReceivedAt:   time.Now(),
	}
	if err := i.audit.Append(ctx, event); err != nil {
		log.Printf("Warning: failed to append webhook audit event: %v", err)
	}
}
