package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vipul43/kiwis-watch/internal/models"
)

// WebhookEventRepository is the append-only audit log for inbound push
// events. Diagnostics only; nothing reads it for correctness decisions.
type WebhookEventRepository struct {
	db *sql.DB
}

func NewWebhookEventRepository(db *sql.DB) *WebhookEventRepository {
	return &WebhookEventRepository{db: db}
}

// Append records one inbound event with its outcome classification
func (r *WebhookEventRepository) Append(ctx context.Context, event models.WebhookEvent) error {
	query := `
		INSERT INTO webhook_event (
			id, email_address, history_id, outcome, detail, received_at
		) VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.db.ExecContext(ctx, query,
		event.ID, event.EmailAddress, int64(event.HistoryID),
		event.Outcome, event.Detail, event.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append webhook event: %w", err)
	}
	return nil
}

// PruneBefore deletes audit entries older than the cutoff, returning the
// number removed
func (r *WebhookEventRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM webhook_event WHERE received_at < $1`

	result, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune webhook events: %w", err)
	}

	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return removed, nil
}

// ListRecent retrieves the newest audit entries for an address
func (r *WebhookEventRepository) ListRecent(ctx context.Context, emailAddress string, limit int) ([]models.WebhookEvent, error) {
	query := `
		SELECT id, email_address, history_id, outcome, detail, received_at
		FROM webhook_event
		WHERE email_address = $1
		ORDER BY received_at DESC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, emailAddress, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query webhook events: %w", err)
	}
	defer rows.Close()

	var events []models.WebhookEvent
	for rows.Next() {
		var event models.WebhookEvent
		var historyID int64
		err := rows.Scan(
			&event.ID,
			&event.EmailAddress,
			&historyID,
			&event.Outcome,
			&event.Detail,
			&event.ReceivedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook event: %w", err)
		}
		event.HistoryID = uint64(historyID)
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return events, nil
}
