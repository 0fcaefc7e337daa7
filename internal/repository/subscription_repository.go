package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vipul43/kiwis-watch/internal/models"
)

var (
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrVersionConflict      = errors.New("subscription modified concurrently")
)

// SubscriptionRepository persists watch subscriptions. It is the single
// serialization point for concurrent writers: cursor advancement is a
// compare-and-set, renewal writes carry an optimistic version check.
type SubscriptionRepository struct {
	db *sql.DB
}

func NewSubscriptionRepository(db *sql.DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

const subscriptionColumns = `id, connection_id, resource_handle, history_cursor, processed_cursor,
	       expires_at, status, last_error, version, created_at, updated_at`

// GetByConnectionID retrieves the subscription for a connection
func (r *SubscriptionRepository) GetByConnectionID(ctx context.Context, connectionID string) (*models.WatchSubscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM watch_subscription
		WHERE connection_id = $1
	`
	return r.getOne(ctx, query, connectionID)
}

// GetByID retrieves a subscription by its own ID
func (r *SubscriptionRepository) GetByID(ctx context.Context, id string) (*models.WatchSubscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM watch_subscription
		WHERE id = $1
	`
	return r.getOne(ctx, query, id)
}

// Upsert stores a freshly registered watch, superseding any prior record
// for the same connection. The unique index on connection_id enforces the
// at-most-one invariant even under concurrent setup calls. The cursor
// never regresses; on supersede the processed cursor is left alone so the
// reconciliation sweep can close any gap up to the new cursor.
func (r *SubscriptionRepository) Upsert(ctx context.Context, sub models.WatchSubscription) (*models.WatchSubscription, error) {
	query := `
		INSERT INTO watch_subscription (
			id, connection_id, resource_handle, history_cursor, processed_cursor,
			expires_at, status, last_error, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $4, $5, $6, NULL, 1, $7, $7)
		ON CONFLICT (connection_id) DO UPDATE SET
			resource_handle  = EXCLUDED.resource_handle,
			history_cursor   = GREATEST(watch_subscription.history_cursor, EXCLUDED.history_cursor),
			expires_at       = EXCLUDED.expires_at,
			status           = EXCLUDED.status,
			last_error       = NULL,
			version          = watch_subscription.version + 1,
			updated_at       = EXCLUDED.updated_at
		RETURNING ` + subscriptionColumns + `
	`

	now := time.Now()
	row := r.db.QueryRowContext(ctx, query,
		sub.ID, sub.ConnectionID, sub.ResourceHandle, int64(sub.HistoryCursor),
		sub.ExpiresAt, sub.Status, now,
	)

	stored, err := scanSubscription(row)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return stored, nil
}

// UpdateRenewal applies a successful renewal: fresh expiration, cursor
// raised only if the gateway returned a fresher one, status back to
// active. The version check makes the write an atomic read-modify-write;
// a conflict means another writer got there first and the next sweep will
// re-read and retry.
func (r *SubscriptionRepository) UpdateRenewal(ctx context.Context, id string, expiresAt time.Time, cursor uint64, version int64) error {
	query := `
		UPDATE watch_subscription
		SET expires_at = $1,
		    history_cursor = GREATEST(history_cursor, $2),
		    status = $3,
		    last_error = NULL,
		    version = version + 1,
		    updated_at = $4
		WHERE id = $5 AND version = $6
	`

	result, err := r.db.ExecContext(ctx, query, expiresAt, int64(cursor), models.WatchStatusActive, time.Now(), id, version)
	if err != nil {
		return fmt.Errorf("failed to update renewal: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return ErrVersionConflict
	}
	return nil
}

// UpdateStatus sets the subscription status and last error
func (r *SubscriptionRepository) UpdateStatus(ctx context.Context, id string, status models.WatchStatus, lastError *string) error {
	query := `
		UPDATE watch_subscription
		SET status = $1, last_error = $2, version = version + 1, updated_at = $3
		WHERE id = $4
	`

	_, err := r.db.ExecContext(ctx, query, status, lastError, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update subscription status: %w", err)
	}
	return nil
}

// AdvanceCursor raises the history cursor to newCursor if and only if it
// is strictly greater than the stored value. This single statement is the
// sole enforcement point for cursor monotonicity: of two concurrent
// deliveries for the same connection at the same cursor, exactly one wins.
// Returns the previous cursor and whether the advance happened.
func (r *SubscriptionRepository) AdvanceCursor(ctx context.Context, connectionID string, newCursor uint64) (uint64, bool, error) {
	query := `
		UPDATE watch_subscription w
		SET history_cursor = $2, updated_at = now()
		FROM (
			SELECT id, history_cursor AS prev_cursor
			FROM watch_subscription
			WHERE connection_id = $1
			FOR UPDATE
		) cur
		WHERE w.id = cur.id
		  AND cur.prev_cursor < $2
		  AND w.status IN ($3, $4)
		RETURNING cur.prev_cursor
	`

	var prev int64
	err := r.db.QueryRowContext(ctx, query, connectionID, int64(newCursor),
		models.WatchStatusActive, models.WatchStatusError).Scan(&prev)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to advance cursor: %w", err)
	}
	return uint64(prev), true, nil
}

// MarkProcessed raises the processed watermark after a successful sync
// hand-off. Monotonic like the history cursor.
func (r *SubscriptionRepository) MarkProcessed(ctx context.Context, connectionID string, cursor uint64) error {
	query := `
		UPDATE watch_subscription
		SET processed_cursor = $2, updated_at = now()
		WHERE connection_id = $1 AND processed_cursor < $2
	`

	_, err := r.db.ExecContext(ctx, query, connectionID, int64(cursor))
	if err != nil {
		return fmt.Errorf("failed to mark processed: %w", err)
	}
	return nil
}

// ListExpiring retrieves active subscriptions expiring on or before the cutoff
func (r *SubscriptionRepository) ListExpiring(ctx context.Context, before time.Time) ([]models.WatchSubscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM watch_subscription
		WHERE status = $1 AND expires_at <= $2
		ORDER BY expires_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, models.WatchStatusActive, before)
	if err != nil {
		return nil, fmt.Errorf("failed to query expiring subscriptions: %w", err)
	}
	defer rows.Close()

	return scanSubscriptions(rows)
}

// ListErrored retrieves subscriptions whose last renewal failed, for retry
func (r *SubscriptionRepository) ListErrored(ctx context.Context, limit int) ([]models.WatchSubscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM watch_subscription
		WHERE status = $1
		ORDER BY updated_at ASC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, models.WatchStatusError, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query errored subscriptions: %w", err)
	}
	defer rows.Close()

	return scanSubscriptions(rows)
}

// ListUnprocessed retrieves live subscriptions whose processed watermark
// lags the received cursor, i.e. history ranges never handed off to sync
func (r *SubscriptionRepository) ListUnprocessed(ctx context.Context, limit int) ([]models.WatchSubscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM watch_subscription
		WHERE processed_cursor < history_cursor AND status IN ($1, $2)
		ORDER BY updated_at ASC
		LIMIT $3
	`

	rows, err := r.db.QueryContext(ctx, query, models.WatchStatusActive, models.WatchStatusError, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query unprocessed subscriptions: %w", err)
	}
	defer rows.Close()

	return scanSubscriptions(rows)
}

func (r *SubscriptionRepository) getOne(ctx context.Context, query string, arg interface{}) (*models.WatchSubscription, error) {
	sub, err := scanSubscription(r.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanSubscription scans one row into a WatchSubscription
func scanSubscription(row rowScanner) (*models.WatchSubscription, error) {
	var sub models.WatchSubscription
	var cursor, processed int64
	err := row.Scan(
		&sub.ID,
		&sub.ConnectionID,
		&sub.ResourceHandle,
		&cursor,
		&processed,
		&sub.ExpiresAt,
		&sub.Status,
		&sub.LastError,
		&sub.Version,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.HistoryCursor = uint64(cursor)
	sub.ProcessedCursor = uint64(processed)
	return &sub, nil
}

// scanSubscriptions scans database rows into a WatchSubscription slice
func scanSubscriptions(rows *sql.Rows) ([]models.WatchSubscription, error) {
	var subs []models.WatchSubscription

	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, *sub)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return subs, nil
}
