package service

import (
	"context"
	"time"

	"github.com/vipul43/kiwis-watch/internal/models"
)

// Store interfaces for dependency injection; satisfied by the concrete
// repositories in internal/repository.

type ConnectionStore interface {
	GetByID(ctx context.Context, connectionID string) (*models.Connection, error)
	GetByEmailAddress(ctx context.Context, email string) (*models.Connection, error)
	ListEligibleForMigration(ctx context.Context) ([]models.Connection, error)
	UpdateDeliveryMode(ctx context.Context, connectionID string, mode models.DeliveryMode) error
	SetEnabled(ctx context.Context, connectionID string, enabled bool) error
}

type SubscriptionStore interface {
	GetByConnectionID(ctx context.Context, connectionID string) (*models.WatchSubscription, error)
	GetByID(ctx context.Context, id string) (*models.WatchSubscription, error)
	Upsert(ctx context.Context, sub models.WatchSubscription) (*models.WatchSubscription, error)
	UpdateRenewal(ctx context.Context, id string, expiresAt time.Time, cursor uint64, version int64) error
	UpdateStatus(ctx context.Context, id string, status models.WatchStatus, lastError *string) error
	AdvanceCursor(ctx context.Context, connectionID string, newCursor uint64) (uint64, bool, error)
	MarkProcessed(ctx context.Context, connectionID string, cursor uint64) error
	ListExpiring(ctx context.Context, before time.Time) ([]models.WatchSubscription, error)
	ListErrored(ctx context.Context, limit int) ([]models.WatchSubscription, error)
	ListUnprocessed(ctx context.Context, limit int) ([]models.WatchSubscription, error)
}

type MigrationStore interface {
	GetByConnectionID(ctx context.Context, connectionID string) (*models.MigrationRecord, error)
	Upsert(ctx context.Context, rec models.MigrationRecord) error
	List(ctx context.Context) ([]models.MigrationRecord, error)
	ListByPhase(ctx context.Context, phase models.MigrationPhase) ([]models.MigrationRecord, error)
	CountByPhase(ctx context.Context) (map[models.MigrationPhase]int64, error)
}

// AuditLog records inbound webhook events with their outcome
type AuditLog interface {
	Append(ctx context.Context, event models.WebhookEvent) error
}

// SyncEnqueuer hands an incremental-sync range to the extraction pipeline
type SyncEnqueuer interface {
	EnqueueSync(ctx context.Context, connectionID string, fromCursor, toCursor uint64) error
}
