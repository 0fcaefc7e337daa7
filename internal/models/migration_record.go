package models

import "time"

type MigrationPhase string

const (
	PhaseNotStarted MigrationPhase = "not_started"
	PhaseInProgress MigrationPhase = "in_progress"
	PhaseMigrated   MigrationPhase = "migrated"
	PhaseFailed     MigrationPhase = "failed"
	PhaseRolledBack MigrationPhase = "rolled_back"
)

// MigrationRecord tracks one connection's move from poll to push delivery.
// One record per connection, overwritten on each attempt (latest-wins).
type MigrationRecord struct {
	ConnectionID string         `gorm:"column:connection_id;primaryKey"`
	Phase        MigrationPhase `gorm:"column:phase;index"`
	AttemptedAt  time.Time      `gorm:"column:attempted_at"`
	ErrorDetail  *string        `gorm:"column:error_detail"`
	CreatedAt    time.Time      `gorm:"column:created_at"`
	UpdatedAt    time.Time      `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (MigrationRecord) TableName() string {
	return "connection_migration"
}
