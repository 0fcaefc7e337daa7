package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/vipul43/kiwis-watch/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type MigrationRecordRepository struct {
	db *gorm.DB
}

func NewMigrationRecordRepository(db *gorm.DB) *MigrationRecordRepository {
	return &MigrationRecordRepository{db: db}
}

// GetByConnectionID retrieves the migration record for a connection, or
// nil when the connection has never been migrated
func (r *MigrationRecordRepository) GetByConnectionID(ctx context.Context, connectionID string) (*models.MigrationRecord, error) {
	var rec models.MigrationRecord
	result := r.db.WithContext(ctx).First(&rec, "connection_id = ?", connectionID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get migration record: %w", result.Error)
	}
	return &rec, nil
}

// Upsert overwrites the connection's migration record (latest-wins, one
// record per connection)
func (r *MigrationRecordRepository) Upsert(ctx context.Context, rec models.MigrationRecord) error {
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "connection_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"phase", "attempted_at", "error_detail", "updated_at",
		}),
	}).Create(&rec)
	if result.Error != nil {
		return fmt.Errorf("failed to upsert migration record: %w", result.Error)
	}
	return nil
}

// List retrieves all migration records
func (r *MigrationRecordRepository) List(ctx context.Context) ([]models.MigrationRecord, error) {
	var recs []models.MigrationRecord
	result := r.db.WithContext(ctx).Order("connection_id ASC").Find(&recs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list migration records: %w", result.Error)
	}
	return recs, nil
}

// ListByPhase retrieves migration records in the given phase
func (r *MigrationRecordRepository) ListByPhase(ctx context.Context, phase models.MigrationPhase) ([]models.MigrationRecord, error) {
	var recs []models.MigrationRecord
	result := r.db.WithContext(ctx).
		Where("phase = ?", phase).
		Order("connection_id ASC").
		Find(&recs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list migration records by phase: %w", result.Error)
	}
	return recs, nil
}

// CountByPhase tallies migration records per phase
func (r *MigrationRecordRepository) CountByPhase(ctx context.Context) (map[models.MigrationPhase]int64, error) {
	type phaseCount struct {
		Phase models.MigrationPhase
		Count int64
	}

	var rows []phaseCount
	result := r.db.WithContext(ctx).Model(&models.MigrationRecord{}).
		Select("phase, count(*) as count").
		Group("phase").
		Find(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to count migration records: %w", result.Error)
	}

	counts := make(map[models.MigrationPhase]int64, len(rows))
	for _, row := range rows {
		counts[row.Phase] = row.Count
	}
	return counts, nil
}
