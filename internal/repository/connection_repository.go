package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vipul43/kiwis-watch/internal/models"
	"gorm.io/gorm"
)

var ErrConnectionNotFound = errors.New("connection not found")

type ConnectionRepository struct {
	db *gorm.DB
}

func NewConnectionRepository(db *gorm.DB) *ConnectionRepository {
	return &ConnectionRepository{db: db}
}

// GetByID retrieves a connection by ID
func (r *ConnectionRepository) GetByID(ctx context.Context, connectionID string) (*models.Connection, error) {
	var conn models.Connection
	result := r.db.WithContext(ctx).First(&conn, "id = ?", connectionID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrConnectionNotFound
		}
		return nil, fmt.Errorf("failed to get connection: %w", result.Error)
	}
	return &conn, nil
}

// GetByEmailAddress resolves a mailbox address to its connection
func (r *ConnectionRepository) GetByEmailAddress(ctx context.Context, email string) (*models.Connection, error) {
	var conn models.Connection
	result := r.db.WithContext(ctx).First(&conn, `"emailAddress" = ?`, email)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrConnectionNotFound
		}
		return nil, fmt.Errorf("failed to get connection by email: %w", result.Error)
	}
	return &conn, nil
}

// ListEligibleForMigration retrieves enabled connections still on poll delivery
func (r *ConnectionRepository) ListEligibleForMigration(ctx context.Context) ([]models.Connection, error) {
	var conns []models.Connection
	result := r.db.WithContext(ctx).
		Where(`enabled = ? AND "deliveryMode" = ?`, true, models.DeliveryModePoll).
		Order(`"createdAt" ASC`).
		Find(&conns)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list eligible connections: %w", result.Error)
	}
	return conns, nil
}

// UpdateDeliveryMode sets the connection's delivery mode
func (r *ConnectionRepository) UpdateDeliveryMode(ctx context.Context, connectionID string, mode models.DeliveryMode) error {
	result := r.db.WithContext(ctx).Model(&models.Connection{}).
		Where("id = ?", connectionID).
		Updates(map[string]interface{}{
			"deliveryMode": mode,
			"updatedAt":    time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update delivery mode: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrConnectionNotFound
	}
	return nil
}

// SetEnabled flips the connection's enabled flag
func (r *ConnectionRepository) SetEnabled(ctx context.Context, connectionID string, enabled bool) error {
	result := r.db.WithContext(ctx).Model(&models.Connection{}).
		Where("id = ?", connectionID).
		Updates(map[string]interface{}{
			"enabled":   enabled,
			"updatedAt": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to set enabled flag: %w", result.Error)
	}
	return nil
}

// UpdateTokens updates access token, refresh token, and their expiry times
func (r *ConnectionRepository) UpdateTokens(ctx context.Context, connectionID string, accessToken string, refreshToken string, accessTokenExpiresAt time.Time) error {
	result := r.db.WithContext(ctx).Model(&models.Connection{}).
		Where("id = ?", connectionID).
		Updates(map[string]interface{}{
			"accessToken":          accessToken,
			"refreshToken":         refreshToken,
			"accessTokenExpiresAt": accessTokenExpiresAt,
			"updatedAt":            time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update tokens: %w", result.Error)
	}
	return nil
}
