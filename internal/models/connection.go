package models

import "time"

type DeliveryMode string

const (
	DeliveryModePoll DeliveryMode = "poll"
	DeliveryModePush DeliveryMode = "push"
)

// Connection represents one linked mailbox with its OAuth tokens
// Note: Column names use camelCase to match Prisma/frontend schema
type Connection struct {
	ID                   string       `gorm:"column:id;primaryKey"`
	UserID               string       `gorm:"column:userId"`
	EmailAddress         string       `gorm:"column:emailAddress;index"`
	DeliveryMode         DeliveryMode `gorm:"column:deliveryMode"`
	Enabled              bool         `gorm:"column:enabled"`
	AccessToken          *string      `gorm:"column:accessToken"`
	RefreshToken         *string      `gorm:"column:refreshToken"`
	AccessTokenExpiresAt *time.Time   `gorm:"column:accessTokenExpiresAt"`
	CreatedAt            time.Time    `gorm:"column:createdAt"`
	UpdatedAt            time.Time    `gorm:"column:updatedAt"`
}

// TableName specifies the table name for GORM
func (Connection) TableName() string {
	return "connection"
}
