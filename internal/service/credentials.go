package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/vipul43/kiwis-watch/internal/models"
)

// CredentialStore yields a valid access credential for a connection
type CredentialStore interface {
	AccessToken(ctx context.Context, connectionID string) (string, error)
}

type TokenRefreshResult struct {
	AccessToken  string
	ExpiresAt    time.Time
	RefreshToken string // May be same or new
}

// TokenRefresher exchanges a refresh token for a fresh access token
type TokenRefresher interface {
	RefreshAccessToken(ctx context.Context, refreshToken string) (*TokenRefreshResult, error)
}

// TokenStore is the slice of the connection store the credential flow needs
type TokenStore interface {
	GetByID(ctx context.Context, connectionID string) (*models.Connection, error)
	UpdateTokens(ctx context.Context, connectionID string, accessToken string, refreshToken string, accessTokenExpiresAt time.Time) error
}

// ConnectionCredentials serves access tokens from the connection record,
// refreshing through the provider when the stored token is near expiry.
type ConnectionCredentials struct {
	connections TokenStore
	refresher   TokenRefresher
}

func NewConnectionCredentials(connections TokenStore, refresher TokenRefresher) *ConnectionCredentials {
	return &ConnectionCredentials{
		connections: connections,
		refresher:   refresher,
	}
}

// AccessToken returns a valid access token for the connection, refreshing
// and persisting rotated tokens when needed
func (c *ConnectionCredentials) AccessToken(ctx context.Context, connectionID string) (string, error) {
	conn, err := c.connections.GetByID(ctx, connectionID)
	if err != nil {
		return "", fmt.Errorf("failed to get connection: %w", err)
	}

	if conn.AccessToken == nil || conn.RefreshToken == nil {
		return "", fmt.Errorf("connection %s missing tokens", connectionID)
	}

	if !isTokenExpired(conn.AccessTokenExpiresAt) {
		return *conn.AccessToken, nil
	}

	log.Printf("Access token expired for connection %s, refreshing...", connectionID)

	result, err := c.refresher.RefreshAccessToken(ctx, *conn.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("failed to refresh token: %w", err)
	}

	// Update connection with new tokens
	err = c.connections.UpdateTokens(ctx, conn.ID, result.AccessToken, result.RefreshToken, result.ExpiresAt)
	if err != nil {
		return "", fmt.Errorf("failed to update tokens in database: %w", err)
	}

	log.Printf("Token refreshed for connection %s, expires at %s", conn.ID, result.ExpiresAt)

	return result.AccessToken, nil
}

// isTokenExpired checks if access token is expired or will expire within 5 minutes
func isTokenExpired(expiresAt *time.Time) bool {
	if expiresAt == nil {
		return true // Assume expired if no expiry time
	}
	return time.Now().Add(5 * time.Minute).After(*expiresAt)
}
