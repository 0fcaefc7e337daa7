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

// WatchRegistration is the provider's answer to a watch or renew call
type WatchRegistration struct {
	ResourceHandle string
	HistoryCursor  uint64
	ExpiresAt      time.Time
}

// ProviderGateway is the narrow contract to the upstream mailbox API
type ProviderGateway interface {
	RegisterWatch(ctx context.Context, accessToken string) (*WatchRegistration, error)
	StopWatchResource(ctx context.Context, accessToken string, resourceHandle string) error
	ListHistory(ctx context.Context, accessToken string, fromCursor, toCursor uint64) ([]string, error)
}

// StopOutcome separates the primary local effect of a stop from the
// best-effort upstream cleanup, so callers can assert on the former
// without being blocked by the latter.
type StopOutcome struct {
	Stopped    bool  // local record marked stopped, enabled flag cleared
	CleanupErr error // upstream stop call failure, logged not fatal
}

// RenewResult is one subscription's renewal attempt, aggregated by the
// renewal sweep
type RenewResult struct {
	SubscriptionID string `json:"subscription_id"`
	ConnectionID   string `json:"connection_id"`
	Renewed        bool   `json:"renewed"`
	Error          string `json:"error,omitempty"`
}

// WatchStatusReport is the read-only projection served by GetWatchStatus
type WatchStatusReport struct {
	ConnectionID    string             `json:"connection_id"`
	Enabled         bool               `json:"enabled"`
	HasSubscription bool               `json:"has_subscription"`
	Status          models.WatchStatus `json:"status,omitempty"`
	HistoryCursor   uint64             `json:"history_cursor,omitempty"`
	ProcessedCursor uint64             `json:"processed_cursor,omitempty"`
	ExpiresAt       *time.Time         `json:"expires_at,omitempty"`
	LastError       *string            `json:"last_error,omitempty"`
}

// WatchManager owns the per-connection subscription state machine:
// setup, renew, status query, stop.
type WatchManager struct {
	connections    ConnectionStore
	subscriptions  SubscriptionStore
	gateway        ProviderGateway
	credentials    CredentialStore
	gatewayTimeout time.Duration
	renewalWindow  time.Duration
}

func NewWatchManager(
	connections ConnectionStore,
	subscriptions SubscriptionStore,
	gateway ProviderGateway,
	credentials CredentialStore,
	gatewayTimeout time.Duration,
	renewalWindow time.Duration,
) *WatchManager {
	return &WatchManager{
		connections:    connections,
		subscriptions:  subscriptions,
		gateway:        gateway,
		credentials:    credentials,
		gatewayTimeout: gatewayTimeout,
		renewalWindow:  renewalWindow,
	}
}

// SetupWatch registers a new upstream watch for the connection and
// upserts the subscription record. Any prior live subscription for the
// connection is superseded: its handle is stopped best-effort and the
// unique record is overwritten, never duplicated.
func (m *WatchManager) SetupWatch(ctx context.Context, connectionID string) (*models.WatchSubscription, error) {
	conn, err := m.connections.GetByID(ctx, connectionID)
	if err != nil {
		if errors.Is(err, repository.ErrConnectionNotFound) {
			return nil, fmt.Errorf("%w: connection %s", ErrNotFound, connectionID)
		}
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	if !conn.Enabled {
		return nil, fmt.Errorf("%w: connection %s is disabled", ErrNotFound, connectionID)
	}

	token, err := m.credentials.AccessToken(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get access credential: %w", err)
	}

	// Supersede any live prior registration. Stop failures are logged,
	// never fatal: the provider drops orphaned watches at expiry anyway.
	existing, err := m.subscriptions.GetByConnectionID(ctx, connectionID)
	if err != nil && !errors.Is(err, repository.ErrSubscriptionNotFound) {
		return nil, fmt.Errorf("failed to check existing subscription: %w", err)
	}
	if existing != nil && existing.Live() {
		log.Printf("Superseding live subscription %s for connection %s", existing.ID, connectionID)
		if stopErr := m.stopUpstream(ctx, token, existing.ResourceHandle); stopErr != nil {
			log.Printf("Warning: best-effort stop of old watch failed for connection %s: %v", connectionID, stopErr)
		}
	}

	gctx, cancel := context.WithTimeout(ctx, m.gatewayTimeout)
	defer cancel()

	reg, err := m.gateway.RegisterWatch(gctx, token)
	if err != nil {
		return nil, fmt.Errorf("%w: register watch for connection %s: %v", ErrUpstreamUnavailable, connectionID, err)
	}

	sub := models.WatchSubscription{
		ID:             uuid.New().String(),
		ConnectionID:   connectionID,
		ResourceHandle: reg.ResourceHandle,
		HistoryCursor:  reg.HistoryCursor,
		ExpiresAt:      reg.ExpiresAt,
		Status:         models.WatchStatusActive,
	}

	stored, err := m.subscriptions.Upsert(ctx, sub)
	if err != nil {
		return nil, fmt.Errorf("failed to store subscription: %w", err)
	}

	log.Printf("Watch set up for connection %s (cursor: %d, expires: %s)",
		connectionID, stored.HistoryCursor, stored.ExpiresAt)

	return stored, nil
}

// RenewWatch re-registers the subscription with the gateway, replacing
// the expiration and raising the cursor only if the gateway returned a
// fresher one. Gateway failure transitions the record to error status so
// the next sweep retries it; the failure never propagates as an error.
func (m *WatchManager) RenewWatch(ctx context.Context, subscriptionID string) RenewResult {
	result := RenewResult{SubscriptionID: subscriptionID}

	sub, err := m.subscriptions.GetByID(ctx, subscriptionID)
	if err != nil {
		result.Error = fmt.Sprintf("failed to get subscription: %v", err)
		return result
	}
	result.ConnectionID = sub.ConnectionID

	if sub.Status == models.WatchStatusStopped {
		result.Error = "subscription is stopped"
		return result
	}

	token, err := m.credentials.AccessToken(ctx, sub.ConnectionID)
	if err != nil {
		m.recordRenewFailure(ctx, sub.ID, err)
		result.Error = fmt.Sprintf("failed to get access credential: %v", err)
		return result
	}

	gctx, cancel := context.WithTimeout(ctx, m.gatewayTimeout)
	defer cancel()

	reg, err := m.gateway.RegisterWatch(gctx, token)
	if err != nil {
		m.recordRenewFailure(ctx, sub.ID, err)
		result.Error = fmt.Sprintf("renew failed: %v", err)
		return result
	}

	err = m.subscriptions.UpdateRenewal(ctx, sub.ID, reg.ExpiresAt, reg.HistoryCursor, sub.Version)
	if err != nil {
		if errors.Is(err, repository.ErrVersionConflict) {
			// Another writer touched the record between our read and
			// write; the next sweep re-reads and retries.
			result.Error = "concurrent modification, will retry"
			return result
		}
		result.Error = fmt.Sprintf("failed to store renewal: %v", err)
		return result
	}

	log.Printf("Renewed subscription %s for connection %s (expires: %s)",
		sub.ID, sub.ConnectionID, reg.ExpiresAt)

	result.Renewed = true
	return result
}

// GetWatchStatus projects the connection's current subscription state.
// A connection that was never set up yields HasSubscription=false, not
// an error.
func (m *WatchManager) GetWatchStatus(ctx context.Context, connectionID string) (*WatchStatusReport, error) {
	conn, err := m.connections.GetByID(ctx, connectionID)
	if err != nil {
		if errors.Is(err, repository.ErrConnectionNotFound) {
			return nil, fmt.Errorf("%w: connection %s", ErrNotFound, connectionID)
		}
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}

	report := &WatchStatusReport{
		ConnectionID: connectionID,
		Enabled:      conn.Enabled,
	}

	sub, err := m.subscriptions.GetByConnectionID(ctx, connectionID)
	if err != nil {
		if errors.Is(err, repository.ErrSubscriptionNotFound) {
			return report, nil
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	report.HasSubscription = true
	report.Status = sub.EffectiveStatus(time.Now(), m.renewalWindow)
	report.HistoryCursor = sub.HistoryCursor
	report.ProcessedCursor = sub.ProcessedCursor
	report.ExpiresAt = &sub.ExpiresAt
	report.LastError = sub.LastError

	return report, nil
}

// StopWatch stops the upstream watch best-effort, then marks the local
// subscription stopped and clears the enabled flag regardless of the
// gateway outcome: local state must not be left dangling because an
// upstream call failed.
func (m *WatchManager) StopWatch(ctx context.Context, connectionID string) (*StopOutcome, error) {
	_, err := m.connections.GetByID(ctx, connectionID)
	if err != nil {
		if errors.Is(err, repository.ErrConnectionNotFound) {
			return nil, fmt.Errorf("%w: connection %s", ErrNotFound, connectionID)
		}
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}

	outcome := &StopOutcome{}

	sub, err := m.subscriptions.GetByConnectionID(ctx, connectionID)
	if err != nil && !errors.Is(err, repository.ErrSubscriptionNotFound) {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	if sub != nil && sub.Live() {
		// Best-effort upstream stop: credential or gateway failure is
		// recorded in the outcome, not returned.
		token, credErr := m.credentials.AccessToken(ctx, connectionID)
		if credErr != nil {
			outcome.CleanupErr = credErr
			log.Printf("Warning: could not get credential to stop watch for connection %s: %v", connectionID, credErr)
		} else if stopErr := m.stopUpstream(ctx, token, sub.ResourceHandle); stopErr != nil {
			outcome.CleanupErr = stopErr
			log.Printf("Warning: upstream stop failed for connection %s: %v", connectionID, stopErr)
		}
	}

	if sub != nil {
		if err := m.subscriptions.UpdateStatus(ctx, sub.ID, models.WatchStatusStopped, nil); err != nil {
			return nil, fmt.Errorf("failed to mark subscription stopped: %w", err)
		}
	}

	if err := m.connections.SetEnabled(ctx, connectionID, false); err != nil {
		return nil, fmt.Errorf("failed to clear enabled flag: %w", err)
	}

	outcome.Stopped = true
	log.Printf("Watch stopped for connection %s (cleanup error: %v)", connectionID, outcome.CleanupErr)

	return outcome, nil
}

// stopUpstream calls the gateway stop under the per-call timeout
func (m *WatchManager) stopUpstream(ctx context.Context, token, resourceHandle string) error {
	gctx, cancel := context.WithTimeout(ctx, m.gatewayTimeout)
	defer cancel()
	return m.gateway.StopWatchResource(gctx, token, resourceHandle)
}

// recordRenewFailure transitions the subscription to error status with
// the failure recorded; the record survives so the next sweep retries it
func (m *WatchManager) recordRenewFailure(ctx context.Context, subscriptionID string, cause error) {
	msg := cause.Error()
	if err := m.subscriptions.UpdateStatus(ctx, subscriptionID, models.WatchStatusError, &msg); err != nil {
		log.Printf("Warning: failed to record renew failure for subscription %s: %v", subscriptionID, err)
	}
}
