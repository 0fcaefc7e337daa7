package service

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vipul43/kiwis-watch/internal/models"
)

// WatchLifecycle is the slice of the watch manager migration needs
type WatchLifecycle interface {
	SetupWatch(ctx context.Context, connectionID string) (*models.WatchSubscription, error)
	StopWatch(ctx context.Context, connectionID string) (*StopOutcome, error)
}

// MigrationOutcome is one connection's migration or rollback attempt
type MigrationOutcome struct {
	ConnectionID string `json:"connection_id"`
	Success      bool   `json:"success"`
	Error        string `json:"error,omitempty"`
}

// MigrationReport aggregates a batch of per-connection outcomes
type MigrationReport struct {
	Total     int                `json:"total"`
	Succeeded int                `json:"succeeded"`
	Failed    int                `json:"failed"`
	Results   []MigrationOutcome `json:"results"`
}

// MigrationStatus is the operational view of migration progress
type MigrationStatus struct {
	Counts  map[models.MigrationPhase]int64 `json:"counts"`
	Records []models.MigrationRecord        `json:"records"`
}

// MigrationManager moves connections from poll to push delivery. Each
// connection is an independent, idempotently-retryable transition:
// upstream registration can fail for a subset of mailboxes (quota,
// permission) while the majority succeed, so there is no global
// transaction to abort.
type MigrationManager struct {
	connections ConnectionStore
	records     MigrationStore
	watches     WatchLifecycle
	concurrency int
	deadline    time.Duration
}

func NewMigrationManager(
	connections ConnectionStore,
	records MigrationStore,
	watches WatchLifecycle,
	concurrency int,
	deadline time.Duration,
) *MigrationManager {
	if concurrency < 1 {
		concurrency = 1
	}
	return &MigrationManager{
		connections: connections,
		records:     records,
		watches:     watches,
		concurrency: concurrency,
		deadline:    deadline,
	}
}

// MigrateConnection moves one connection to push delivery. All-or-nothing
// per connection: delivery mode flips to push only after SetupWatch
// succeeds; on failure the mode stays poll and the record lands in the
// failed phase with the error detail. Re-entry overwrites the record.
func (m *MigrationManager) MigrateConnection(ctx context.Context, connectionID string) MigrationOutcome {
	outcome := MigrationOutcome{ConnectionID: connectionID}

	if err := m.setPhase(ctx, connectionID, models.PhaseInProgress, nil); err != nil {
		outcome.Error = fmt.Sprintf("failed to record migration start: %v", err)
		return outcome
	}

	if _, err := m.watches.SetupWatch(ctx, connectionID); err != nil {
		// Delivery mode is untouched: the connection keeps polling.
		m.failMigration(ctx, connectionID, err)
		outcome.Error = err.Error()
		return outcome
	}

	if err := m.connections.UpdateDeliveryMode(ctx, connectionID, models.DeliveryModePush); err != nil {
		m.failMigration(ctx, connectionID, err)
		outcome.Error = fmt.Sprintf("failed to switch delivery mode: %v", err)
		return outcome
	}

	if err := m.setPhase(ctx, connectionID, models.PhaseMigrated, nil); err != nil {
		outcome.Error = fmt.Sprintf("migrated but failed to record phase: %v", err)
		return outcome
	}

	log.Printf("Connection %s migrated to push delivery", connectionID)
	outcome.Success = true
	return outcome
}

// MigrateAllConnections migrates every eligible connection (enabled,
// still polling, not already migrated) independently. A failure in one
// connection never blocks the others.
func (m *MigrationManager) MigrateAllConnections(ctx context.Context) (*MigrationReport, error) {
	ctx, cancel := context.WithTimeout(ctx, m.deadline)
	defer cancel()

	conns, err := m.connections.ListEligibleForMigration(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list eligible connections: %w", err)
	}

	report := &MigrationReport{}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)

	for _, conn := range conns {
		conn := conn
		g.Go(func() error {
			rec, err := m.records.GetByConnectionID(gctx, conn.ID)
			if err == nil && rec != nil && rec.Phase == models.PhaseMigrated {
				return nil // already done, not part of this batch
			}

			outcome := m.MigrateConnection(gctx, conn.ID)

			mu.Lock()
			defer mu.Unlock()
			report.Total++
			report.Results = append(report.Results, outcome)
			if outcome.Success {
				report.Succeeded++
			} else {
				report.Failed++
				log.Printf("Migration failed for connection %s: %s", conn.ID, outcome.Error)
			}
			return nil
		})
	}

	_ = g.Wait()

	log.Printf("Migration batch done: %d succeeded, %d failed of %d",
		report.Succeeded, report.Failed, report.Total)
	return report, nil
}

// GetMigrationStatus returns per-phase counts plus the full record set
func (m *MigrationManager) GetMigrationStatus(ctx context.Context) (*MigrationStatus, error) {
	counts, err := m.records.CountByPhase(ctx)
	if err != nil {
		return nil, err
	}

	records, err := m.records.List(ctx)
	if err != nil {
		return nil, err
	}

	return &MigrationStatus{Counts: counts, Records: records}, nil
}

// RollbackMigration reverts every migrated connection to poll delivery:
// stop the watch, flip the mode back, record rolled_back. Best-effort and
// per-connection isolated like migration.
func (m *MigrationManager) RollbackMigration(ctx context.Context) (*MigrationReport, error) {
	ctx, cancel := context.WithTimeout(ctx, m.deadline)
	defer cancel()

	migrated, err := m.records.ListByPhase(ctx, models.PhaseMigrated)
	if err != nil {
		return nil, fmt.Errorf("failed to list migrated connections: %w", err)
	}

	report := &MigrationReport{}

	for _, rec := range migrated {
		outcome := m.rollbackConnection(ctx, rec.ConnectionID)
		report.Total++
		report.Results = append(report.Results, outcome)
		if outcome.Success {
			report.Succeeded++
		} else {
			report.Failed++
			log.Printf("Rollback failed for connection %s: %s", rec.ConnectionID, outcome.Error)
		}
	}

	log.Printf("Rollback done: %d succeeded, %d failed of %d",
		report.Succeeded, report.Failed, report.Total)
	return report, nil
}

func (m *MigrationManager) rollbackConnection(ctx context.Context, connectionID string) MigrationOutcome {
	outcome := MigrationOutcome{ConnectionID: connectionID}

	stop, err := m.watches.StopWatch(ctx, connectionID)
	if err != nil {
		outcome.Error = fmt.Sprintf("failed to stop watch: %v", err)
		return outcome
	}
	if stop.CleanupErr != nil {
		// Upstream cleanup failure does not block the rollback; the
		// orphaned watch lapses at its expiration.
		log.Printf("Rollback of connection %s: upstream stop failed: %v", connectionID, stop.CleanupErr)
	}

	// StopWatch clears the enabled flag as part of disconnect semantics;
	// rollback keeps the connection usable on poll delivery.
	if err := m.connections.SetEnabled(ctx, connectionID, true); err != nil {
		outcome.Error = fmt.Sprintf("failed to re-enable connection: %v", err)
		return outcome
	}

	if err := m.connections.UpdateDeliveryMode(ctx, connectionID, models.DeliveryModePoll); err != nil {
		outcome.Error = fmt.Sprintf("failed to revert delivery mode: %v", err)
		return outcome
	}

	if err := m.setPhase(ctx, connectionID, models.PhaseRolledBack, nil); err != nil {
		outcome.Error = fmt.Sprintf("rolled back but failed to record phase: %v", err)
		return outcome
	}

	log.Printf("Connection %s rolled back to poll delivery", connectionID)
	outcome.Success = true
	return outcome
}

func (m *MigrationManager) setPhase(ctx context.Context, connectionID string, phase models.MigrationPhase, detail *string) error {
	now := time.Now()
	return m.records.Upsert(ctx, models.MigrationRecord{
		ConnectionID: connectionID,
		Phase:        phase,
		AttemptedAt:  now,
		ErrorDetail:  detail,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
}

func (m *MigrationManager) failMigration(ctx context.Context, connectionID string, cause error) {
	detail := cause.Error()
	if err := m.setPhase(ctx, connectionID, models.PhaseFailed, &detail); err != nil {
		log.Printf("Warning: failed to record migration failure for connection %s: %v", connectionID, err)
	}
}
