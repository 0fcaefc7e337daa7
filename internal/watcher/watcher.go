package watcher

import (
	"context"
	"log"
	"time"

	"github.com/vipul43/kiwis-watch/internal/config"
	"github.com/vipul43/kiwis-watch/internal/repository"
	"github.com/vipul43/kiwis-watch/internal/service"
)

// Watcher drives the periodic work: renewal sweeps, reconciliation of
// missed sync ranges, and webhook audit pruning. Webhook ingestion is
// event-driven and runs concurrently through the HTTP server; both paths
// mutate the same subscription records through the store's atomic
// read-modify-write operations.
type Watcher struct {
	cfg       *config.Config
	scheduler *service.RenewalScheduler
	ingestor  *service.WebhookIngestor
	auditRepo *repository.WebhookEventRepository
}

func New(
	cfg *config.Config,
	scheduler *service.RenewalScheduler,
	ingestor *service.WebhookIngestor,
	auditRepo *repository.WebhookEventRepository,
) *Watcher {
	return &Watcher{
		cfg:       cfg,
		scheduler: scheduler,
		ingestor:  ingestor,
		auditRepo: auditRepo,
	}
}

// Start begins the periodic sweeps and blocks until the context is done
func (w *Watcher) Start(ctx context.Context) error {
	log.Println("Starting watcher for renewal and reconciliation sweeps...")

	// Catch up on work left from previous runs
	w.runSweeps(ctx)

	ticker := time.NewTicker(time.Duration(w.cfg.RenewalInterval) * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Watcher shutting down...")
			return ctx.Err()
		case <-ticker.C:
			w.runSweeps(ctx)
		}
	}
}

// runSweeps executes one pass of all periodic work; each sweep's failure
// is logged and never stops the others
func (w *Watcher) runSweeps(ctx context.Context) {
	if report, err := w.scheduler.Sweep(ctx); err != nil {
		log.Printf("Error running renewal sweep: %v", err)
	} else if report.Selected > 0 {
		log.Printf("Renewal sweep: %d selected, %d renewed, %d failed",
			report.Selected, report.Renewed, report.Failed)
	}

	if _, err := w.ingestor.Reconcile(ctx); err != nil {
		log.Printf("Error running reconciliation sweep: %v", err)
	}

	w.pruneAudit(ctx)
}

// pruneAudit drops webhook audit entries past the retention window
func (w *Watcher) pruneAudit(ctx context.Context) {
	cutoff := time.Now().AddDate(0, 0, -w.cfg.WebhookRetentionDays)
	removed, err := w.auditRepo.PruneBefore(ctx, cutoff)
	if err != nil {
		log.Printf("Error pruning webhook audit log: %v", err)
		return
	}
	if removed > 0 {
		log.Printf("Pruned %d webhook audit entries older than %s", removed, cutoff.Format(time.RFC3339))
	}
}
