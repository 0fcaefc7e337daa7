package service

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vipul43/kiwis-watch/internal/models"
)

const erroredRetryBatch = 50 // errored subscriptions retried per sweep

// WatchRenewer is the slice of the watch manager the scheduler needs
type WatchRenewer interface {
	RenewWatch(ctx context.Context, subscriptionID string) RenewResult
}

// SweepReport tallies one renewal sweep
type SweepReport struct {
	Selected int           `json:"selected"`
	Renewed  int           `json:"renewed"`
	Failed   int           `json:"failed"`
	Results  []RenewResult `json:"results"`
}

// RenewalScheduler sweeps for subscriptions nearing expiry and renews
// them, isolating per-connection failures. Errored subscriptions are
// swept up too, so a failed renew keeps being retried until it succeeds
// or the connection is stopped.
type RenewalScheduler struct {
	subscriptions SubscriptionStore
	renewer       WatchRenewer
	lookahead     time.Duration
	deadline      time.Duration
	concurrency   int
}

func NewRenewalScheduler(
	subscriptions SubscriptionStore,
	renewer WatchRenewer,
	lookahead time.Duration,
	deadline time.Duration,
	concurrency int,
) *RenewalScheduler {
	if concurrency < 1 {
		concurrency = 1
	}
	return &RenewalScheduler{
		subscriptions: subscriptions,
		renewer:       renewer,
		lookahead:     lookahead,
		deadline:      deadline,
		concurrency:   concurrency,
	}
}

// Sweep renews every active subscription expiring within the lookahead
// window plus every subscription stuck in error status. One renewal's
// failure never aborts the sweep; every selected subscription is
// attempted and the report carries per-subscription detail. Re-running a
// sweep is idempotent: a successful renewal moves the expiration past
// the window, so the next selection excludes it.
func (s *RenewalScheduler) Sweep(ctx context.Context) (*SweepReport, error) {
	ctx, cancel := context.WithTimeout(ctx, s.deadline)
	defer cancel()

	cutoff := time.Now().Add(s.lookahead)
	expiring, err := s.subscriptions.ListExpiring(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	errored, err := s.subscriptions.ListErrored(ctx, erroredRetryBatch)
	if err != nil {
		return nil, err
	}

	selected := dedupeSubscriptions(expiring, errored)
	report := &SweepReport{Selected: len(selected)}
	if len(selected) == 0 {
		return report, nil
	}

	log.Printf("Renewal sweep: %d subscription(s) selected (%d expiring, %d errored)",
		len(selected), len(expiring), len(errored))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for _, sub := range selected {
		sub := sub
		g.Go(func() error {
			result := s.renewer.RenewWatch(gctx, sub.ID)

			mu.Lock()
			defer mu.Unlock()
			report.Results = append(report.Results, result)
			if result.Renewed {
				report.Renewed++
			} else {
				report.Failed++
				log.Printf("Renewal failed for subscription %s (connection %s): %s",
					result.SubscriptionID, result.ConnectionID, result.Error)
			}
			// Failures are tallied, never returned: the sweep must
			// attempt every subscription.
			return nil
		})
	}

	_ = g.Wait()

	log.Printf("Renewal sweep done: %d renewed, %d failed", report.Renewed, report.Failed)
	return report, nil
}

// dedupeSubscriptions merges the selection lists, keeping first occurrence
func dedupeSubscriptions(lists ...[]models.WatchSubscription) []models.WatchSubscription {
	seen := make(map[string]bool)
	var out []models.WatchSubscription
	for _, list := range lists {
		for _, sub := range list {
			if seen[sub.ID] {
				continue
			}
			seen[sub.ID] = true
			out = append(out, sub)
		}
	}
	return out
}
