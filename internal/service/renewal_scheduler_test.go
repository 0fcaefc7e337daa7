package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/vipul43/kiwis-watch/internal/models"
)

// mockRenewer is a WatchRenewer with a func field
type mockRenewer struct {
	mu        sync.Mutex
	attempted []string
	renewFunc func(subscriptionID string) RenewResult
}

func (m *mockRenewer) RenewWatch(ctx context.Context, subscriptionID string) RenewResult {
	m.mu.Lock()
	m.attempted = append(m.attempted, subscriptionID)
	m.mu.Unlock()
	if m.renewFunc != nil {
		return m.renewFunc(subscriptionID)
	}
	return RenewResult{SubscriptionID: subscriptionID, Renewed: true}
}

func (m *mockRenewer) attemptedIDs() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool)
	for _, id := range m.attempted {
		out[id] = true
	}
	return out
}

func TestSweepSelectsOnlySubscriptionsInsideWindow(t *testing.T) {
	subs := newFakeSubscriptionStore()
	subs.seed(models.WatchSubscription{
		ID:           "sub-soon",
		ConnectionID: "conn-soon",
		ExpiresAt:    time.Now().Add(23 * time.Hour),
		Status:       models.WatchStatusActive,
	})
	subs.seed(models.WatchSubscription{
		ID:           "sub-later",
		ConnectionID: "conn-later",
		ExpiresAt:    time.Now().Add(25 * time.Hour),
		Status:       models.WatchStatusActive,
	})
	subs.seed(models.WatchSubscription{
		ID:           "sub-stopped",
		ConnectionID: "conn-stopped",
		ExpiresAt:    time.Now().Add(time.Hour),
		Status:       models.WatchStatusStopped,
	})

	renewer := &mockRenewer{}
	scheduler := NewRenewalScheduler(subs, renewer, 24*time.Hour, time.Minute, 2)

	report, err := scheduler.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if report.Selected != 1 {
		t.Fatalf("Expected 1 selected, got %d", report.Selected)
	}

	attempted := renewer.attemptedIDs()
	if !attempted["sub-soon"] {
		t.Error("Expected sub-soon to be renewed")
	}
	if attempted["sub-later"] || attempted["sub-stopped"] {
		t.Errorf("Expected only sub-soon attempted, got %v", attempted)
	}
}

func TestSweepIncludesErroredSubscriptions(t *testing.T) {
	subs := newFakeSubscriptionStore()
	subs.seed(models.WatchSubscription{
		ID:           "sub-errored",
		ConnectionID: "conn-errored",
		ExpiresAt:    time.Now().Add(48 * time.Hour), // outside the window
		Status:       models.WatchStatusError,
	})

	renewer := &mockRenewer{}
	scheduler := NewRenewalScheduler(subs, renewer, 24*time.Hour, time.Minute, 2)

	report, err := scheduler.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if report.Selected != 1 || !renewer.attemptedIDs()["sub-errored"] {
		t.Errorf("Expected errored subscription to be retried, report %+v", report)
	}
}

func TestSweepOneFailureDoesNotAbortOthers(t *testing.T) {
	subs := newFakeSubscriptionStore()
	for _, id := range []string{"a", "b", "c"} {
		subs.seed(models.WatchSubscription{
			ID:           "sub-" + id,
			ConnectionID: "conn-" + id,
			ExpiresAt:    time.Now().Add(time.Hour),
			Status:       models.WatchStatusActive,
		})
	}

	renewer := &mockRenewer{
		renewFunc: func(subscriptionID string) RenewResult {
			if subscriptionID == "sub-b" {
				return RenewResult{SubscriptionID: subscriptionID, Error: "provider refused"}
			}
			return RenewResult{SubscriptionID: subscriptionID, Renewed: true}
		},
	}
	scheduler := NewRenewalScheduler(subs, renewer, 24*time.Hour, time.Minute, 2)

	report, err := scheduler.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if report.Selected != 3 {
		t.Errorf("Expected 3 selected, got %d", report.Selected)
	}
	if report.Renewed != 2 || report.Failed != 1 {
		t.Errorf("Expected 2 renewed / 1 failed, got %d / %d", report.Renewed, report.Failed)
	}
	if len(renewer.attemptedIDs()) != 3 {
		t.Errorf("Expected all 3 attempted, got %v", renewer.attemptedIDs())
	}
}

func TestSweepRerunIsIdempotent(t *testing.T) {
	conns := newFakeConnectionStore(testConnection("conn-1"))
	subs := newFakeSubscriptionStore()
	subs.seed(models.WatchSubscription{
		ID:           "sub-1",
		ConnectionID: "conn-1",
		ExpiresAt:    time.Now().Add(time.Hour),
		Status:       models.WatchStatusActive,
	})

	gw := &mockGateway{
		registerWatchFunc: func(ctx context.Context, token string) (*WatchRegistration, error) {
			return &WatchRegistration{ResourceHandle: "1000", HistoryCursor: 1000, ExpiresAt: time.Now().Add(7 * 24 * time.Hour)}, nil
		},
	}
	manager := newTestManager(conns, subs, gw)
	scheduler := NewRenewalScheduler(subs, manager, 24*time.Hour, time.Minute, 2)

	first, err := scheduler.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if first.Renewed != 1 {
		t.Fatalf("Expected 1 renewed on first sweep, got %d", first.Renewed)
	}

	// Renewal pushed the expiration past the window, so the second sweep
	// selects nothing.
	second, err := scheduler.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if second.Selected != 0 {
		t.Errorf("Expected 0 selected on second sweep, got %d", second.Selected)
	}
}
