package models

import "time"

type WatchStatus string

const (
	WatchStatusActive  WatchStatus = "active"  // Registration live upstream
	WatchStatusExpired WatchStatus = "expired" // Expiration passed without renewal
	WatchStatusStopped WatchStatus = "stopped" // Explicitly stopped, terminal
	WatchStatusError   WatchStatus = "error"   // Last renew failed, retried by next sweep
)

// WatchStatusExpiring is a query-time classification, never stored: an
// active subscription whose expiration falls inside the renewal window.
const WatchStatusExpiring WatchStatus = "expiring"

// WatchSubscription is the upstream watch registration for one connection.
// HistoryCursor is the highest cursor accepted from the provider;
// ProcessedCursor is the highest cursor whose history range was handed off
// to the sync pipeline. ProcessedCursor <= HistoryCursor always; a gap
// between the two is closed by the reconciliation sweep.
type WatchSubscription struct {
	ID              string
	ConnectionID    string
	ResourceHandle  string
	HistoryCursor   uint64
	ProcessedCursor uint64
	ExpiresAt       time.Time
	Status          WatchStatus
	LastError       *string
	Version         int64 // optimistic concurrency token
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Live reports whether the subscription counts against the at-most-one
// invariant (stopped and expired records are dead).
func (s *WatchSubscription) Live() bool {
	return s.Status == WatchStatusActive || s.Status == WatchStatusError
}

// NeedsRenewal checks if the subscription expires within the lookahead window
func (s *WatchSubscription) NeedsRenewal(now time.Time, window time.Duration) bool {
	return s.Status == WatchStatusActive && now.Add(window).After(s.ExpiresAt)
}

// EffectiveStatus derives the reported status: active subscriptions inside
// the renewal window classify as expiring, past expiration as expired.
func (s *WatchSubscription) EffectiveStatus(now time.Time, window time.Duration) WatchStatus {
	if s.Status != WatchStatusActive {
		return s.Status
	}
	if now.After(s.ExpiresAt) {
		return WatchStatusExpired
	}
	if s.NeedsRenewal(now, window) {
		return WatchStatusExpiring
	}
	return WatchStatusActive
}
