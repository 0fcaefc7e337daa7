package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vipul43/kiwis-watch/internal/models"
	"github.com/vipul43/kiwis-watch/internal/repository"
)

// fakeConnectionStore is an in-memory ConnectionStore
type fakeConnectionStore struct {
	mu    sync.Mutex
	conns map[string]*models.Connection
}

func newFakeConnectionStore(conns ...*models.Connection) *fakeConnectionStore {
	s := &fakeConnectionStore{conns: make(map[string]*models.Connection)}
	for _, c := range conns {
		s.conns[c.ID] = c
	}
	return s
}

func (s *fakeConnectionStore) GetByID(ctx context.Context, id string) (*models.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.conns[id]
	if !ok {
		return nil, repository.ErrConnectionNotFound
	}
	copied := *conn
	return &copied, nil
}

func (s *fakeConnectionStore) GetByEmailAddress(ctx context.Context, email string) (*models.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		if conn.EmailAddress == email {
			copied := *conn
			return &copied, nil
		}
	}
	return nil, repository.ErrConnectionNotFound
}

func (s *fakeConnectionStore) ListEligibleForMigration(ctx context.Context) ([]models.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Connection
	for _, conn := range s.conns {
		if conn.Enabled && conn.DeliveryMode == models.DeliveryModePoll {
			out = append(out, *conn)
		}
	}
	return out, nil
}

func (s *fakeConnectionStore) UpdateDeliveryMode(ctx context.Context, id string, mode models.DeliveryMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.conns[id]
	if !ok {
		return repository.ErrConnectionNotFound
	}
	conn.DeliveryMode = mode
	return nil
}

func (s *fakeConnectionStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.conns[id]
	if !ok {
		return repository.ErrConnectionNotFound
	}
	conn.Enabled = enabled
	return nil
}

// fakeSubscriptionStore is an in-memory SubscriptionStore mirroring the
// SQL repository's semantics: one record per connection, CAS cursor
// advancement, optimistic versioning
type fakeSubscriptionStore struct {
	mu   sync.Mutex
	subs map[string]*models.WatchSubscription // by connection ID
}

func newFakeSubscriptionStore() *fakeSubscriptionStore {
	return &fakeSubscriptionStore{subs: make(map[string]*models.WatchSubscription)}
}

func (s *fakeSubscriptionStore) get(connectionID string) *models.WatchSubscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subs[connectionID]; ok {
		copied := *sub
		return &copied
	}
	return nil
}

func (s *fakeSubscriptionStore) GetByConnectionID(ctx context.Context, connectionID string) (*models.WatchSubscription, error) {
	if sub := s.get(connectionID); sub != nil {
		return sub, nil
	}
	return nil, repository.ErrSubscriptionNotFound
}

func (s *fakeSubscriptionStore) GetByID(ctx context.Context, id string) (*models.WatchSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.ID == id {
			copied := *sub
			return &copied, nil
		}
	}
	return nil, repository.ErrSubscriptionNotFound
}

func (s *fakeSubscriptionStore) Upsert(ctx context.Context, sub models.WatchSubscription) (*models.WatchSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	existing, ok := s.subs[sub.ConnectionID]
	if !ok {
		sub.ProcessedCursor = sub.HistoryCursor
		sub.Version = 1
		sub.CreatedAt = now
		sub.UpdatedAt = now
		stored := sub
		s.subs[sub.ConnectionID] = &stored
		copied := stored
		return &copied, nil
	}
	existing.ResourceHandle = sub.ResourceHandle
	if sub.HistoryCursor > existing.HistoryCursor {
		existing.HistoryCursor = sub.HistoryCursor
	}
	existing.ExpiresAt = sub.ExpiresAt
	existing.Status = sub.Status
	existing.LastError = nil
	existing.Version++
	existing.UpdatedAt = now
	copied := *existing
	return &copied, nil
}

func (s *fakeSubscriptionStore) UpdateRenewal(ctx context.Context, id string, expiresAt time.Time, cursor uint64, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.ID != id {
			continue
		}
		if sub.Version != version {
			return repository.ErrVersionConflict
		}
		sub.ExpiresAt = expiresAt
		if cursor > sub.HistoryCursor {
			sub.HistoryCursor = cursor
		}
		sub.Status = models.WatchStatusActive
		sub.LastError = nil
		sub.Version++
		sub.UpdatedAt = time.Now()
		return nil
	}
	return repository.ErrSubscriptionNotFound
}

func (s *fakeSubscriptionStore) UpdateStatus(ctx context.Context, id string, status models.WatchStatus, lastError *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.ID != id {
			continue
		}
		sub.Status = status
		sub.LastError = lastError
		sub.Version++
		sub.UpdatedAt = time.Now()
		return nil
	}
	return repository.ErrSubscriptionNotFound
}

func (s *fakeSubscriptionStore) AdvanceCursor(ctx context.Context, connectionID string, newCursor uint64) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[connectionID]
	if !ok {
		return 0, false, nil
	}
	if !sub.Live() || sub.HistoryCursor >= newCursor {
		return 0, false, nil
	}
	prev := sub.HistoryCursor
	sub.HistoryCursor = newCursor
	sub.UpdatedAt = time.Now()
	return prev, true, nil
}

func (s *fakeSubscriptionStore) MarkProcessed(ctx context.Context, connectionID string, cursor uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[connectionID]
	if !ok {
		return nil
	}
	if cursor > sub.ProcessedCursor {
		sub.ProcessedCursor = cursor
	}
	return nil
}

func (s *fakeSubscriptionStore) ListExpiring(ctx context.Context, before time.Time) ([]models.WatchSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.WatchSubscription
	for _, sub := range s.subs {
		if sub.Status == models.WatchStatusActive && !sub.ExpiresAt.After(before) {
			out = append(out, *sub)
		}
	}
	return out, nil
}

func (s *fakeSubscriptionStore) ListErrored(ctx context.Context, limit int) ([]models.WatchSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.WatchSubscription
	for _, sub := range s.subs {
		if sub.Status == models.WatchStatusError && len(out) < limit {
			out = append(out, *sub)
		}
	}
	return out, nil
}

func (s *fakeSubscriptionStore) ListUnprocessed(ctx context.Context, limit int) ([]models.WatchSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.WatchSubscription
	for _, sub := range s.subs {
		if sub.Live() && sub.ProcessedCursor < sub.HistoryCursor && len(out) < limit {
			out = append(out, *sub)
		}
	}
	return out, nil
}

// seed inserts a subscription directly, bypassing Upsert semantics
func (s *fakeSubscriptionStore) seed(sub models.WatchSubscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	if sub.Version == 0 {
		sub.Version = 1
	}
	stored := sub
	s.subs[sub.ConnectionID] = &stored
}

// fakeMigrationStore is an in-memory MigrationStore
type fakeMigrationStore struct {
	mu   sync.Mutex
	recs map[string]*models.MigrationRecord
}

func newFakeMigrationStore() *fakeMigrationStore {
	return &fakeMigrationStore{recs: make(map[string]*models.MigrationRecord)}
}

func (s *fakeMigrationStore) GetByConnectionID(ctx context.Context, connectionID string) (*models.MigrationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.recs[connectionID]; ok {
		copied := *rec
		return &copied, nil
	}
	return nil, nil
}

func (s *fakeMigrationStore) Upsert(ctx context.Context, rec models.MigrationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := rec
	s.recs[rec.ConnectionID] = &stored
	return nil
}

func (s *fakeMigrationStore) List(ctx context.Context) ([]models.MigrationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.MigrationRecord
	for _, rec := range s.recs {
		out = append(out, *rec)
	}
	return out, nil
}

func (s *fakeMigrationStore) ListByPhase(ctx context.Context, phase models.MigrationPhase) ([]models.MigrationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.MigrationRecord
	for _, rec := range s.recs {
		if rec.Phase == phase {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (s *fakeMigrationStore) CountByPhase(ctx context.Context) (map[models.MigrationPhase]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[models.MigrationPhase]int64)
	for _, rec := range s.recs {
		counts[rec.Phase]++
	}
	return counts, nil
}

// mockGateway is a ProviderGateway with func fields
type mockGateway struct {
	registerWatchFunc func(ctx context.Context, accessToken string) (*WatchRegistration, error)
	stopWatchFunc     func(ctx context.Context, accessToken string, resourceHandle string) error
	listHistoryFunc   func(ctx context.Context, accessToken string, fromCursor, toCursor uint64) ([]string, error)
}

func (m *mockGateway) RegisterWatch(ctx context.Context, accessToken string) (*WatchRegistration, error) {
	if m.registerWatchFunc != nil {
		return m.registerWatchFunc(ctx, accessToken)
	}
	return &WatchRegistration{
		ResourceHandle: "handle-1",
		HistoryCursor:  100,
		ExpiresAt:      time.Now().Add(7 * 24 * time.Hour),
	}, nil
}

func (m *mockGateway) StopWatchResource(ctx context.Context, accessToken string, resourceHandle string) error {
	if m.stopWatchFunc != nil {
		return m.stopWatchFunc(ctx, accessToken, resourceHandle)
	}
	return nil
}

func (m *mockGateway) ListHistory(ctx context.Context, accessToken string, fromCursor, toCursor uint64) ([]string, error) {
	if m.listHistoryFunc != nil {
		return m.listHistoryFunc(ctx, accessToken, fromCursor, toCursor)
	}
	return nil, nil
}

// staticCredentials returns a fixed token for every connection
type staticCredentials struct {
	token string
	err   error
}

func (c *staticCredentials) AccessToken(ctx context.Context, connectionID string) (string, error) {
	return c.token, c.err
}

// mockSyncEnqueuer counts enqueued ranges, optionally failing
type mockSyncEnqueuer struct {
	mu     sync.Mutex
	calls  []syncCall
	failFn func(connectionID string, from, to uint64) error
}

type syncCall struct {
	ConnectionID string
	From, To     uint64
}

func (m *mockSyncEnqueuer) EnqueueSync(ctx context.Context, connectionID string, from, to uint64) error {
	if m.failFn != nil {
		if err := m.failFn(connectionID, from, to); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, syncCall{ConnectionID: connectionID, From: from, To: to})
	return nil
}

func (m *mockSyncEnqueuer) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// memAuditLog collects webhook audit events
type memAuditLog struct {
	mu     sync.Mutex
	events []models.WebhookEvent
}

func (a *memAuditLog) Append(ctx context.Context, event models.WebhookEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *memAuditLog) outcomes() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, e := range a.events {
		out = append(out, e.Outcome)
	}
	return out
}
