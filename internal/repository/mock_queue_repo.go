package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/notifyhub/signal-sync/internal/domain"
)

// MockQueueRepository is a hand-written, in-memory Store used in unit
// tests. It follows the same state machine as the SQL backends.
type MockQueueRepository struct {
	mu    sync.Mutex
	items map[string]*mockRow
	seq   int64
	state domain.SyncState
	opts  Options

	// Optional error overrides; set in tests to simulate failure paths.
	EnqueueErr       error
	DequeueErr       error
	RecordAttemptErr error

	// Calls records the method names invoked, in order.
	Calls []string
}

type mockRow struct {
	item      domain.QueueItem
	seq       int64
	claimedAt time.Time
}

func NewMockQueueRepository(opts Options) *MockQueueRepository {
	return &MockQueueRepository{
		items: make(map[string]*mockRow),
		opts:  opts.withDefaults(),
	}
}

func (m *MockQueueRepository) record(call string) { m.Calls = append(m.Calls, call) }

func (m *MockQueueRepository) now() time.Time { return m.opts.Now().UTC() }

func (m *MockQueueRepository) Enqueue(_ context.Context, stream domain.StreamName, payload []byte) (string, error) {
	if m.EnqueueErr != nil {
		return "", storageErr("enqueue", m.EnqueueErr)
	}
	if err := validateEnqueue(stream, payload); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Enqueue")

	m.seq++
	now := m.now()
	id := uuid.NewString()
	m.items[id] = &mockRow{
		seq: m.seq,
		item: domain.QueueItem{
			ID:         id,
			Stream:     stream,
			Payload:    append([]byte(nil), payload...),
			EnqueuedAt: now,
			UpdatedAt:  now,
			Status:     domain.StatusPending,
		},
	}
	return id, nil
}

func (m *MockQueueRepository) DequeueBatch(_ context.Context, limit int) ([]*domain.QueueItem, error) {
	if m.DequeueErr != nil {
		return nil, storageErr("dequeue", m.DequeueErr)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("DequeueBatch")

	now := m.now()
	if m.opts.InFlightLease > 0 {
		for _, row := range m.items {
			if row.item.Status == domain.StatusInFlight && now.Sub(row.claimedAt) > m.opts.InFlightLease {
				row.item.Status = domain.StatusPending
			}
		}
	}

	pending := make([]*mockRow, 0, len(m.items))
	for _, row := range m.items {
		if row.item.Status == domain.StatusPending {
			pending = append(pending, row)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		a, b := pending[i], pending[j]
		if !a.item.EnqueuedAt.Equal(b.item.EnqueuedAt) {
			return a.item.EnqueuedAt.Before(b.item.EnqueuedAt)
		}
		return a.seq < b.seq
	})
	if len(pending) > limit {
		pending = pending[:limit]
	}

	out := make([]*domain.QueueItem, 0, len(pending))
	for _, row := range pending {
		row.item.Status = domain.StatusInFlight
		row.item.UpdatedAt = now
		row.claimedAt = now
		clone := row.item
		out = append(out, &clone)
	}
	return out, nil
}

func (m *MockQueueRepository) MarkComplete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("MarkComplete")
	row, ok := m.items[id]
	if !ok {
		return domain.ErrNotFound
	}
	if row.item.Status == domain.StatusInFlight {
		row.item.Status = domain.StatusComplete
		row.item.Payload = nil
		row.item.LastError = nil
		row.item.UpdatedAt = m.now()
	}
	return nil
}

func (m *MockQueueRepository) MarkFailed(_ context.Context, id string, maxRetries int, errMsg string) (domain.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("MarkFailed")
	row, ok := m.items[id]
	if !ok {
		return "", domain.ErrNotFound
	}
	if row.item.Status != domain.StatusInFlight && row.item.Status != domain.StatusPending {
		return row.item.Status, nil
	}
	row.item.RetryCount++
	row.item.Status = domain.StatusPending
	if row.item.RetryCount > maxRetries {
		row.item.Status = domain.StatusFailedPermanent
	}
	msg := truncateError(errMsg)
	row.item.LastError = &msg
	row.item.UpdatedAt = m.now()
	return row.item.Status, nil
}

func (m *MockQueueRepository) MarkPermanentFailure(_ context.Context, id string, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("MarkPermanentFailure")
	row, ok := m.items[id]
	if !ok {
		return domain.ErrNotFound
	}
	if row.item.Status == domain.StatusInFlight || row.item.Status == domain.StatusPending {
		msg := truncateError(errMsg)
		row.item.Status = domain.StatusFailedPermanent
		row.item.LastError = &msg
		row.item.UpdatedAt = m.now()
	}
	return nil
}

func (m *MockQueueRepository) Release(_ context.Context, ids ...string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Release")
	n := 0
	for _, id := range ids {
		if row, ok := m.items[id]; ok && row.item.Status == domain.StatusInFlight {
			row.item.Status = domain.StatusPending
			row.item.UpdatedAt = m.now()
			n++
		}
	}
	return n, nil
}

func (m *MockQueueRepository) RecoverInFlight(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("RecoverInFlight")
	n := 0
	for _, row := range m.items {
		if row.item.Status == domain.StatusInFlight {
			row.item.Status = domain.StatusPending
			n++
		}
	}
	return n, nil
}

func (m *MockQueueRepository) Cleanup(_ context.Context, maxAge time.Duration, maxFailedRetries int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Cleanup")
	now := m.now()
	purged := 0
	for id, row := range m.items {
		it := &row.item
		if m.opts.Retention > 0 && it.Status == domain.StatusPending && now.Sub(it.EnqueuedAt) > m.opts.Retention {
			msg := errRetentionExceeded
			it.Status = domain.StatusFailedPermanent
			it.LastError = &msg
			it.UpdatedAt = now
		}
		resolved := it.Status == domain.StatusComplete || it.Status == domain.StatusFailedPermanent
		if (resolved && now.Sub(it.UpdatedAt) > maxAge) ||
			(it.RetryCount > maxFailedRetries && it.Status != domain.StatusInFlight) {
			delete(m.items, id)
			purged++
		}
	}
	return purged, nil
}

func (m *MockQueueRepository) Stats(_ context.Context) (domain.QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stats domain.QueueStats
	for _, row := range m.items {
		addStats(&stats, row.item.Status, 1, int64(len(row.item.Payload)))
	}
	return stats, nil
}

func (m *MockQueueRepository) Get(_ context.Context, id string) (*domain.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.items[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := row.item
	return &clone, nil
}

func (m *MockQueueRepository) RecordAttempt(_ context.Context, at time.Time, success bool) error {
	if m.RecordAttemptErr != nil {
		return storageErr("record attempt", m.RecordAttemptErr)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("RecordAttempt")
	t := at.UTC()
	m.state.LastAttemptAt = &t
	if success {
		m.state.LastSuccessAt = &t
	}
	return nil
}

func (m *MockQueueRepository) SyncState(_ context.Context) (domain.SyncState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, nil
}

// CountByStatus is a test helper.
func (m *MockQueueRepository) CountByStatus(status domain.Status) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, row := range m.items {
		if row.item.Status == status {
			n++
		}
	}
	return n
}

// Snapshot returns copies of every stored item, ordered by insertion.
func (m *MockQueueRepository) Snapshot() []domain.QueueItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := make([]*mockRow, 0, len(m.items))
	for _, row := range m.items {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
	out := make([]domain.QueueItem, len(rows))
	for i, row := range rows {
		out[i] = row.item
	}
	return out
}

var _ Store = (*MockQueueRepository)(nil)
