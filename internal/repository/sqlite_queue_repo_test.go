package repository_test

import (
	"bytes"
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notifyhub/signal-sync/internal/db"
	"github.com/notifyhub/signal-sync/internal/domain"
	"github.com/notifyhub/signal-sync/internal/repository"
)

// testClock is a settable clock shared by a store under test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func openStore(t *testing.T, path string, clk *testClock, opts repository.Options) (repository.Store, *sql.DB) {
	t.Helper()
	conn, err := db.OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	opts.Now = clk.Now
	return repository.NewSQLiteQueueRepository(conn, opts), conn
}

func newStore(t *testing.T, opts repository.Options) (repository.Store, *sql.DB, *testClock) {
	t.Helper()
	clk := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store, conn := openStore(t, filepath.Join(t.TempDir(), "queue.db"), clk, opts)
	return store, conn, clk
}

func TestSQLiteQueue_SurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.db")
	clk := &testClock{now: time.Now().UTC()}

	conn, err := db.OpenSQLite(path)
	require.NoError(t, err)
	store := repository.NewSQLiteQueueRepository(conn, repository.Options{Now: clk.Now})

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := store.Enqueue(ctx, domain.StreamLocation, []byte{byte(i + 1)})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	// Two items are claimed when the process dies.
	claimed, err := store.DequeueBatch(ctx, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	require.NoError(t, conn.Close())

	reopened, _ := openStore(t, path, clk, repository.Options{})
	n, err := reopened.RecoverInFlight(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for i, id := range ids {
		item, err := reopened.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPending, item.Status)
		assert.Equal(t, []byte{byte(i + 1)}, item.Payload)
	}
}

func TestSQLiteQueue_DequeueOldestFirstAndClaims(t *testing.T) {
	store, _, clk := newStore(t, repository.Options{})
	ctx := context.Background()

	first, _ := store.Enqueue(ctx, domain.StreamHealth, []byte("a"))
	clk.Advance(time.Second)
	second, _ := store.Enqueue(ctx, domain.StreamLocation, []byte("b"))
	clk.Advance(time.Second)
	third, _ := store.Enqueue(ctx, domain.StreamHealth, []byte("c"))

	items, err := store.DequeueBatch(ctx, 2)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, first, items[0].ID)
	assert.Equal(t, second, items[1].ID)
	assert.Equal(t, domain.StatusInFlight, items[0].Status)

	rest, err := store.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, third, rest[0].ID)

	empty, err := store.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSQLiteQueue_ConcurrentDequeueDoesNotOverlap(t *testing.T) {
	store, _, _ := newStore(t, repository.Options{})
	ctx := context.Background()

	const total = 40
	for i := 0; i < total; i++ {
		_, err := store.Enqueue(ctx, domain.StreamLocation, []byte("x"))
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				items, err := store.DequeueBatch(ctx, 3)
				if err != nil {
					t.Error(err)
					return
				}
				if len(items) == 0 {
					return
				}
				mu.Lock()
				for _, it := range items {
					seen[it.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "item %s dequeued %d times", id, n)
	}
}

func TestSQLiteQueue_MarkCompleteIsIdempotent(t *testing.T) {
	store, _, _ := newStore(t, repository.Options{})
	ctx := context.Background()

	id, _ := store.Enqueue(ctx, domain.StreamAudio, []byte("chunk"))
	_, err := store.DequeueBatch(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, store.MarkComplete(ctx, id))
	require.NoError(t, store.MarkComplete(ctx, id))

	item, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusComplete, item.Status)
	assert.Nil(t, item.Payload, "completed payloads are dropped")

	assert.ErrorIs(t, store.MarkComplete(ctx, "missing"), domain.ErrNotFound)
}

func TestSQLiteQueue_RetryCeiling(t *testing.T) {
	store, _, _ := newStore(t, repository.Options{})
	ctx := context.Background()
	const ceiling = 3

	id, _ := store.Enqueue(ctx, domain.StreamHealth, []byte("sample"))

	for attempt := 1; attempt <= ceiling; attempt++ {
		items, err := store.DequeueBatch(ctx, 10)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, attempt-1, items[0].RetryCount)

		status, err := store.MarkFailed(ctx, id, ceiling, "http 500")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPending, status)
	}

	_, err := store.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	status, err := store.MarkFailed(ctx, id, ceiling, "http 500")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailedPermanent, status)

	item, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ceiling+1, item.RetryCount)
	require.NotNil(t, item.LastError)
	assert.Equal(t, "http 500", *item.LastError)

	// Permanently failed items are never handed out again.
	items, err := store.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, items)

	status, err = store.MarkFailed(ctx, id, ceiling, "again")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailedPermanent, status)
	item, _ = store.Get(ctx, id)
	assert.Equal(t, ceiling+1, item.RetryCount, "retry count stops at the ceiling")
}

func TestSQLiteQueue_CleanupPurgesAndIsIdempotent(t *testing.T) {
	store, _, clk := newStore(t, repository.Options{})
	ctx := context.Background()

	done, _ := store.Enqueue(ctx, domain.StreamLocation, []byte("done"))
	poisoned, _ := store.Enqueue(ctx, domain.StreamLocation, []byte("poison"))
	waiting, _ := store.Enqueue(ctx, domain.StreamLocation, []byte("waiting"))

	_, err := store.DequeueBatch(ctx, 2)
	require.NoError(t, err)
	require.NoError(t, store.MarkComplete(ctx, done))
	_, err = store.MarkFailed(ctx, poisoned, 0, "decode")
	require.NoError(t, err)

	// The poisoned item exceeds the ceiling and goes regardless of age.
	purged, err := store.Cleanup(ctx, time.Hour, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	clk.Advance(2 * time.Hour)
	purged, err = store.Cleanup(ctx, time.Hour, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	purged, err = store.Cleanup(ctx, time.Hour, 10)
	require.NoError(t, err)
	assert.Zero(t, purged)

	_, err = store.Get(ctx, done)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	item, err := store.Get(ctx, waiting)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, item.Status)
}

func TestSQLiteQueue_CleanupExpiresPastRetention(t *testing.T) {
	store, _, clk := newStore(t, repository.Options{Retention: 24 * time.Hour})
	ctx := context.Background()

	old, _ := store.Enqueue(ctx, domain.StreamHealth, []byte("old"))
	clk.Advance(25 * time.Hour)
	fresh, _ := store.Enqueue(ctx, domain.StreamHealth, []byte("fresh"))

	_, err := store.Cleanup(ctx, time.Hour, 10)
	require.NoError(t, err)

	item, err := store.Get(ctx, old)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailedPermanent, item.Status)

	item, err = store.Get(ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, item.Status)
}

func TestSQLiteQueue_QuarantinesCorruptRow(t *testing.T) {
	store, conn, _ := newStore(t, repository.Options{})
	ctx := context.Background()

	good, _ := store.Enqueue(ctx, domain.StreamLocation, []byte("good"))
	_, err := conn.Exec(`
		INSERT INTO queue_items (id, stream_name, payload, status, retry_count, enqueued_at, updated_at)
		VALUES ('corrupt', 'location', x'00', 'pending', 0, 'not-a-time', 0)`)
	require.NoError(t, err)
	_, err = conn.Exec(`
		INSERT INTO queue_items (id, stream_name, payload, status, retry_count, enqueued_at, updated_at)
		VALUES ('bad-encoding', 'location', x'01', 'pending', 0, 1, 1)`)
	require.NoError(t, err)
	_, err = conn.Exec(`UPDATE queue_items SET payload_encoding = 'lzma' WHERE id = 'bad-encoding'`)
	require.NoError(t, err)

	items, err := store.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, good, items[0].ID)

	for _, id := range []string{"corrupt", "bad-encoding"} {
		var status string
		require.NoError(t, conn.QueryRow(`SELECT status FROM queue_items WHERE id = ?`, id).Scan(&status))
		assert.Equal(t, string(domain.StatusFailedPermanent), status, id)
	}
}

func TestSQLiteQueue_QuarantinesRowWithUnreadableID(t *testing.T) {
	store, conn, _ := newStore(t, repository.Options{})
	ctx := context.Background()

	good, _ := store.Enqueue(ctx, domain.StreamLocation, []byte("good"))
	// Oldest row, so it takes the only slot of a one-item batch.
	_, err := conn.Exec(`
		INSERT INTO queue_items (id, stream_name, payload, status, retry_count, enqueued_at, updated_at)
		VALUES ('', 'location', x'00', 'pending', 0, 1, 1)`)
	require.NoError(t, err)

	items, err := store.DequeueBatch(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, items)

	var status string
	require.NoError(t, conn.QueryRow(`SELECT status FROM queue_items WHERE id = ''`).Scan(&status))
	assert.Equal(t, string(domain.StatusFailedPermanent), status)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Pending)

	items, err = store.DequeueBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, good, items[0].ID)
}

func TestSQLiteQueue_CompressesLargePayloads(t *testing.T) {
	store, _, _ := newStore(t, repository.Options{})
	ctx := context.Background()

	payload := bytes.Repeat([]byte("pcm-frame-"), 8000)
	id, err := store.Enqueue(ctx, domain.StreamAudio, payload)
	require.NoError(t, err)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
	assert.Less(t, stats.TotalBytes, int64(len(payload)))

	items, err := store.DequeueBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, id, items[0].ID)
	assert.Equal(t, payload, items[0].Payload)
}

func TestSQLiteQueue_ReleaseAndLeaseReclaim(t *testing.T) {
	store, _, clk := newStore(t, repository.Options{InFlightLease: 10 * time.Minute})
	ctx := context.Background()

	a, _ := store.Enqueue(ctx, domain.StreamLocation, []byte("a"))
	b, _ := store.Enqueue(ctx, domain.StreamLocation, []byte("b"))

	_, err := store.DequeueBatch(ctx, 2)
	require.NoError(t, err)

	n, err := store.Release(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	item, _ := store.Get(ctx, a)
	assert.Equal(t, domain.StatusPending, item.Status)
	assert.Zero(t, item.RetryCount, "release does not count as a retry")

	// b is still claimed until its lease runs out.
	items, err := store.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, a, items[0].ID)

	clk.Advance(11 * time.Minute)
	items, err = store.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	ids := []string{}
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	assert.ElementsMatch(t, []string{a, b}, ids)
}

func TestSQLiteQueue_EnqueueValidation(t *testing.T) {
	store, _, _ := newStore(t, repository.Options{})
	ctx := context.Background()

	_, err := store.Enqueue(ctx, "", []byte("x"))
	assert.ErrorIs(t, err, domain.ErrInvalidStream)
	_, err = store.Enqueue(ctx, domain.StreamHealth, nil)
	assert.ErrorIs(t, err, domain.ErrEmptyPayload)
}

func TestSQLiteQueue_EnqueueSurfacesStorageErrors(t *testing.T) {
	store, conn, _ := newStore(t, repository.Options{})
	require.NoError(t, conn.Close())

	_, err := store.Enqueue(context.Background(), domain.StreamHealth, []byte("x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStorage)
}

func TestSQLiteQueue_SyncState(t *testing.T) {
	store, _, clk := newStore(t, repository.Options{})
	ctx := context.Background()

	state, err := store.SyncState(ctx)
	require.NoError(t, err)
	assert.Nil(t, state.LastAttemptAt)
	assert.Nil(t, state.LastSuccessAt)

	first := clk.Now()
	require.NoError(t, store.RecordAttempt(ctx, first, true))
	second := first.Add(time.Minute)
	require.NoError(t, store.RecordAttempt(ctx, second, false))

	state, err = store.SyncState(ctx)
	require.NoError(t, err)
	require.NotNil(t, state.LastAttemptAt)
	require.NotNil(t, state.LastSuccessAt)
	assert.True(t, second.Equal(*state.LastAttemptAt))
	assert.True(t, first.Equal(*state.LastSuccessAt))
}
