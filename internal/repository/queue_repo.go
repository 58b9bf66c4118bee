package repository

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/signal-sync/internal/domain"
)

// QueueRepository is the durable queue. It is the only mutable shared
// resource in the agent; every state change goes through these methods.
//
// The SQLite implementation is in sqlite_queue_repo.go, the Postgres one in
// pg_queue_repo.go. Tests use a hand-written mock (mock_queue_repo.go).
type QueueRepository interface {
	// Enqueue persists a new pending item and returns its id. The write is
	// committed before Enqueue returns.
	Enqueue(ctx context.Context, stream domain.StreamName, payload []byte) (string, error)

	// DequeueBatch claims up to limit pending items, oldest first, and
	// marks them in_flight. Concurrent calls never return the same item.
	DequeueBatch(ctx context.Context, limit int) ([]*domain.QueueItem, error)

	MarkComplete(ctx context.Context, id string) error

	// MarkFailed bumps the retry counter. Once the counter exceeds
	// maxRetries the item becomes failed_permanent; otherwise it returns to
	// pending. The resulting status is returned.
	MarkFailed(ctx context.Context, id string, maxRetries int, errMsg string) (domain.Status, error)

	MarkPermanentFailure(ctx context.Context, id string, errMsg string) error

	// Release returns in_flight items to pending without counting a retry.
	Release(ctx context.Context, ids ...string) (int, error)

	// RecoverInFlight resets every in_flight item; called once at startup.
	RecoverInFlight(ctx context.Context) (int, error)

	Cleanup(ctx context.Context, maxAge time.Duration, maxFailedRetries int) (int, error)
	Stats(ctx context.Context) (domain.QueueStats, error)
	Get(ctx context.Context, id string) (*domain.QueueItem, error)
}

// SyncStateRepository persists the two observability timestamps.
type SyncStateRepository interface {
	// RecordAttempt always stores at as the last attempt and, when success
	// is true, also as the last success.
	RecordAttempt(ctx context.Context, at time.Time, success bool) error
	SyncState(ctx context.Context) (domain.SyncState, error)
}

// Store is implemented by every backend: the queue and its sync state
// live in the same database.
type Store interface {
	QueueRepository
	SyncStateRepository
}

// Options tune behaviour shared by all backends.
type Options struct {
	// InFlightLease reclaims items left in_flight longer than this during
	// the next dequeue. Zero disables lease reclaim.
	InFlightLease time.Duration

	// Retention expires pending items older than this during Cleanup.
	// Zero disables expiry.
	Retention time.Duration

	Logger *zap.Logger
	Now    func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

const errRetentionExceeded = "retention window exceeded"

func validateEnqueue(stream domain.StreamName, payload []byte) error {
	if !stream.IsValid() {
		return domain.ErrInvalidStream
	}
	if len(payload) == 0 {
		return domain.ErrEmptyPayload
	}
	return nil
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &domain.StorageError{Op: op, Err: err}
}

func truncateError(msg string) string {
	msg = strings.TrimSpace(msg)
	if len(msg) > 512 {
		return msg[:512]
	}
	return msg
}
