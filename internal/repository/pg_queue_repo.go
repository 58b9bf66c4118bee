package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/notifyhub/signal-sync/internal/domain"
)

type pgQueueRepository struct {
	pool *pgxpool.Pool
	opts Options
}

// NewPgQueueRepository returns a Store backed by PostgreSQL. Used by
// desktop installs that already run a local Postgres.
func NewPgQueueRepository(pool *pgxpool.Pool, opts Options) Store {
	return &pgQueueRepository{pool: pool, opts: opts.withDefaults()}
}

func (r *pgQueueRepository) now() time.Time { return r.opts.Now().UTC() }

func (r *pgQueueRepository) Enqueue(ctx context.Context, stream domain.StreamName, payload []byte) (string, error) {
	if err := validateEnqueue(stream, payload); err != nil {
		return "", err
	}

	id := uuid.NewString()
	stored, encoding := encodePayload(payload)
	now := r.now()

	_, err := r.pool.Exec(ctx, `
		INSERT INTO queue_items
			(id, stream_name, payload, payload_encoding, payload_size, status, retry_count, enqueued_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', 0, $6, $6)`,
		id, string(stream), stored, encoding, len(stored), now,
	)
	if err != nil {
		return "", storageErr("enqueue", err)
	}
	return id, nil
}

func (r *pgQueueRepository) DequeueBatch(ctx context.Context, limit int) ([]*domain.QueueItem, error) {
	if limit <= 0 {
		return nil, nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, storageErr("dequeue begin", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := r.now()

	if r.opts.InFlightLease > 0 {
		tag, err := tx.Exec(ctx, `
			UPDATE queue_items SET status = 'pending', claimed_at = NULL, updated_at = $1
			WHERE status = 'in_flight' AND claimed_at < $2`, now, now.Add(-r.opts.InFlightLease))
		if err != nil {
			return nil, storageErr("reclaim lease", err)
		}
		if n := tag.RowsAffected(); n > 0 {
			r.opts.Logger.Warn("reclaimed expired in-flight items", zap.Int64("count", n))
		}
	}

	// SKIP LOCKED lets a concurrent dequeue take the next rows instead of
	// blocking on (and then re-reading) the ones claimed here.
	rows, err := tx.Query(ctx, `
		SELECT `+itemColumns+`
		FROM queue_items
		WHERE status = 'pending'
		ORDER BY enqueued_at ASC, seq ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, storageErr("dequeue select", err)
	}

	var items []*domain.QueueItem
	var bad []quarantined
	for rows.Next() {
		item, q, err := scanItem(rows)
		if err != nil {
			rows.Close()
			return nil, storageErr("dequeue scan", err)
		}
		if q != nil {
			bad = append(bad, *q)
			continue
		}
		items = append(items, item)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, storageErr("dequeue rows", err)
	}

	for _, q := range bad {
		r.opts.Logger.Error("quarantining unreadable queue row",
			zap.Int64("seq", q.seq), zap.String("item_id", q.id), zap.Error(q.err))
		if _, err := tx.Exec(ctx, `
			UPDATE queue_items SET status = 'failed_permanent', last_error = $1, claimed_at = NULL, updated_at = $2
			WHERE seq = $3`, truncateError(q.err.Error()), now, q.seq); err != nil {
			return nil, storageErr("quarantine", err)
		}
	}

	if len(items) > 0 {
		ids := make([]string, len(items))
		for i, item := range items {
			ids[i] = item.ID
			item.Status = domain.StatusInFlight
			item.UpdatedAt = now
		}
		if _, err := tx.Exec(ctx, `
			UPDATE queue_items SET status = 'in_flight', claimed_at = $1, updated_at = $1
			WHERE id = ANY($2)`, now, ids); err != nil {
			return nil, storageErr("claim", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, storageErr("dequeue commit", err)
	}
	return items, nil
}

func (r *pgQueueRepository) MarkComplete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE queue_items
		SET status = 'complete', payload = NULL, payload_size = 0, claimed_at = NULL,
		    last_error = NULL, updated_at = $1
		WHERE id = $2 AND status = 'in_flight'`, r.now(), id)
	if err != nil {
		return storageErr("mark complete", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	_, err = r.status(ctx, id)
	return err
}

func (r *pgQueueRepository) MarkFailed(ctx context.Context, id string, maxRetries int, errMsg string) (domain.Status, error) {
	var status string
	err := r.pool.QueryRow(ctx, `
		UPDATE queue_items
		SET retry_count = retry_count + 1,
		    status = CASE WHEN retry_count + 1 > $1 THEN 'failed_permanent' ELSE 'pending' END,
		    last_error = $2, claimed_at = NULL, updated_at = $3
		WHERE id = $4 AND status IN ('in_flight', 'pending')
		RETURNING status`, maxRetries, truncateError(errMsg), r.now(), id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return r.status(ctx, id)
	}
	if err != nil {
		return "", storageErr("mark failed", err)
	}
	return domain.Status(status), nil
}

func (r *pgQueueRepository) MarkPermanentFailure(ctx context.Context, id string, errMsg string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE queue_items SET status = 'failed_permanent', last_error = $1, claimed_at = NULL, updated_at = $2
		WHERE id = $3 AND status IN ('in_flight', 'pending')`, truncateError(errMsg), r.now(), id)
	if err != nil {
		return storageErr("mark permanent failure", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	_, err = r.status(ctx, id)
	return err
}

func (r *pgQueueRepository) Release(ctx context.Context, ids ...string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE queue_items SET status = 'pending', claimed_at = NULL, updated_at = $1
		WHERE status = 'in_flight' AND id = ANY($2)`, r.now(), ids)
	if err != nil {
		return 0, storageErr("release", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *pgQueueRepository) RecoverInFlight(ctx context.Context) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE queue_items SET status = 'pending', claimed_at = NULL, updated_at = $1
		WHERE status = 'in_flight'`, r.now())
	if err != nil {
		return 0, storageErr("recover in-flight", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *pgQueueRepository) Cleanup(ctx context.Context, maxAge time.Duration, maxFailedRetries int) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, storageErr("cleanup begin", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := r.now()

	if r.opts.Retention > 0 {
		tag, err := tx.Exec(ctx, `
			UPDATE queue_items SET status = 'failed_permanent', last_error = $1, updated_at = $2
			WHERE status = 'pending' AND enqueued_at < $3`,
			errRetentionExceeded, now, now.Add(-r.opts.Retention))
		if err != nil {
			return 0, storageErr("cleanup expire", err)
		}
		if n := tag.RowsAffected(); n > 0 {
			r.opts.Logger.Warn("expired pending items past retention", zap.Int64("count", n))
		}
	}

	tag, err := tx.Exec(ctx, `
		DELETE FROM queue_items
		WHERE (status IN ('complete', 'failed_permanent') AND updated_at < $1)
		   OR (retry_count > $2 AND status <> 'in_flight')`,
		now.Add(-maxAge), maxFailedRetries)
	if err != nil {
		return 0, storageErr("cleanup purge", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, storageErr("cleanup commit", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *pgQueueRepository) Stats(ctx context.Context) (domain.QueueStats, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(payload_size), 0)::BIGINT
		FROM queue_items GROUP BY status`)
	if err != nil {
		return domain.QueueStats{}, storageErr("stats", err)
	}
	defer rows.Close()

	var stats domain.QueueStats
	for rows.Next() {
		var status string
		var count int
		var size int64
		if err := rows.Scan(&status, &count, &size); err != nil {
			return domain.QueueStats{}, storageErr("stats scan", err)
		}
		addStats(&stats, domain.Status(status), count, size)
	}
	return stats, storageErr("stats rows", rows.Err())
}

func (r *pgQueueRepository) Get(ctx context.Context, id string) (*domain.QueueItem, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM queue_items WHERE id = $1`, id)
	item, q, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get", err)
	}
	if q != nil {
		return nil, storageErr("get", q.err)
	}
	return item, nil
}

func (r *pgQueueRepository) RecordAttempt(ctx context.Context, at time.Time, success bool) error {
	var err error
	if success {
		_, err = r.pool.Exec(ctx,
			`UPDATE sync_state SET last_attempt_at = $1, last_success_at = $1 WHERE id = 1`, at.UTC())
	} else {
		_, err = r.pool.Exec(ctx,
			`UPDATE sync_state SET last_attempt_at = $1 WHERE id = 1`, at.UTC())
	}
	return storageErr("record attempt", err)
}

func (r *pgQueueRepository) SyncState(ctx context.Context) (domain.SyncState, error) {
	var state domain.SyncState
	err := r.pool.QueryRow(ctx,
		`SELECT last_attempt_at, last_success_at FROM sync_state WHERE id = 1`).
		Scan(&state.LastAttemptAt, &state.LastSuccessAt)
	if err != nil {
		return domain.SyncState{}, storageErr("sync state", err)
	}
	return state, nil
}

func (r *pgQueueRepository) status(ctx context.Context, id string) (domain.Status, error) {
	var status string
	err := r.pool.QueryRow(ctx, `SELECT status FROM queue_items WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", storageErr("status", err)
	}
	return domain.Status(status), nil
}

// compile-time check that the Postgres repository implements Store
var _ Store = (*pgQueueRepository)(nil)
