package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/notifyhub/signal-sync/internal/domain"
)

type sqliteQueueRepository struct {
	db   *sql.DB
	opts Options
}

// NewSQLiteQueueRepository returns a Store backed by the SQLite database
// opened with db.OpenSQLite. Timestamps are stored as unix nanoseconds.
func NewSQLiteQueueRepository(db *sql.DB, opts Options) Store {
	return &sqliteQueueRepository{db: db, opts: opts.withDefaults()}
}

func (r *sqliteQueueRepository) now() int64 { return r.opts.Now().UTC().UnixNano() }

func (r *sqliteQueueRepository) Enqueue(ctx context.Context, stream domain.StreamName, payload []byte) (string, error) {
	if err := validateEnqueue(stream, payload); err != nil {
		return "", err
	}

	id := uuid.NewString()
	stored, encoding := encodePayload(payload)
	now := r.now()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO queue_items
			(id, stream_name, payload, payload_encoding, payload_size, status, retry_count, enqueued_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'pending', 0, ?, ?)`,
		id, string(stream), stored, encoding, len(stored), now, now,
	)
	if err != nil {
		return "", storageErr("enqueue", err)
	}
	return id, nil
}

func (r *sqliteQueueRepository) DequeueBatch(ctx context.Context, limit int) ([]*domain.QueueItem, error) {
	if limit <= 0 {
		return nil, nil
	}

	// BEGIN IMMEDIATE (see db.OpenSQLite) serialises concurrent dequeues.
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("dequeue begin", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := r.now()

	if r.opts.InFlightLease > 0 {
		cutoff := now - r.opts.InFlightLease.Nanoseconds()
		res, err := tx.ExecContext(ctx, `
			UPDATE queue_items SET status = 'pending', claimed_at = NULL, updated_at = ?
			WHERE status = 'in_flight' AND claimed_at < ?`, now, cutoff)
		if err != nil {
			return nil, storageErr("reclaim lease", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			r.opts.Logger.Warn("reclaimed expired in-flight items", zap.Int64("count", n))
		}
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM queue_items
		WHERE status = 'pending'
		ORDER BY enqueued_at ASC, seq ASC
		LIMIT ?`, limit)
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
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, storageErr("dequeue rows", err)
	}
	rows.Close()

	for _, q := range bad {
		r.opts.Logger.Error("quarantining unreadable queue row",
			zap.Int64("seq", q.seq), zap.String("item_id", q.id), zap.Error(q.err))
		if _, err := tx.ExecContext(ctx, `
			UPDATE queue_items SET status = 'failed_permanent', last_error = ?, claimed_at = NULL, updated_at = ?
			WHERE seq = ?`, truncateError(q.err.Error()), now, q.seq); err != nil {
			return nil, storageErr("quarantine", err)
		}
	}

	for _, item := range items {
		if _, err := tx.ExecContext(ctx, `
			UPDATE queue_items SET status = 'in_flight', claimed_at = ?, updated_at = ?
			WHERE id = ?`, now, now, item.ID); err != nil {
			return nil, storageErr("claim", err)
		}
		item.Status = domain.StatusInFlight
		item.UpdatedAt = time.Unix(0, now).UTC()
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr("dequeue commit", err)
	}
	return items, nil
}

func (r *sqliteQueueRepository) MarkComplete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE queue_items
		SET status = 'complete', payload = NULL, payload_size = 0, claimed_at = NULL,
		    last_error = NULL, updated_at = ?
		WHERE id = ? AND status = 'in_flight'`, r.now(), id)
	if err != nil {
		return storageErr("mark complete", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	// Already complete (or otherwise resolved): a no-op, unless the id is unknown.
	_, err = r.status(ctx, id)
	return err
}

func (r *sqliteQueueRepository) MarkFailed(ctx context.Context, id string, maxRetries int, errMsg string) (domain.Status, error) {
	var status string
	err := r.db.QueryRowContext(ctx, `
		UPDATE queue_items
		SET retry_count = retry_count + 1,
		    status = CASE WHEN retry_count + 1 > ? THEN 'failed_permanent' ELSE 'pending' END,
		    last_error = ?, claimed_at = NULL, updated_at = ?
		WHERE id = ? AND status IN ('in_flight', 'pending')
		RETURNING status`, maxRetries, truncateError(errMsg), r.now(), id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return r.status(ctx, id)
	}
	if err != nil {
		return "", storageErr("mark failed", err)
	}
	return domain.Status(status), nil
}

func (r *sqliteQueueRepository) MarkPermanentFailure(ctx context.Context, id string, errMsg string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE queue_items SET status = 'failed_permanent', last_error = ?, claimed_at = NULL, updated_at = ?
		WHERE id = ? AND status IN ('in_flight', 'pending')`, truncateError(errMsg), r.now(), id)
	if err != nil {
		return storageErr("mark permanent failure", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = r.status(ctx, id)
	return err
}

func (r *sqliteQueueRepository) Release(ctx context.Context, ids ...string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, r.now())
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE queue_items SET status = 'pending', claimed_at = NULL, updated_at = ?
		WHERE status = 'in_flight' AND id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return 0, storageErr("release", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *sqliteQueueRepository) RecoverInFlight(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE queue_items SET status = 'pending', claimed_at = NULL, updated_at = ?
		WHERE status = 'in_flight'`, r.now())
	if err != nil {
		return 0, storageErr("recover in-flight", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *sqliteQueueRepository) Cleanup(ctx context.Context, maxAge time.Duration, maxFailedRetries int) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageErr("cleanup begin", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := r.now()

	if r.opts.Retention > 0 {
		res, err := tx.ExecContext(ctx, `
			UPDATE queue_items SET status = 'failed_permanent', last_error = ?, updated_at = ?
			WHERE status = 'pending' AND enqueued_at < ?`,
			errRetentionExceeded, now, now-r.opts.Retention.Nanoseconds())
		if err != nil {
			return 0, storageErr("cleanup expire", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			r.opts.Logger.Warn("expired pending items past retention", zap.Int64("count", n))
		}
	}

	res, err := tx.ExecContext(ctx, `
		DELETE FROM queue_items
		WHERE (status IN ('complete', 'failed_permanent') AND updated_at < ?)
		   OR (retry_count > ? AND status <> 'in_flight')`,
		now-maxAge.Nanoseconds(), maxFailedRetries)
	if err != nil {
		return 0, storageErr("cleanup purge", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, storageErr("cleanup commit", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *sqliteQueueRepository) Stats(ctx context.Context) (domain.QueueStats, error) {
	// Answered from idx_queue_items_status_size without touching the table.
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(payload_size), 0)
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

func (r *sqliteQueueRepository) Get(ctx context.Context, id string) (*domain.QueueItem, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM queue_items WHERE id = ?`, id)
	item, q, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
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

func (r *sqliteQueueRepository) RecordAttempt(ctx context.Context, at time.Time, success bool) error {
	ts := at.UTC().UnixNano()
	var err error
	if success {
		_, err = r.db.ExecContext(ctx,
			`UPDATE sync_state SET last_attempt_at = ?, last_success_at = ? WHERE id = 1`, ts, ts)
	} else {
		_, err = r.db.ExecContext(ctx,
			`UPDATE sync_state SET last_attempt_at = ? WHERE id = 1`, ts)
	}
	return storageErr("record attempt", err)
}

func (r *sqliteQueueRepository) SyncState(ctx context.Context) (domain.SyncState, error) {
	var attempt, success sql.NullInt64
	err := r.db.QueryRowContext(ctx,
		`SELECT last_attempt_at, last_success_at FROM sync_state WHERE id = 1`).Scan(&attempt, &success)
	if err != nil {
		return domain.SyncState{}, storageErr("sync state", err)
	}

	var state domain.SyncState
	if attempt.Valid {
		t := time.Unix(0, attempt.Int64).UTC()
		state.LastAttemptAt = &t
	}
	if success.Valid {
		t := time.Unix(0, success.Int64).UTC()
		state.LastSuccessAt = &t
	}
	return state, nil
}

func (r *sqliteQueueRepository) status(ctx context.Context, id string) (domain.Status, error) {
	var status string
	err := r.db.QueryRowContext(ctx, `SELECT status FROM queue_items WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", storageErr("status", err)
	}
	return domain.Status(status), nil
}

// ---- helpers ----

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func addStats(s *domain.QueueStats, status domain.Status, count int, size int64) {
	switch status {
	case domain.StatusPending:
		s.Pending += count
	case domain.StatusInFlight:
		s.InFlight += count
	case domain.StatusComplete:
		s.Complete += count
	default:
		s.Failed += count
	}
	s.TotalBytes += size
}

// compile-time check that the SQLite repository implements Store
var _ Store = (*sqliteQueueRepository)(nil)
