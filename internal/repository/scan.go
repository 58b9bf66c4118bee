package repository

import (
	"errors"
	"fmt"
	"time"

	"github.com/notifyhub/signal-sync/internal/domain"
)

// itemColumns is the column list every item query selects. seq leads so a
// row is addressable even when its id is unreadable; the rest is in the
// order decodeItemRow expects.
const itemColumns = `seq, id, stream_name, payload, payload_encoding, enqueued_at, updated_at, retry_count, status, last_error`

// rowScanner is satisfied by *sql.Rows, *sql.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// quarantined is a row that could not be decoded. It is moved to
// failed_permanent instead of aborting the surrounding read.
type quarantined struct {
	seq int64
	id  string
	err error
}

// scanItem reads one row as raw driver values and converts them column by
// column, so a single corrupt value is reported with the row's seq instead
// of failing the whole Scan.
func scanItem(row rowScanner) (*domain.QueueItem, *quarantined, error) {
	raw := make([]any, 10)
	ptrs := make([]any, len(raw))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := row.Scan(ptrs...); err != nil {
		return nil, nil, err
	}

	seq, ok := asInt64(raw[0])
	if !ok {
		return nil, nil, fmt.Errorf("unreadable seq %v", raw[0])
	}
	item, err := decodeItemRow(raw[1:])
	if err != nil {
		id, _ := asString(raw[1])
		return nil, &quarantined{seq: seq, id: id, err: err}, nil
	}
	return item, nil, nil
}

func decodeItemRow(raw []any) (*domain.QueueItem, error) {
	var item domain.QueueItem
	var ok bool

	if item.ID, ok = asString(raw[0]); !ok || item.ID == "" {
		return nil, errors.New("missing id")
	}

	stream, ok := asString(raw[1])
	if !ok || !domain.StreamName(stream).IsValid() {
		return nil, fmt.Errorf("invalid stream name %v", raw[1])
	}
	item.Stream = domain.StreamName(stream)

	encoding, _ := asString(raw[3])
	if raw[2] != nil {
		stored, ok := raw[2].([]byte)
		if !ok {
			s, isString := raw[2].(string)
			if !isString {
				return nil, fmt.Errorf("unexpected payload type %T", raw[2])
			}
			stored = []byte(s)
		}
		payload, err := decodePayload(stored, encoding)
		if err != nil {
			return nil, err
		}
		item.Payload = payload
	}

	var err error
	if item.EnqueuedAt, err = asTime(raw[4]); err != nil {
		return nil, fmt.Errorf("enqueued_at: %w", err)
	}
	if item.UpdatedAt, err = asTime(raw[5]); err != nil {
		return nil, fmt.Errorf("updated_at: %w", err)
	}

	retries, ok := asInt64(raw[6])
	if !ok || retries < 0 {
		return nil, fmt.Errorf("invalid retry_count %v", raw[6])
	}
	item.RetryCount = int(retries)

	status, _ := asString(raw[7])
	item.Status = domain.Status(status)
	if !item.Status.IsValid() {
		return nil, fmt.Errorf("invalid status %q", status)
	}

	if msg, ok := asString(raw[8]); ok {
		item.LastError = &msg
	}
	return &item, nil
}

func asString(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case []byte:
		return string(x), true
	}
	return "", false
}

func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int32:
		return int64(x), true
	case int:
		return int64(x), true
	}
	return 0, false
}

// asTime accepts unix nanoseconds (SQLite) and native timestamps (Postgres).
func asTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x.UTC(), nil
	case int64:
		return time.Unix(0, x).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unreadable timestamp %v", v)
}
