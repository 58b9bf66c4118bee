// Package stream holds the per-stream payload codecs. Each stream knows how
// to decode its stored records and merge a group of them into the JSON
// body the ingest endpoint expects.
package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/notifyhub/signal-sync/internal/domain"
)

// Codec decodes and merges the payloads of one stream.
type Codec interface {
	Stream() domain.StreamName

	// Field is the array key in the upload body, e.g. "locations".
	Field() string

	// Decode turns a stored payload into a record. An error means the
	// payload is malformed; it never depends on other items.
	Decode(payload []byte) (any, error)

	// Merge builds one upload body from records returned by Decode, in
	// the order given.
	Merge(deviceID string, records []any) ([]byte, error)

	// FromJSON converts a JSON record into the stored payload form.
	FromJSON(raw []byte) ([]byte, error)
}

// Validator is implemented by records that check their own fields.
type Validator interface {
	Validate() error
}

// RecordCodec is a Codec for payloads holding a single CBOR-encoded T.
type RecordCodec[T any] struct {
	stream domain.StreamName
	field  string
}

func NewRecordCodec[T any](stream domain.StreamName, field string) *RecordCodec[T] {
	return &RecordCodec[T]{stream: stream, field: field}
}

func (c *RecordCodec[T]) Stream() domain.StreamName { return c.stream }
func (c *RecordCodec[T]) Field() string             { return c.field }

func (c *RecordCodec[T]) Decode(payload []byte) (any, error) {
	var rec T
	if err := decMode.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("decode %s record: %w", c.stream, err)
	}
	if err := validate(&rec); err != nil {
		return nil, fmt.Errorf("invalid %s record: %w", c.stream, err)
	}
	return rec, nil
}

func (c *RecordCodec[T]) Merge(deviceID string, records []any) ([]byte, error) {
	typed := make([]T, 0, len(records))
	for i, r := range records {
		rec, ok := r.(T)
		if !ok {
			return nil, fmt.Errorf("merge %s: record %d has type %T", c.stream, i, r)
		}
		typed = append(typed, rec)
	}
	return json.Marshal(map[string]any{
		"device_id": deviceID,
		c.field:     typed,
	})
}

func (c *RecordCodec[T]) FromJSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var rec T
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("parse %s record: %w", c.stream, err)
	}
	if err := validate(&rec); err != nil {
		return nil, fmt.Errorf("invalid %s record: %w", c.stream, err)
	}
	return encMode.Marshal(rec)
}

func validate(v any) error {
	if val, ok := v.(Validator); ok {
		return val.Validate()
	}
	return nil
}

// Registry maps stream names to codecs. The coordinator treats a stream
// without a codec as unsupported.
type Registry struct {
	mu     sync.RWMutex
	codecs map[domain.StreamName]Codec
}

func NewRegistry(codecs ...Codec) (*Registry, error) {
	r := &Registry{codecs: make(map[domain.StreamName]Codec)}
	for _, c := range codecs {
		if err := r.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a codec. Registering the same stream twice is an error.
func (r *Registry) Register(c Codec) error {
	if !c.Stream().IsValid() {
		return fmt.Errorf("register codec: %w", domain.ErrInvalidStream)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.codecs[c.Stream()]; exists {
		return fmt.Errorf("register codec: stream %q already registered", c.Stream())
	}
	r.codecs[c.Stream()] = c
	return nil
}

func (r *Registry) Lookup(stream domain.StreamName) (Codec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[stream]
	return c, ok
}

// Streams returns the registered stream names in sorted order.
func (r *Registry) Streams() []domain.StreamName {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.StreamName, 0, len(r.codecs))
	for s := range r.codecs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DefaultRegistry returns a registry with the built-in streams.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(
		NewRecordCodec[LocationSample](domain.StreamLocation, "locations"),
		NewRecordCodec[HealthSample](domain.StreamHealth, "samples"),
		NewRecordCodec[AudioChunk](domain.StreamAudio, "chunks"),
		NewRecordCodec[AppUsageEvent](domain.StreamAppUsage, "events"),
		NewRecordCodec[SystemEvent](domain.StreamSystem, "events"),
	)
	if err != nil {
		panic("stream: " + err.Error())
	}
	return r
}
