package stream

import (
	"errors"
	"time"
)

// LocationSample is one position fix.
type LocationSample struct {
	Timestamp time.Time `json:"timestamp" cbor:"timestamp"`
	Latitude  float64   `json:"latitude" cbor:"latitude"`
	Longitude float64   `json:"longitude" cbor:"longitude"`
	Accuracy  float64   `json:"accuracy,omitempty" cbor:"accuracy,omitempty"`
	Altitude  *float64  `json:"altitude,omitempty" cbor:"altitude,omitempty"`
	Speed     *float64  `json:"speed,omitempty" cbor:"speed,omitempty"`
}

func (s LocationSample) Validate() error {
	if s.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	if s.Latitude < -90 || s.Latitude > 90 {
		return errors.New("latitude out of range")
	}
	if s.Longitude < -180 || s.Longitude > 180 {
		return errors.New("longitude out of range")
	}
	if s.Accuracy < 0 {
		return errors.New("accuracy must not be negative")
	}
	return nil
}

// HealthSample is one quantity reading such as heart rate or step count.
type HealthSample struct {
	Timestamp time.Time `json:"timestamp" cbor:"timestamp"`
	Type      string    `json:"type" cbor:"type"`
	Value     float64   `json:"value" cbor:"value"`
	Unit      string    `json:"unit,omitempty" cbor:"unit,omitempty"`
	Source    string    `json:"source,omitempty" cbor:"source,omitempty"`
}

func (s HealthSample) Validate() error {
	if s.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	if s.Type == "" {
		return errors.New("type is required")
	}
	return nil
}

// AudioChunk is a slice of encoded audio. Data is base64 in JSON.
type AudioChunk struct {
	StartedAt  time.Time `json:"started_at" cbor:"started_at"`
	DurationMS int64     `json:"duration_ms" cbor:"duration_ms"`
	Format     string    `json:"format" cbor:"format"`
	SampleRate int       `json:"sample_rate,omitempty" cbor:"sample_rate,omitempty"`
	Data       []byte    `json:"data" cbor:"data"`
}

func (c AudioChunk) Validate() error {
	if c.StartedAt.IsZero() {
		return errors.New("started_at is required")
	}
	if c.DurationMS <= 0 {
		return errors.New("duration_ms must be positive")
	}
	if len(c.Data) == 0 {
		return errors.New("data is empty")
	}
	return nil
}

// AppUsageEvent records an application gaining or losing focus.
type AppUsageEvent struct {
	Timestamp  time.Time `json:"timestamp" cbor:"timestamp"`
	AppID      string    `json:"app_id" cbor:"app_id"`
	Event      string    `json:"event" cbor:"event"`
	DurationMS int64     `json:"duration_ms,omitempty" cbor:"duration_ms,omitempty"`
}

func (e AppUsageEvent) Validate() error {
	if e.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.AppID == "" {
		return errors.New("app_id is required")
	}
	switch e.Event {
	case "focus", "blur", "launch", "terminate":
		return nil
	}
	return errors.New("unknown event " + e.Event)
}

// SystemEvent is an agent lifecycle event, e.g. the terminal event written
// on shutdown.
type SystemEvent struct {
	Timestamp time.Time         `json:"timestamp" cbor:"timestamp"`
	Kind      string            `json:"kind" cbor:"kind"`
	Detail    string            `json:"detail,omitempty" cbor:"detail,omitempty"`
	Attrs     map[string]string `json:"attrs,omitempty" cbor:"attrs,omitempty"`
}

func (e SystemEvent) Validate() error {
	if e.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.Kind == "" {
		return errors.New("kind is required")
	}
	return nil
}
