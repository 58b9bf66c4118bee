package domain

import (
	"strings"
	"time"
)

// StreamName is the logical category of a signal. It is the batching key
// and selects the codec used to decode payloads for upload.
type StreamName string

const (
	StreamLocation StreamName = "location"
	StreamHealth   StreamName = "health"
	StreamAudio    StreamName = "audio"
	StreamAppUsage StreamName = "app_usage"
	StreamSystem   StreamName = "system"
)

// IsValid reports whether the name is usable as a queue key. It does not
// check that a codec exists; unknown streams are still persisted so that
// no captured data is dropped at enqueue time.
func (s StreamName) IsValid() bool {
	return strings.TrimSpace(string(s)) != "" && len(s) <= 64
}

// Status tracks the lifecycle of a queued item.
type Status string

const (
	StatusPending         Status = "pending"
	StatusInFlight        Status = "in_flight"
	StatusComplete        Status = "complete"
	StatusFailedPermanent Status = "failed_permanent"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusInFlight, StatusComplete, StatusFailedPermanent:
		return true
	}
	return false
}

// QueueItem is one captured signal awaiting delivery. Payload is opaque to
// the queue; only the stream codec interprets it.
type QueueItem struct {
	ID         string     `json:"id"`
	Stream     StreamName `json:"stream"`
	Payload    []byte     `json:"-"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	RetryCount int        `json:"retry_count"`
	Status     Status     `json:"status"`
	LastError  *string    `json:"last_error,omitempty"`
}

// QueueStats is the read-only snapshot shown by the status API and the
// heartbeat log.
type QueueStats struct {
	Pending    int   `json:"pending"`
	InFlight   int   `json:"in_flight"`
	Complete   int   `json:"complete"`
	Failed     int   `json:"failed"`
	TotalBytes int64 `json:"total_bytes"`
}

// SyncState holds the only two timestamps persisted outside the queue.
type SyncState struct {
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
}

// Reasons a cycle may return without doing any work.
const (
	SkipInProgress           = "in_progress"
	SkipNotConfigured        = "not_configured"
	SkipNeedsReconfiguration = "needs_reconfiguration"
	SkipEmpty                = "empty"
)

// SyncCycleResult summarises one coordinator run. Only the attempt and
// success timestamps outlive it.
type SyncCycleResult struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Groups     int       `json:"groups"`
	Attempted  int       `json:"attempted"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Released   int       `json:"released"`
	Purged     int       `json:"purged"`
	AuthHalted bool      `json:"auth_halted"`
	Cancelled  bool      `json:"cancelled"`
	Skipped    string    `json:"skipped,omitempty"`
}

// DeviceIdentity is read fresh by the coordinator on every cycle because a
// pairing flow may replace it at any time.
type DeviceIdentity struct {
	DeviceID    string `json:"device_id"`
	DeviceToken string `json:"device_token,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
}

// IsConfigured is false until the device has both a token and an endpoint.
func (d DeviceIdentity) IsConfigured() bool {
	return strings.TrimSpace(d.DeviceToken) != "" && strings.TrimSpace(d.Endpoint) != ""
}

// ScheduleSpec is a resolved sync cadence.
type ScheduleSpec struct {
	Expression string        `json:"expression"`
	Interval   time.Duration `json:"interval"`
	Manual     bool          `json:"manual"`
	Fallback   bool          `json:"fallback"`
}
