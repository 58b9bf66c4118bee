package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/notifyhub/signal-sync/internal/domain"
)

// Metrics groups all Prometheus instruments used across the agent.
// Registered once at startup via New(); passed by pointer wherever needed.
type Metrics struct {
	SyncCycles     *prometheus.CounterVec
	ItemsUploaded  *prometheus.CounterVec
	ItemsFailed    *prometheus.CounterVec
	UploadLatency  *prometheus.HistogramVec
	ItemsPurged    prometheus.Counter
	QueuePending   prometheus.Gauge
	QueueInFlight  prometheus.Gauge
	QueueFailed    prometheus.Gauge
	QueueBytes     prometheus.Gauge
	LastSuccessAt  prometheus.Gauge
	AuthHalted     prometheus.Gauge
	ScheduleChange prometheus.Counter
}

// New registers all instruments with the given registerer. A custom
// registry keeps tests isolated from the global default.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SyncCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signal_sync_cycles_total",
			Help: "Sync cycles by outcome.",
		}, []string{"outcome"}),

		ItemsUploaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signal_sync_items_uploaded_total",
			Help: "Queue items delivered to the ingest endpoint.",
		}, []string{"stream"}),

		ItemsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signal_sync_items_failed_total",
			Help: "Queue items whose delivery attempt failed.",
		}, []string{"stream", "class"}),

		UploadLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "signal_sync_upload_seconds",
			Help:    "Latency of one stream group upload.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stream"}),

		ItemsPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signal_sync_items_purged_total",
			Help: "Items removed by cleanup.",
		}),

		QueuePending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signal_sync_queue_pending",
			Help: "Items waiting to be uploaded.",
		}),
		QueueInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signal_sync_queue_in_flight",
			Help: "Items claimed by a running cycle.",
		}),
		QueueFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signal_sync_queue_failed",
			Help: "Items that failed permanently and await purge.",
		}),
		QueueBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signal_sync_queue_bytes",
			Help: "Stored payload bytes across the queue.",
		}),
		LastSuccessAt: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signal_sync_last_success_timestamp_seconds",
			Help: "Unix time of the last cycle that delivered anything.",
		}),
		AuthHalted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signal_sync_auth_halted",
			Help: "1 while sync is halted on a rejected device token.",
		}),
		ScheduleChange: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signal_sync_schedule_updates_total",
			Help: "Schedule expressions received from the server.",
		}),
	}

	reg.MustRegister(
		m.SyncCycles,
		m.ItemsUploaded,
		m.ItemsFailed,
		m.UploadLatency,
		m.ItemsPurged,
		m.QueuePending,
		m.QueueInFlight,
		m.QueueFailed,
		m.QueueBytes,
		m.LastSuccessAt,
		m.AuthHalted,
		m.ScheduleChange,
	)

	return m
}

// CoordinatorHooks returns the callbacks expected by coordinator.Hooks.
// Keeping the observation calls here leaves the coordinator free of
// Prometheus imports.
func (m *Metrics) CoordinatorHooks() (
	onUploaded func(domain.StreamName, int, time.Duration),
	onFailed func(domain.StreamName, domain.FailureClass, int),
	onCycle func(domain.SyncCycleResult),
) {
	onUploaded = func(s domain.StreamName, n int, latency time.Duration) {
		m.ItemsUploaded.WithLabelValues(string(s)).Add(float64(n))
		m.UploadLatency.WithLabelValues(string(s)).Observe(latency.Seconds())
	}
	onFailed = func(s domain.StreamName, class domain.FailureClass, n int) {
		m.ItemsFailed.WithLabelValues(string(s), string(class)).Add(float64(n))
	}
	onCycle = func(r domain.SyncCycleResult) {
		m.SyncCycles.WithLabelValues(Outcome(r)).Inc()
		m.ItemsPurged.Add(float64(r.Purged))
		if r.Succeeded > 0 {
			m.LastSuccessAt.Set(float64(r.FinishedAt.Unix()))
		}
		if r.AuthHalted {
			m.AuthHalted.Set(1)
		} else if r.Skipped == "" {
			m.AuthHalted.Set(0)
		}
	}
	return
}

// ObserveQueue refreshes the queue gauges.
func (m *Metrics) ObserveQueue(s domain.QueueStats) {
	m.QueuePending.Set(float64(s.Pending))
	m.QueueInFlight.Set(float64(s.InFlight))
	m.QueueFailed.Set(float64(s.Failed))
	m.QueueBytes.Set(float64(s.TotalBytes))
}

// ObserveSyncState seeds the last-success gauge from persisted state, so
// it survives restarts.
func (m *Metrics) ObserveSyncState(s domain.SyncState) {
	if s.LastSuccessAt != nil {
		m.LastSuccessAt.Set(float64(s.LastSuccessAt.Unix()))
	}
}

// Outcome labels a cycle result.
func Outcome(r domain.SyncCycleResult) string {
	switch {
	case r.Skipped != "":
		return "skipped_" + r.Skipped
	case r.AuthHalted:
		return "auth_halted"
	case r.Cancelled:
		return "cancelled"
	case r.Failed > 0 && r.Succeeded > 0:
		return "partial"
	case r.Failed > 0:
		return "failed"
	default:
		return "ok"
	}
}
