package worker

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/notifyhub/signal-sync/internal/domain"
	"github.com/notifyhub/signal-sync/internal/repository"
)

// HeartbeatWorker periodically logs the queue depth and sync timestamps
// and hands them to an observer (the Prometheus gauges in the agent). It
// never mutates the queue.
type HeartbeatWorker struct {
	store    repository.Store
	interval time.Duration
	observe  func(domain.QueueStats, domain.SyncState)
	clock    clockwork.Clock
	logger   *zap.Logger
}

func NewHeartbeatWorker(
	store repository.Store,
	interval time.Duration,
	observe func(domain.QueueStats, domain.SyncState),
	clk clockwork.Clock,
	logger *zap.Logger,
) *HeartbeatWorker {
	if observe == nil {
		observe = func(domain.QueueStats, domain.SyncState) {}
	}
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	return &HeartbeatWorker{store: store, interval: interval, observe: observe, clock: clk, logger: logger}
}

// Run beats once immediately, then every interval. Stops cleanly when ctx
// is cancelled.
func (hw *HeartbeatWorker) Run(ctx context.Context) {
	if hw.interval <= 0 {
		hw.logger.Info("heartbeat disabled")
		return
	}

	ticker := hw.clock.NewTicker(hw.interval)
	defer ticker.Stop()

	hw.logger.Info("heartbeat worker started", zap.Duration("interval", hw.interval))
	hw.beat(ctx)

	for {
		select {
		case <-ctx.Done():
			hw.logger.Info("heartbeat worker stopping")
			return
		case <-ticker.Chan():
			hw.beat(ctx)
		}
	}
}

func (hw *HeartbeatWorker) beat(ctx context.Context) {
	stats, err := hw.store.Stats(ctx)
	if err != nil {
		hw.logger.Error("heartbeat stats error", zap.Error(err))
		return
	}
	state, err := hw.store.SyncState(ctx)
	if err != nil {
		hw.logger.Error("heartbeat sync state error", zap.Error(err))
		return
	}

	hw.observe(stats, state)

	fields := []zap.Field{
		zap.Int("pending", stats.Pending),
		zap.Int("in_flight", stats.InFlight),
		zap.Int("failed", stats.Failed),
		zap.Int64("bytes", stats.TotalBytes),
	}
	if state.LastSuccessAt != nil {
		fields = append(fields, zap.Duration("since_success", hw.clock.Now().Sub(*state.LastSuccessAt)))
	}
	if state.LastAttemptAt != nil {
		fields = append(fields, zap.Time("last_attempt_at", *state.LastAttemptAt))
	}
	hw.logger.Info("queue heartbeat", fields...)
}
