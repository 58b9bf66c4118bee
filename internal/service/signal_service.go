package service

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/notifyhub/signal-sync/internal/domain"
	"github.com/notifyhub/signal-sync/internal/repository"
	"github.com/notifyhub/signal-sync/internal/stream"
)

// Codecs resolves the codec that converts JSON records for a stream.
type Codecs interface {
	Lookup(name domain.StreamName) (stream.Codec, bool)
}

// SyncView is the part of the coordinator and scheduler the status view
// reads from.
type SyncView interface {
	Halted() bool
	Running() bool
	Schedule() domain.ScheduleSpec
	NextWake() (time.Time, bool)
}

// Status is the snapshot returned to the local UI.
type Status struct {
	Queue                domain.QueueStats   `json:"queue"`
	LastAttemptAt        *time.Time          `json:"last_attempt_at,omitempty"`
	LastSuccessAt        *time.Time          `json:"last_success_at,omitempty"`
	NeedsReconfiguration bool                `json:"needs_reconfiguration"`
	Syncing              bool                `json:"syncing"`
	Schedule             domain.ScheduleSpec `json:"schedule"`
	NextSyncAt           *time.Time          `json:"next_sync_at,omitempty"`
}

// SignalService is the write path for sensor collaborators and the read
// path for the status API. Neither depends on the coordinator directly.
type SignalService struct {
	store  repository.Store
	codecs Codecs
	view   SyncView
	clock  clockwork.Clock
	logger *zap.Logger
}

func NewSignalService(
	store repository.Store,
	codecs Codecs,
	view SyncView,
	clk clockwork.Clock,
	logger *zap.Logger,
) *SignalService {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	return &SignalService{store: store, codecs: codecs, view: view, clock: clk, logger: logger}
}

// Enqueue persists an already-encoded payload. It returns the item id;
// storage failures are always returned, never swallowed.
func (s *SignalService) Enqueue(ctx context.Context, name domain.StreamName, payload []byte) (string, error) {
	id, err := s.store.Enqueue(ctx, name, payload)
	if err != nil {
		return "", err
	}
	s.logger.Debug("signal enqueued",
		zap.String("item_id", id),
		zap.String("stream", string(name)),
		zap.Int("bytes", len(payload)),
	)
	return id, nil
}

// EnqueueJSON converts a JSON record through the stream's codec and
// enqueues the stored form.
func (s *SignalService) EnqueueJSON(ctx context.Context, name domain.StreamName, raw []byte) (string, error) {
	if !name.IsValid() {
		return "", domain.ErrInvalidStream
	}
	codec, ok := s.codecs.Lookup(name)
	if !ok {
		return "", &domain.UnsupportedStreamError{Stream: name}
	}
	payload, err := codec.FromJSON(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidRecord, err)
	}
	return s.Enqueue(ctx, name, payload)
}

// RecordTerminalEvent writes a system event noting that the agent is
// stopping. It is best effort: failures are logged and not returned.
func (s *SignalService) RecordTerminalEvent(ctx context.Context, signal string) {
	payload, err := stream.Encode(stream.SystemEvent{
		Timestamp: s.clock.Now().UTC(),
		Kind:      "shutdown",
		Detail:    signal,
	})
	if err != nil {
		s.logger.Warn("encode terminal event", zap.Error(err))
		return
	}
	if _, err := s.store.Enqueue(ctx, domain.StreamSystem, payload); err != nil {
		s.logger.Warn("record terminal event", zap.String("signal", signal), zap.Error(err))
		return
	}
	s.logger.Info("terminal event recorded", zap.String("signal", signal))
}

func (s *SignalService) Status(ctx context.Context) (*Status, error) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	state, err := s.store.SyncState(ctx)
	if err != nil {
		return nil, err
	}

	st := &Status{
		Queue:         stats,
		LastAttemptAt: state.LastAttemptAt,
		LastSuccessAt: state.LastSuccessAt,
	}
	if s.view != nil {
		st.NeedsReconfiguration = s.view.Halted()
		st.Syncing = s.view.Running()
		st.Schedule = s.view.Schedule()
		if next, ok := s.view.NextWake(); ok {
			st.NextSyncAt = &next
		}
	}
	return st, nil
}
