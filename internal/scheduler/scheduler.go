package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/notifyhub/signal-sync/internal/domain"
	"github.com/notifyhub/signal-sync/internal/schedule"
)

// Target is the coordinator as the scheduler sees it.
type Target interface {
	Running() bool
	Halted() bool
	Reconfigure()
}

// Scheduler wakes the sync trigger at the times the current schedule
// resolves to. The timer, the background slot and "sync now" all end up
// in the same trigger, which runs on the scheduler goroutine.
type Scheduler struct {
	trigger func(ctx context.Context)
	target  Target
	clock   clockwork.Clock
	logger  *zap.Logger

	mu      sync.Mutex
	spec    domain.ScheduleSpec
	next    time.Time
	hasNext bool

	syncNow chan struct{}
	rearm   chan struct{}
}

func New(expr string, trigger func(ctx context.Context), target Target, clk clockwork.Clock, logger *zap.Logger) *Scheduler {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		trigger: trigger,
		target:  target,
		clock:   clk,
		logger:  logger,
		spec:    schedule.Resolve(expr),
		syncNow: make(chan struct{}, 1),
		rearm:   make(chan struct{}, 1),
	}
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	spec := s.Schedule()
	s.logger.Info("scheduler started",
		zap.String("schedule", spec.Expression),
		zap.Duration("interval", spec.Interval),
		zap.Bool("manual", spec.Manual),
		zap.Bool("fallback", spec.Fallback),
	)

	for {
		// A fresh channel per timer, so a callback that lost the race
		// with Stop cannot trigger the next wait.
		fired := make(chan struct{}, 1)
		timer := s.arm(fired)

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			s.logger.Info("scheduler stopping")
			return
		case <-fired:
			s.fire(ctx, "timer")
		case <-s.syncNow:
			s.fire(ctx, "sync_now")
		case <-s.rearm:
		}

		if timer != nil {
			timer.Stop()
		}
	}
}

// arm computes the next wake from now and starts a timer for it. It
// returns nil when nothing should fire automatically.
func (s *Scheduler) arm(fired chan<- struct{}) clockwork.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if s.target.Halted() {
		s.hasNext = false
		s.logger.Warn("sync halted until the device is reconfigured")
		return nil
	}
	s.next, s.hasNext = schedule.NextRunTime(s.spec.Expression, now)
	if !s.hasNext {
		return nil
	}
	return s.clock.AfterFunc(s.next.Sub(now), func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})
}

func (s *Scheduler) fire(ctx context.Context, reason string) {
	s.logger.Debug("sync triggered", zap.String("reason", reason))
	s.trigger(ctx)
}

// SyncNow requests an immediate cycle. A request made while a cycle is
// running, or while another request is pending, is dropped with
// ErrCycleInProgress.
func (s *Scheduler) SyncNow() error {
	if s.target.Running() {
		return domain.ErrCycleInProgress
	}
	select {
	case s.syncNow <- struct{}{}:
		return nil
	default:
		return domain.ErrCycleInProgress
	}
}

// UpdateSchedule switches to a new expression and re-arms the timer.
// Unrecognised expressions fall back to the default interval.
func (s *Scheduler) UpdateSchedule(expr string) domain.ScheduleSpec {
	spec := schedule.Resolve(expr)

	s.mu.Lock()
	changed := spec.Expression != s.spec.Expression
	s.spec = spec
	s.mu.Unlock()

	if changed {
		s.logger.Info("sync schedule updated",
			zap.String("schedule", spec.Expression),
			zap.Duration("interval", spec.Interval),
			zap.Bool("fallback", spec.Fallback),
		)
	}
	s.signalRearm()
	return spec
}

// Reconfigured clears an auth halt and re-arms. Called when the device
// identity changes.
func (s *Scheduler) Reconfigured() {
	s.target.Reconfigure()
	s.signalRearm()
}

func (s *Scheduler) signalRearm() {
	select {
	case s.rearm <- struct{}{}:
	default:
	}
}

// NextWake reports when the timer fires next. It is false for manual
// schedules, while halted, and before Run has armed the first timer.
func (s *Scheduler) NextWake() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next, s.hasNext
}

// Upcoming computes the wake that would follow a cycle ending now. The
// budget guard uses it to request the next background slot while the
// current timer has already fired.
func (s *Scheduler) Upcoming() (time.Time, bool) {
	if s.target.Halted() {
		return time.Time{}, false
	}
	return schedule.NextRunTime(s.Schedule().Expression, s.clock.Now())
}

func (s *Scheduler) Schedule() domain.ScheduleSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spec
}
