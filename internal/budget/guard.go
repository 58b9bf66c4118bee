// Package budget runs sync work inside a bounded-time background task.
// The host platform decides how long a task may run and revokes it by
// calling the expiry callback; the guard turns that into context
// cancellation.
package budget

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrExpired is returned when the platform revoked the task before the
// work finished.
var ErrExpired = errors.New("execution budget expired")

// Task is a registered background task.
type Task interface {
	End()
}

// Platform is implemented by the host. BeginTask registers a task and
// arranges for onExpire to be called if its time runs out. ScheduleNext
// asks for the next background slot; a zero time means no automatic slot
// is needed.
type Platform interface {
	BeginTask(name string, onExpire func()) (Task, error)
	ScheduleNext(at time.Time) error
}

// Guard wraps work in a platform task.
type Guard struct {
	platform Platform
	nextWake func() (time.Time, bool)
	logger   *zap.Logger
}

// NewGuard returns a Guard. nextWake supplies the time to request for the
// following slot.
func NewGuard(platform Platform, nextWake func() (time.Time, bool), logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{platform: platform, nextWake: nextWake, logger: logger}
}

// Run executes work with a context that is cancelled when the platform
// revokes the budget. Whatever the outcome, the next slot is requested
// before Run returns.
func (g *Guard) Run(ctx context.Context, name string, work func(ctx context.Context) error) error {
	defer g.scheduleNext()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var expired atomic.Bool
	task, err := g.platform.BeginTask(name, func() {
		expired.Store(true)
		cancel()
	})
	if err != nil {
		return fmt.Errorf("begin background task %s: %w", name, err)
	}
	defer task.End()

	err = work(ctx)
	if expired.Load() {
		g.logger.Warn("background task expired before completion", zap.String("task", name), zap.Error(err))
		if err != nil {
			return fmt.Errorf("%w: %w", ErrExpired, err)
		}
		return ErrExpired
	}
	return err
}

func (g *Guard) scheduleNext() {
	var at time.Time
	if g.nextWake != nil {
		if next, ok := g.nextWake(); ok {
			at = next
		}
	}
	if err := g.platform.ScheduleNext(at); err != nil {
		g.logger.Error("failed to request next background slot", zap.Time("at", at), zap.Error(err))
	}
}
