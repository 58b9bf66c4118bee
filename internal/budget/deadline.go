package budget

import (
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// DeadlinePlatform is the Platform used on desktops, where nothing
// rations background time. Each task gets a fixed budget measured on the
// injected clock.
type DeadlinePlatform struct {
	budget     time.Duration
	clock      clockwork.Clock
	onSchedule func(at time.Time)
	logger     *zap.Logger
}

// NewDeadlinePlatform returns a platform expiring tasks after budget.
// onSchedule receives every ScheduleNext request and may be nil.
func NewDeadlinePlatform(budget time.Duration, clk clockwork.Clock, onSchedule func(time.Time), logger *zap.Logger) *DeadlinePlatform {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeadlinePlatform{budget: budget, clock: clk, onSchedule: onSchedule, logger: logger}
}

type deadlineTask struct {
	timer clockwork.Timer
}

func (t *deadlineTask) End() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (p *DeadlinePlatform) BeginTask(name string, onExpire func()) (Task, error) {
	if p.budget <= 0 {
		return &deadlineTask{}, nil
	}
	timer := p.clock.AfterFunc(p.budget, func() {
		p.logger.Warn("background budget exhausted", zap.String("task", name), zap.Duration("budget", p.budget))
		onExpire()
	})
	return &deadlineTask{timer: timer}, nil
}

func (p *DeadlinePlatform) ScheduleNext(at time.Time) error {
	if p.onSchedule != nil {
		p.onSchedule(at)
	}
	return nil
}

var _ Platform = (*DeadlinePlatform)(nil)
