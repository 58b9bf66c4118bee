// Package schedule turns the server-provided cron-like sync expression
// into a cadence. Resolve never fails: anything it does not recognise runs
// every five minutes.
package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/notifyhub/signal-sync/internal/domain"
)

const (
	Manual   = "manual"
	Realtime = "realtime"

	// RealtimeInterval is the shortest cadence the agent runs at.
	RealtimeInterval = time.Minute
	// DefaultInterval applies to expressions that cannot be parsed.
	DefaultInterval = 5 * time.Minute
)

var descriptors = map[string]string{
	"@hourly": "0 * * * *",
	"@daily":  "0 0 * * *",
	"@weekly": "0 0 * * 0",
}

// Resolve maps an expression to a ScheduleSpec, falling back to
// DefaultInterval with Fallback set.
func Resolve(expr string) domain.ScheduleSpec {
	spec, err := Parse(expr)
	if err != nil {
		return domain.ScheduleSpec{Expression: expr, Interval: DefaultInterval, Fallback: true}
	}
	return spec
}

// Parse is the strict form of Resolve, for rejecting bad input.
func Parse(expr string) (domain.ScheduleSpec, error) {
	norm := strings.ToLower(strings.TrimSpace(expr))
	switch norm {
	case Manual:
		return domain.ScheduleSpec{Expression: expr, Manual: true}, nil
	case Realtime:
		return domain.ScheduleSpec{Expression: expr, Interval: RealtimeInterval}, nil
	}

	_, interval, err := parsePattern(norm)
	if err != nil {
		return domain.ScheduleSpec{}, fmt.Errorf("%w: %q: %v", domain.ErrInvalidSchedule, expr, err)
	}
	return domain.ScheduleSpec{Expression: expr, Interval: interval}, nil
}

// NextRunTime computes the next run from now, never from the last run, so
// a device that was offline catches up on its next wake instead of
// replaying missed runs. It reports false for manual schedules.
func NextRunTime(expr string, now time.Time) (time.Time, bool) {
	spec := Resolve(expr)
	if spec.Manual {
		return time.Time{}, false
	}
	if spec.Fallback || strings.EqualFold(strings.TrimSpace(expr), Realtime) {
		return now.Add(spec.Interval), true
	}

	sched, _, err := parsePattern(strings.ToLower(strings.TrimSpace(expr)))
	if err != nil {
		return now.Add(spec.Interval), true
	}
	// Next evaluates in now's location and returns zero when nothing
	// matches within five years.
	if at := sched.Next(now); !at.IsZero() {
		return at, true
	}
	return now.Add(spec.Interval), true
}
