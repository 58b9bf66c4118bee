package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// fieldKind records which of the accepted forms a field used.
type fieldKind int

const (
	fieldAny   fieldKind = iota // *
	fieldStep                   // */N
	fieldValue                  // V
)

type field struct {
	kind  fieldKind
	value int
}

// shapeOf classifies a field that cron has already validated. Lists,
// ranges and names are valid cron but not a device schedule.
func shapeOf(s string) (field, error) {
	switch {
	case s == "*":
		return field{kind: fieldAny}, nil
	case strings.HasPrefix(s, "*/"):
		step, err := strconv.Atoi(s[2:])
		if err != nil {
			return field{}, fmt.Errorf("invalid step %q", s)
		}
		return field{kind: fieldStep, value: step}, nil
	default:
		v, err := strconv.Atoi(s)
		if err != nil {
			return field{}, fmt.Errorf("unsupported field %q", s)
		}
		return field{kind: fieldValue, value: v}, nil
	}
}

// parsePattern recognises the supported shapes:
//
//	* * * * *      every minute
//	*/N * * * *    every N minutes, N divides 60
//	M * * * *      hourly
//	M */N * * *    every N hours, N divides 24
//	M H * * *      daily
//	M H * * D      weekly
//
// A step must divide its period so Interval matches the gap between fires.
func parsePattern(expr string) (cron.Schedule, time.Duration, error) {
	if d, ok := descriptors[expr]; ok {
		expr = d
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, 0, err
	}

	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, 0, fmt.Errorf("expected 5 fields, got %d", len(fields))
	}
	if fields[2] != "*" || fields[3] != "*" {
		return nil, 0, fmt.Errorf("day-of-month and month must be *")
	}

	minute, err := shapeOf(fields[0])
	if err != nil {
		return nil, 0, fmt.Errorf("minute field: %w", err)
	}
	hour, err := shapeOf(fields[1])
	if err != nil {
		return nil, 0, fmt.Errorf("hour field: %w", err)
	}
	weekday, err := shapeOf(fields[4])
	if err != nil {
		return nil, 0, fmt.Errorf("day-of-week field: %w", err)
	}
	if weekday.kind == fieldStep {
		return nil, 0, fmt.Errorf("day-of-week steps are not supported")
	}
	if minute.kind == fieldStep && 60%minute.value != 0 {
		return nil, 0, fmt.Errorf("minute step %d does not divide 60", minute.value)
	}
	if hour.kind == fieldStep && 24%hour.value != 0 {
		return nil, 0, fmt.Errorf("hour step %d does not divide 24", hour.value)
	}

	var interval time.Duration
	switch {
	case weekday.kind == fieldValue:
		if minute.kind != fieldValue || hour.kind != fieldValue {
			return nil, 0, fmt.Errorf("weekly schedules need a fixed minute and hour")
		}
		interval = 7 * 24 * time.Hour
	case minute.kind == fieldAny && hour.kind == fieldAny:
		interval = time.Minute
	case minute.kind == fieldStep && hour.kind == fieldAny:
		interval = time.Duration(minute.value) * time.Minute
	case minute.kind == fieldValue && hour.kind == fieldAny:
		interval = time.Hour
	case minute.kind == fieldValue && hour.kind == fieldStep:
		interval = time.Duration(hour.value) * time.Hour
	case minute.kind == fieldValue && hour.kind == fieldValue:
		interval = 24 * time.Hour
	default:
		return nil, 0, fmt.Errorf("unsupported combination %q", expr)
	}
	return sched, interval, nil
}
