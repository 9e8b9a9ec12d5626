package task

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// CronParser accepts both 5-field and 6-field (leading seconds) expressions
// as well as descriptors like "@hourly" and "@every 5m".
var CronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type ScheduleKind int

const (
	ScheduleOnce ScheduleKind = iota + 1
	ScheduleInterval
	ScheduleCron
)

func (k ScheduleKind) String() string {
	switch k {
	case ScheduleOnce:
		return "once"
	case ScheduleInterval:
		return "interval"
	case ScheduleCron:
		return "cron"
	default:
		return "unknown"
	}
}

// Schedule describes when a task fires. Build it with Once, Interval or Cron.
type Schedule struct {
	Kind  ScheduleKind
	Every time.Duration // Once delay or Interval period
	Expr  string        // Cron expression
}

// Once fires a single time, d after registration.
func Once(d time.Duration) Schedule { return Schedule{Kind: ScheduleOnce, Every: d} }

// Interval fires every d, the first time d after registration.
func Interval(d time.Duration) Schedule { return Schedule{Kind: ScheduleInterval, Every: d} }

// Cron fires on every timestamp matching expr.
func Cron(expr string) Schedule { return Schedule{Kind: ScheduleCron, Expr: strings.TrimSpace(expr)} }

func (s Schedule) String() string {
	switch s.Kind {
	case ScheduleOnce:
		return "once:" + s.Every.String()
	case ScheduleInterval:
		return "interval:" + s.Every.String()
	case ScheduleCron:
		return "cron:" + s.Expr
	default:
		return "unknown"
	}
}

// Validate checks the schedule's own invariants. Cron expressions are parsed
// here so a bad expression fails at registration, not at fire time.
func (s Schedule) Validate() error {
	switch s.Kind {
	case ScheduleOnce, ScheduleInterval:
		if s.Every <= 0 {
			return fmt.Errorf("%w: %s duration must be greater than 0", ErrValidation, s.Kind)
		}
		return nil
	case ScheduleCron:
		if strings.TrimSpace(s.Expr) == "" {
			return fmt.Errorf("%w: cron expression is empty", ErrValidation)
		}
		if _, err := ParseCron(s.Expr); err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown schedule kind %d", ErrValidation, int(s.Kind))
	}
}

// ParseCron parses expr with CronParser.
func ParseCron(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("cron expression is empty")
	}
	sched, err := CronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// NextRuns previews the next n fire times of a cron expression after from.
func NextRuns(expr string, from time.Time, n int) ([]time.Time, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, n)
	t := from
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out, nil
}
