package timing

import (
	"time"

	"github.com/robfig/cron/v3"
)

type triggerKind int

const (
	triggerOnce triggerKind = iota + 1
	triggerEvery
	triggerCron
)

// Trigger turns a schedule into fire times. Build it with OnceAfter, Every or
// CronTrigger.
type Trigger struct {
	kind  triggerKind
	every time.Duration
	cron  cron.Schedule
}

// OnceAfter fires once, d after registration.
func OnceAfter(d time.Duration) Trigger { return Trigger{kind: triggerOnce, every: d} }

// Every fires every d, starting d after registration. Missed ticks are not
// caught up: the next tick is always computed from the actual fire time.
func Every(d time.Duration) Trigger { return Trigger{kind: triggerEvery, every: d} }

// CronTrigger fires at every time sched yields, evaluated from "now" at
// registration and after each firing.
func CronTrigger(sched cron.Schedule) Trigger { return Trigger{kind: triggerCron, cron: sched} }

func (t Trigger) valid() bool {
	switch t.kind {
	case triggerOnce, triggerEvery:
		return t.every > 0
	case triggerCron:
		return t.cron != nil
	default:
		return false
	}
}

// first returns the initial fire time for a registration made at now.
func (t Trigger) first(now time.Time) time.Time {
	switch t.kind {
	case triggerOnce, triggerEvery:
		return now.Add(t.every)
	case triggerCron:
		return t.cron.Next(now)
	default:
		return time.Time{}
	}
}

// after returns the fire time following a firing at now. Zero means the
// registration is exhausted.
func (t Trigger) after(now time.Time) time.Time {
	switch t.kind {
	case triggerEvery:
		return now.Add(t.every)
	case triggerCron:
		return t.cron.Next(now)
	default:
		return time.Time{}
	}
}
