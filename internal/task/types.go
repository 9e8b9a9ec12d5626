// Package task holds the data model shared by the timing engine and the task
// manager: schedules, executors, states and run results.
package task

import (
	"fmt"
	"strings"
	"time"
)

// ID identifies a task. Zero means "let the manager assign one".
type ID uint64

type State int

const (
	StateIdle State = iota
	StateRunning
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// RunResult is the outcome of a finished execution. An empty Err means Ok.
type RunResult struct {
	Err string `json:"err,omitempty"`
}

func Ok() RunResult               { return RunResult{} }
func Failed(msg string) RunResult { return RunResult{Err: msg} }
func (r RunResult) OK() bool      { return r.Err == "" }
func (r RunResult) String() string {
	if r.OK() {
		return "ok"
	}
	return "err: " + r.Err
}

type LastRun struct {
	At     time.Time `json:"at"`
	Result RunResult `json:"result"`
}

// RunRecord is one entry of a task's bounded run history.
type RunRecord struct {
	RunID    string        `json:"run_id"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Result   RunResult     `json:"result"`
}

// Task is a snapshot of a registered task. Values returned by the manager
// are copies; mutating them has no effect on the registry.
type Task struct {
	ID        ID
	Name      string
	Schedule  Schedule
	State     State
	LastRun   *LastRun
	NextRun   *time.Time
	CreatedAt time.Time

	Runs     uint64
	Failures uint64
	History  []RunRecord

	Executor Executor `json:"-"`
}

// Clone returns a deep copy safe to hand outside the registry lock.
func (t Task) Clone() Task {
	cp := t
	if t.LastRun != nil {
		lr := *t.LastRun
		cp.LastRun = &lr
	}
	if t.NextRun != nil {
		nr := *t.NextRun
		cp.NextRun = &nr
	}
	if t.History != nil {
		cp.History = append([]RunRecord(nil), t.History...)
	}
	return cp
}

// Validate is the single input check run before any registry mutation.
func Validate(name string, sched Schedule, exec Executor) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: task name is empty", ErrValidation)
	}
	if exec == nil || nilFunc(exec) {
		return fmt.Errorf("%w: task executor is nil", ErrValidation)
	}
	return sched.Validate()
}
