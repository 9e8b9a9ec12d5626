package task

import (
	"errors"
	"fmt"
)

var (
	ErrValidation   = errors.New("validation error")
	ErrNotFound     = errors.New("task not found")
	ErrScheduler    = errors.New("scheduler error")
	ErrNotCancelled = errors.New("task is not cancelled")
	ErrCancelled    = errors.New("task is cancelled")
)

// JobError reports a failed execution. It is recorded in task history and
// logged; it never reaches the caller of Add or the dispatch loop.
type JobError struct {
	TaskID ID
	Name   string
	Err    error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("task %d (%s): %v", e.TaskID, e.Name, e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }
