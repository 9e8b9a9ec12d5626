package task

import (
	"context"
	"errors"
)

type Kind int

const (
	KindSync Kind = iota + 1
	KindAsync
)

func (k Kind) String() string {
	switch k {
	case KindSync:
		return "sync"
	case KindAsync:
		return "async"
	default:
		return "unknown"
	}
}

// Executor is the unit of work bound to a task. Implementations only report
// success or failure; retries are the schedule's business.
//
// Sync executors block the pool worker they run on and ignore ctx.
// Async executors get a context that is cancelled when the engine stops and
// are expected to return at their own I/O points once it is done.
type Executor interface {
	Kind() Kind
	Execute(ctx context.Context) error
}

// Sync wraps a blocking function.
func Sync(fn func() error) Executor { return syncExec(fn) }

// Async wraps a context-aware function.
func Async(fn func(ctx context.Context) error) Executor { return asyncExec(fn) }

type syncExec func() error

func (syncExec) Kind() Kind { return KindSync }

func (f syncExec) Execute(context.Context) error {
	if f == nil {
		return errors.New("sync executor is nil")
	}
	return f()
}

type asyncExec func(ctx context.Context) error

func (asyncExec) Kind() Kind { return KindAsync }

func (f asyncExec) Execute(ctx context.Context) error {
	if f == nil {
		return errors.New("async executor is nil")
	}
	return f(ctx)
}

func nilFunc(exec Executor) bool {
	switch f := exec.(type) {
	case syncExec:
		return f == nil
	case asyncExec:
		return f == nil
	default:
		return false
	}
}
