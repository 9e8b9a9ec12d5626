package timing

import (
	"context"
	"errors"
	"time"
)

const DefaultMaxParallel = 5

var (
	ErrStopped        = errors.New("timing engine stopped")
	ErrDuplicate      = errors.New("timing entry already registered")
	ErrInvalidTrigger = errors.New("invalid trigger")
	ErrCapacity       = errors.New("timing engine at capacity")
	ErrUnknownEntry   = errors.New("timing entry not registered")
)

// Config controls the timing engine.
type Config struct {
	// MaxParallel caps concurrently running callbacks across all entries.
	// 0 means DefaultMaxParallel.
	MaxParallel int

	// MaxEntries caps live registrations. 0 disables the limit.
	MaxEntries int
}

// Firing describes one fire event handed to a Callback.
type Firing struct {
	ID  uint64
	Due time.Time
	// Next is the following fire time, zero when the registration is exhausted.
	Next time.Time
}

// Callback is invoked on a pool worker for every firing. ctx is cancelled
// when the engine stops.
type Callback func(ctx context.Context, f Firing)

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running     bool `json:"running"`
	MaxParallel int  `json:"max_parallel"`
	Entries     int  `json:"entries"`
	Queued      int  `json:"queued"`
	InFlight    int  `json:"in_flight"`
	PeakFlight  int  `json:"peak_in_flight"`

	Fired     uint64 `json:"fired"`
	Coalesced uint64 `json:"coalesced"`
	Panics    uint64 `json:"panics"`
}

type entry struct {
	id   uint64
	trig Trigger
	cb   Callback

	next  time.Time
	index int // position in dueHeap, -1 when not armed

	queued  bool
	pending Firing
	running int

	cancelled bool
	exhausted bool
}
