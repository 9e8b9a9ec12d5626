// Package timing turns triggers into fire events.
//
// A single dispatch goroutine keeps armed entries in a min-heap and sleeps
// until the earliest one is due. Due entries are appended to a FIFO ready
// queue drained by a fixed pool of MaxParallel workers, which is the global
// cap on concurrently running callbacks. A saturated pool defers firings
// instead of dropping them, and each entry holds at most one deferred firing.
package timing

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	rtsup "taskd/internal/runtime/supervisor"
	logx "taskd/pkg/logx"
)

type Engine struct {
	mu   sync.Mutex
	cond *sync.Cond

	cfg Config
	log logx.Logger
	now func() time.Time

	entries map[uint64]*entry
	due     dueHeap
	ready   []*entry

	inFlight   int
	peakFlight int
	fired      uint64
	coalesced  uint64
	panics     uint64

	wake     chan struct{}
	started  bool
	stopping bool
	sup      *rtsup.Supervisor
}

func New(cfg Config, log logx.Logger) *Engine {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = DefaultMaxParallel
	}
	if cfg.MaxEntries < 0 {
		cfg.MaxEntries = 0
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "timing")),
		now:     time.Now,
		entries: make(map[uint64]*entry),
		wake:    make(chan struct{}, 1),
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Register arms trig for id and returns the first fire time. Registration is
// allowed before Start; firings begin once the engine runs.
func (e *Engine) Register(id uint64, trig Trigger, cb Callback) (time.Time, error) {
	if cb == nil {
		return time.Time{}, fmt.Errorf("%w: callback is nil", ErrInvalidTrigger)
	}
	if !trig.valid() {
		return time.Time{}, ErrInvalidTrigger
	}

	e.mu.Lock()
	if e.stopping {
		e.mu.Unlock()
		return time.Time{}, ErrStopped
	}
	if _, ok := e.entries[id]; ok {
		e.mu.Unlock()
		return time.Time{}, fmt.Errorf("%w: %d", ErrDuplicate, id)
	}
	if e.cfg.MaxEntries > 0 && len(e.entries) >= e.cfg.MaxEntries {
		e.mu.Unlock()
		return time.Time{}, fmt.Errorf("%w: %d entries", ErrCapacity, e.cfg.MaxEntries)
	}
	next := trig.first(e.now())
	if next.IsZero() {
		e.mu.Unlock()
		return time.Time{}, fmt.Errorf("%w: trigger never fires", ErrInvalidTrigger)
	}
	en := &entry{id: id, trig: trig, cb: cb, next: next, index: -1}
	e.entries[id] = en
	heap.Push(&e.due, en)
	e.mu.Unlock()

	e.poke()
	e.log.Debug("timing entry registered", logx.Uint64("id", id), logx.Time("next", next))
	return next, nil
}

// Remove deregisters id. When Remove returns, no new callback for id will
// start; a callback already running is left to finish.
func (e *Engine) Remove(id uint64) bool {
	e.mu.Lock()
	en, ok := e.entries[id]
	if !ok {
		e.mu.Unlock()
		return false
	}
	en.cancelled = true
	if en.index >= 0 {
		heap.Remove(&e.due, en.index)
	}
	if en.queued {
		e.dropReadyLocked(en)
	}
	en.next = time.Time{}
	delete(e.entries, id)
	e.mu.Unlock()

	e.poke()
	e.log.Debug("timing entry removed", logx.Uint64("id", id))
	return true
}

// Kick queues an immediate firing for id. It reports false when a firing is
// already queued, in which case the request is absorbed. Exhausted one-shot
// entries cannot be kicked.
func (e *Engine) Kick(id uint64) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopping {
		return false, ErrStopped
	}
	en, ok := e.entries[id]
	if !ok || en.exhausted {
		return false, fmt.Errorf("%w: %d", ErrUnknownEntry, id)
	}
	if en.queued {
		e.coalesced++
		return false, nil
	}
	en.queued = true
	en.pending = Firing{ID: id, Due: e.now(), Next: en.next}
	e.ready = append(e.ready, en)
	e.cond.Signal()
	return true, nil
}

// Next returns the armed fire time for id.
func (e *Engine) Next(id uint64) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	en, ok := e.entries[id]
	if !ok || en.next.IsZero() {
		return time.Time{}, false
	}
	return en.next, true
}

// Start launches the dispatch loop and the worker pool. It is idempotent.
func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	e.mu.Lock()
	if e.stopping {
		e.mu.Unlock()
		return ErrStopped
	}
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	workers := e.cfg.MaxParallel
	e.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(e.log),
		rtsup.WithCancelOnError(false),
	)
	sup := e.sup
	e.mu.Unlock()

	sup.GoRestart("dispatch", func(c context.Context) error {
		e.dispatch(c)
		return e.exitErr(c, "dispatch")
	}, rtsup.WithPublishFirstError(true))

	for i := 0; i < workers; i++ {
		name := fmt.Sprintf("worker.%d", i)
		sup.GoRestart(name, func(c context.Context) error {
			e.worker(c)
			return e.exitErr(c, name)
		}, rtsup.WithPublishFirstError(true))
	}

	// Workers park on a sync.Cond; turn context cancellation into a broadcast.
	sup.Go0("stop-watch", func(c context.Context) {
		<-c.Done()
		e.mu.Lock()
		e.stopping = true
		e.cond.Broadcast()
		e.mu.Unlock()
	})

	e.log.Info("timing engine started", logx.Int("max_parallel", workers), logx.Int("entries", e.Len()))
	return nil
}

// Stop halts dispatching, cancels the callback context and waits for workers
// until ctx expires. Queued firings that never started are discarded.
func (e *Engine) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	e.mu.Lock()
	e.stopping = true
	sup := e.sup
	e.cond.Broadcast()
	e.mu.Unlock()

	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		e.log.Warn("timing engine stop timed out", logx.Err(err))
		return err
	}
	if err != nil {
		e.log.Warn("timing engine stopped with error", logx.Err(err))
	} else {
		e.log.Info("timing engine stopped")
	}
	return nil
}

func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.entries)
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		Running:     e.started && !e.stopping,
		MaxParallel: e.cfg.MaxParallel,
		Entries:     len(e.entries),
		Queued:      len(e.ready),
		InFlight:    e.inFlight,
		PeakFlight:  e.peakFlight,
		Fired:       e.fired,
		Coalesced:   e.coalesced,
		Panics:      e.panics,
	}
}

func (e *Engine) poke() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) exitErr(ctx context.Context, name string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	e.mu.Lock()
	stopping := e.stopping
	e.mu.Unlock()
	if stopping {
		return context.Canceled
	}
	return fmt.Errorf("%s exited unexpectedly", name)
}

func (e *Engine) dropReadyLocked(en *entry) {
	n := 0
	for _, r := range e.ready {
		if r == en {
			continue
		}
		e.ready[n] = r
		n++
	}
	for i := n; i < len(e.ready); i++ {
		e.ready[i] = nil
	}
	e.ready = e.ready[:n]
	en.queued = false
}
