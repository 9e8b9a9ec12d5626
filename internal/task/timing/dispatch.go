package timing

import (
	"container/heap"
	"context"
	"runtime/debug"
	"time"

	logx "taskd/pkg/logx"
)

// dispatch sleeps until the earliest armed entry is due, moves due entries to
// the ready queue and re-arms them. It never runs callbacks itself.
func (e *Engine) dispatch(ctx context.Context) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		e.mu.Lock()
		if e.stopping {
			e.mu.Unlock()
			return
		}
		now := e.now()
		for e.due.Len() > 0 && !e.due[0].next.After(now) {
			en := heap.Pop(&e.due).(*entry)
			e.fireLocked(en, now)
		}
		var wait time.Duration
		armed := e.due.Len() > 0
		if armed {
			wait = e.due[0].next.Sub(now)
		}
		e.mu.Unlock()

		var tc <-chan time.Time
		if armed {
			if timer == nil {
				timer = time.NewTimer(wait)
			} else {
				timer.Reset(wait)
			}
			tc = timer.C
		}

		select {
		case <-ctx.Done():
			return
		case <-e.wake:
			if timer != nil && !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-tc:
		}
	}
}

// fireLocked hands one due firing to the pool and re-arms the entry. An entry
// already waiting in the ready queue absorbs the firing instead of queueing a
// second one.
func (e *Engine) fireLocked(en *entry, now time.Time) {
	due := en.next
	next := en.trig.after(now)
	if next.IsZero() {
		en.exhausted = true
		en.next = time.Time{}
	} else {
		en.next = next
		heap.Push(&e.due, en)
	}

	if en.queued {
		e.coalesced++
		en.pending.Next = next
		e.log.Debug("timing firing coalesced", logx.Uint64("id", en.id), logx.Time("due", due))
		return
	}
	en.queued = true
	en.pending = Firing{ID: en.id, Due: due, Next: next}
	e.ready = append(e.ready, en)
	e.cond.Signal()
}

// worker drains the ready queue. MaxParallel workers run, so at most that many
// callbacks are ever in flight.
func (e *Engine) worker(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for {
		for len(e.ready) == 0 && !e.stopping {
			e.cond.Wait()
		}
		if e.stopping {
			return
		}

		en := e.ready[0]
		e.ready[0] = nil
		e.ready = e.ready[1:]
		en.queued = false
		if en.cancelled {
			continue
		}

		f := en.pending
		en.running++
		e.inFlight++
		if e.inFlight > e.peakFlight {
			e.peakFlight = e.inFlight
		}
		e.fired++
		e.mu.Unlock()

		ok := e.invoke(ctx, en, f)

		e.mu.Lock()
		en.running--
		e.inFlight--
		if !ok {
			e.panics++
		}
		if en.exhausted && en.running == 0 && !en.queued && e.entries[en.id] == en {
			delete(e.entries, en.id)
		}
	}
}

func (e *Engine) invoke(ctx context.Context, en *entry, f Firing) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			e.log.Error("timing callback panicked",
				logx.Uint64("id", en.id),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()
	en.cb(ctx, f)
	return true
}
