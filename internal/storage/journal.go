package storage

import (
	"context"
	"time"

	"taskd/internal/eventbus"
	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

// Journal copies finished runs from the event bus into a Store.
type Journal struct {
	store Store
	log   logx.Logger

	events <-chan eventbus.Event
	unsub  func()
}

// NewJournal subscribes immediately so runs finishing before Run starts are
// buffered rather than lost.
func NewJournal(bus eventbus.Bus, store Store, log logx.Logger) *Journal {
	if log.IsZero() {
		log = logx.Nop()
	}
	ch, unsub := bus.Subscribe(256, eventbus.TaskFinished, eventbus.TaskFailed)
	return &Journal{store: store, log: log.With(logx.String("comp", "journal")), events: ch, unsub: unsub}
}

// Run drains the subscription until ctx is done, then flushes what is
// already buffered.
func (j *Journal) Run(ctx context.Context) error {
	defer j.unsub()
	for {
		select {
		case <-ctx.Done():
			j.flush()
			return nil
		case ev, ok := <-j.events:
			if !ok {
				return nil
			}
			j.write(ctx, ev)
		}
	}
}

func (j *Journal) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case ev, ok := <-j.events:
			if !ok {
				return
			}
			j.write(ctx, ev)
		default:
			return
		}
	}
}

func (j *Journal) write(ctx context.Context, ev eventbus.Event) {
	e, ok := entryFromEvent(ev)
	if !ok {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := j.store.AppendRun(wctx, e); err != nil {
		j.log.Warn("run journal append failed", logx.Uint64("task_id", e.TaskID), logx.Err(err))
	}
}

func entryFromEvent(ev eventbus.Event) (RunEntry, bool) {
	p, ok := ev.Data.(task.Event)
	if !ok || p.Run == nil {
		return RunEntry{}, false
	}
	return RunEntry{
		TaskID:  uint64(p.TaskID),
		Name:    p.Name,
		RunID:   p.Run.RunID,
		Started: p.Run.Started,
		TookMS:  p.Run.Duration.Milliseconds(),
		OK:      p.Run.Result.OK(),
		Error:   p.Run.Result.Err,
	}, true
}
