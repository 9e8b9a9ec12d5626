package manager

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"taskd/internal/eventbus"
	"taskd/internal/task"
	"taskd/internal/task/timing"
	logx "taskd/pkg/logx"
)

// fire is the callback bound to the timing engine for one task.
func (m *Manager) fire(ctx context.Context, id task.ID, f timing.Firing) {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	if f.Next.IsZero() {
		t.NextRun = nil
	} else {
		next := f.Next
		t.NextRun = &next
	}
	switch t.State {
	case task.StateCancelled:
		m.mu.Unlock()
		return
	case task.StateRunning:
		// A deferred firing caught up with the run it was waiting behind.
		ev := eventFor(t, "overlap")
		m.mu.Unlock()
		m.publish(eventbus.TaskSkipped, ev)
		m.log.Debug("task still running, firing skipped", logx.Uint64("id", uint64(id)))
		return
	}
	t.State = task.StateRunning
	exec := t.Executor
	name := t.Name
	ev := eventFor(t, "")
	m.mu.Unlock()

	m.publish(eventbus.TaskStarted, ev)

	runID := uuid.NewString()
	started := m.now()
	err := m.execute(ctx, exec)
	finished := m.now()

	res := task.Ok()
	if err != nil {
		msg := err.Error()
		if msg == "" {
			msg = "job failed"
		}
		res = task.Failed(msg)
	}
	rec := task.RunRecord{
		RunID:    runID,
		Started:  started,
		Duration: finished.Sub(started),
		Result:   res,
	}

	m.mu.Lock()
	if t.State == task.StateCancelled {
		// Cancelled mid-run; the late result is discarded.
		m.mu.Unlock()
		m.log.Debug("run finished after cancel, result discarded",
			logx.Uint64("id", uint64(id)),
			logx.String("run_id", runID),
			logx.String("result", res.String()),
		)
		return
	}
	t.LastRun = &task.LastRun{At: finished, Result: res}
	t.Runs++
	if err != nil {
		t.Failures++
	}
	t.History = append(t.History, rec)
	if over := len(t.History) - m.history; over > 0 {
		t.History = append(t.History[:0:0], t.History[over:]...)
	}
	t.State = task.StateIdle
	ev = eventFor(t, "")
	ev.Run = &rec
	m.mu.Unlock()

	if err != nil {
		m.publish(eventbus.TaskFailed, ev)
		m.report.failed(&task.JobError{TaskID: id, Name: name, Err: err}, rec)
		return
	}
	m.publish(eventbus.TaskFinished, ev)
	m.log.Debug("task run finished",
		logx.Uint64("id", uint64(id)),
		logx.String("run_id", runID),
		logx.Duration("took", rec.Duration),
	)
}

// execute runs the job and turns a panic into an error.
func (m *Manager) execute(ctx context.Context, exec task.Executor) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("task panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return exec.Execute(ctx)
}

// runPoll is the WaitIdle polling period.
const runPoll = 10 * time.Millisecond

// WaitIdle blocks until task id is not Running or ctx is done. It is meant
// for shutdown paths and tests.
func (m *Manager) WaitIdle(ctx context.Context, id task.ID) error {
	tk := time.NewTicker(runPoll)
	defer tk.Stop()
	for {
		t, err := m.Get(id)
		if err != nil {
			return err
		}
		if t.State != task.StateRunning {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tk.C:
		}
	}
}
