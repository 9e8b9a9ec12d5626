// Package manager owns the task registry. It validates new tasks, binds them
// to a timing engine and wraps every firing so that state, history and
// failure reporting stay consistent.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"taskd/internal/eventbus"
	"taskd/internal/task"
	"taskd/internal/task/timing"
	logx "taskd/pkg/logx"
)

const DefaultHistorySize = 20

// Scheduler is the part of the timing engine the manager needs.
type Scheduler interface {
	Register(id uint64, trig timing.Trigger, cb timing.Callback) (time.Time, error)
	Remove(id uint64) bool
	Kick(id uint64) (bool, error)
	Next(id uint64) (time.Time, bool)
}

type Config struct {
	// HistorySize bounds the per-task run history. 0 means DefaultHistorySize.
	HistorySize int
	// FailureLogEvery throttles failure warnings per task. 0 logs every failure.
	FailureLogEvery time.Duration
}

// Spec is the input to AddTask. ID and CreatedAt are assigned when zero.
type Spec struct {
	ID        task.ID
	Name      string
	Schedule  task.Schedule
	Executor  task.Executor
	CreatedAt time.Time
}

type Manager struct {
	mu     sync.Mutex
	tasks  map[task.ID]*task.Task
	lastID task.ID

	sched   Scheduler
	bus     eventbus.Bus
	log     logx.Logger
	history int
	report  *failureReporter
	now     func() time.Time
}

func New(sched Scheduler, bus eventbus.Bus, log logx.Logger, cfg Config) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	log = log.With(logx.String("comp", "tasks"))
	return &Manager{
		tasks:   make(map[task.ID]*task.Task),
		sched:   sched,
		bus:     bus,
		log:     log,
		history: cfg.HistorySize,
		report:  newFailureReporter(log, cfg.FailureLogEvery),
		now:     time.Now,
	}
}

// Add registers a task under a fresh id.
func (m *Manager) Add(ctx context.Context, name string, sched task.Schedule, exec task.Executor) (task.ID, error) {
	return m.AddTask(ctx, Spec{Name: name, Schedule: sched, Executor: exec})
}

// AddTask validates spec, binds it to the scheduler and inserts it into the
// registry. On any error the registry is unchanged and no id is consumed.
func (m *Manager) AddTask(ctx context.Context, spec Spec) (task.ID, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
	}
	if err := task.Validate(spec.Name, spec.Schedule, spec.Executor); err != nil {
		return 0, err
	}
	trig, err := triggerFor(spec.Schedule)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	id := spec.ID
	if id == 0 {
		id = m.lastID + 1
	} else if _, exists := m.tasks[id]; exists {
		m.mu.Unlock()
		return 0, fmt.Errorf("%w: task id %d already in use", task.ErrValidation, id)
	} else if id <= m.lastID {
		m.mu.Unlock()
		return 0, fmt.Errorf("%w: task id %d was already issued", task.ErrValidation, id)
	}

	// The registry lock is held across Register so a firing cannot observe the
	// id before the task is inserted.
	next, err := m.sched.Register(uint64(id), trig, func(ctx context.Context, f timing.Firing) {
		m.fire(ctx, id, f)
	})
	if err != nil {
		m.mu.Unlock()
		return 0, mapSchedulerErr(err)
	}

	created := spec.CreatedAt
	if created.IsZero() {
		created = m.now()
	}
	t := &task.Task{
		ID:        id,
		Name:      spec.Name,
		Schedule:  spec.Schedule,
		State:     task.StateIdle,
		CreatedAt: created,
		Executor:  spec.Executor,
	}
	if !next.IsZero() {
		t.NextRun = &next
	}
	m.tasks[id] = t
	m.lastID = id
	ev := eventFor(t, "")
	m.mu.Unlock()

	m.publish(eventbus.TaskAdded, ev)
	m.log.Info("task added",
		logx.Uint64("id", uint64(id)),
		logx.String("name", spec.Name),
		logx.String("schedule", spec.Schedule.String()),
		logx.String("kind", spec.Executor.Kind().String()),
	)
	return id, nil
}

// Cancel moves a task to the terminal Cancelled state and deregisters it.
// Cancelling an already cancelled task is a no-op. A run in progress is left
// to finish but cannot move the task out of Cancelled.
func (m *Manager) Cancel(id task.ID) error {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d", task.ErrNotFound, id)
	}
	if t.State == task.StateCancelled {
		m.mu.Unlock()
		return nil
	}
	t.State = task.StateCancelled
	t.NextRun = nil
	m.sched.Remove(uint64(id))
	ev := eventFor(t, "")
	m.mu.Unlock()

	m.report.forget(id)
	m.publish(eventbus.TaskCancelled, ev)
	m.log.Info("task cancelled", logx.Uint64("id", uint64(id)), logx.String("name", t.Name))
	return nil
}

// Purge drops a cancelled task from the registry.
func (m *Manager) Purge(id task.ID) error {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d", task.ErrNotFound, id)
	}
	if t.State != task.StateCancelled {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d is %s", task.ErrNotCancelled, id, t.State)
	}
	delete(m.tasks, id)
	ev := eventFor(t, "")
	m.mu.Unlock()

	m.publish(eventbus.TaskPurged, ev)
	return nil
}

// RunNow queues an immediate firing. It shares the concurrency cap with
// scheduled firings and is skipped if the task is still running when the
// firing starts.
func (m *Manager) RunNow(id task.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %d", task.ErrNotFound, id)
	}
	if t.State == task.StateCancelled {
		return fmt.Errorf("%w: %d", task.ErrCancelled, id)
	}
	if _, err := m.sched.Kick(uint64(id)); err != nil {
		return mapSchedulerErr(err)
	}
	return nil
}

// Get returns a copy of the task.
func (m *Manager) Get(id task.ID) (task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return task.Task{}, fmt.Errorf("%w: %d", task.ErrNotFound, id)
	}
	return m.snapshotLocked(t), nil
}

// List returns copies of every task ordered by id.
func (m *Manager) List() []task.Task {
	m.mu.Lock()
	out := make([]task.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, m.snapshotLocked(t))
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// snapshotLocked copies t with NextRun read from the scheduler, which re-arms
// an entry before a worker picks up the firing.
func (m *Manager) snapshotLocked(t *task.Task) task.Task {
	c := t.Clone()
	if c.State == task.StateCancelled {
		return c
	}
	if next, ok := m.sched.Next(uint64(c.ID)); ok {
		c.NextRun = &next
	} else {
		c.NextRun = nil
	}
	return c
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// SetFailureLogEvery changes failure-log throttling at runtime.
func (m *Manager) SetFailureLogEvery(d time.Duration) { m.report.setEvery(d) }

func (m *Manager) publish(typ string, ev task.Event) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: typ, Time: m.now(), Data: ev})
}

func eventFor(t *task.Task, trigger string) task.Event {
	return task.Event{
		TaskID:   t.ID,
		Name:     t.Name,
		Schedule: t.Schedule.String(),
		State:    t.State,
		Trigger:  trigger,
	}
}

func triggerFor(s task.Schedule) (timing.Trigger, error) {
	switch s.Kind {
	case task.ScheduleOnce:
		return timing.OnceAfter(s.Every), nil
	case task.ScheduleInterval:
		return timing.Every(s.Every), nil
	case task.ScheduleCron:
		cs, err := task.ParseCron(s.Expr)
		if err != nil {
			return timing.Trigger{}, fmt.Errorf("%w: %v", task.ErrValidation, err)
		}
		return timing.CronTrigger(cs), nil
	default:
		return timing.Trigger{}, fmt.Errorf("%w: unknown schedule kind %d", task.ErrValidation, int(s.Kind))
	}
}

func mapSchedulerErr(err error) error {
	switch {
	case errors.Is(err, timing.ErrInvalidTrigger):
		return fmt.Errorf("%w: %v", task.ErrValidation, err)
	default:
		return fmt.Errorf("%w: %v", task.ErrScheduler, err)
	}
}
