package updater

import (
	"context"
	"fmt"
	"sync"

	"taskd/internal/eventbus"
	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

// Job checks for a newer release and hands it to the Applier. It is meant to
// be registered with the task manager on an interval schedule.
type Job struct {
	checker Checker
	applier Applier
	log     logx.Logger

	mu      sync.Mutex
	current string
}

func NewJob(checker Checker, applier Applier, current string, log logx.Logger) *Job {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Job{checker: checker, applier: applier, current: current, log: log.With(logx.String("comp", "updater"))}
}

// Executor returns the job as an async task executor.
func (j *Job) Executor() task.Executor { return task.Async(j.Run) }

func (j *Job) Current() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.current
}

func (j *Job) Run(ctx context.Context) error {
	if j.checker == nil {
		return fmt.Errorf("updater: no checker configured")
	}
	r, err := j.checker.Check(ctx)
	if err != nil {
		return fmt.Errorf("check: %w", err)
	}
	cur := j.Current()
	if !Newer(cur, r.Version) {
		j.log.Debug("no update", logx.String("current", cur), logx.String("latest", r.Version))
		return nil
	}
	j.log.Info("update available",
		logx.String("channel", r.Channel),
		logx.String("current", cur),
		logx.String("latest", r.Version),
		logx.String("artifact", r.Artifact),
	)
	if j.applier == nil {
		return nil
	}
	if err := j.applier.Apply(ctx, r); err != nil {
		return fmt.Errorf("apply %s: %w", r.Version, err)
	}
	j.mu.Lock()
	j.current = r.Version
	j.mu.Unlock()
	return nil
}

// BusApplier announces releases on the event bus instead of installing them.
type BusApplier struct {
	Bus eventbus.Bus
}

func (a BusApplier) Apply(_ context.Context, r Release) error {
	if a.Bus == nil {
		return fmt.Errorf("bus applier: no bus")
	}
	a.Bus.Publish(eventbus.Event{Type: eventbus.UpdateAvailable, Data: r})
	return nil
}
