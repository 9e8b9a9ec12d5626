package api

import (
	"time"

	"taskd/internal/task"
)

type taskView struct {
	ID        task.ID          `json:"id"`
	Name      string           `json:"name"`
	Schedule  string           `json:"schedule"`
	Kind      string           `json:"kind,omitempty"`
	State     string           `json:"state"`
	LastRun   *task.LastRun    `json:"last_run,omitempty"`
	NextRun   *time.Time       `json:"next_run,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	Runs      uint64           `json:"runs"`
	Failures  uint64           `json:"failures"`
	History   []task.RunRecord `json:"history,omitempty"`
}

func viewOf(t task.Task, withHistory bool) taskView {
	v := taskView{
		ID:        t.ID,
		Name:      t.Name,
		Schedule:  t.Schedule.String(),
		State:     t.State.String(),
		LastRun:   t.LastRun,
		NextRun:   t.NextRun,
		CreatedAt: t.CreatedAt,
		Runs:      t.Runs,
		Failures:  t.Failures,
	}
	if t.Executor != nil {
		v.Kind = t.Executor.Kind().String()
	}
	if withHistory {
		v.History = t.History
	}
	return v
}
