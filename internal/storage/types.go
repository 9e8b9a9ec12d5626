package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage. An empty Driver or "none" disables it.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// Keep bounds the records retained per task. 0 means DefaultKeep.
	Keep int
}

const DefaultKeep = 200

// RunEntry is one journaled execution. Keep it compact and schema-stable.
type RunEntry struct {
	TaskID  uint64    `json:"task_id"`
	Name    string    `json:"name"`
	RunID   string    `json:"run_id"`
	Started time.Time `json:"started"`
	TookMS  int64     `json:"took_ms"`
	OK      bool      `json:"ok"`
	Error   string    `json:"error,omitempty"`
}

// Store is the persistence API used by the journal and the HTTP API.
type Store interface {
	AppendRun(ctx context.Context, e RunEntry) error
	// RecentRuns returns up to limit entries for taskID, newest first.
	// taskID 0 means all tasks.
	RecentRuns(ctx context.Context, taskID uint64, limit int) ([]RunEntry, error)
	Close() error
}
