package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "taskd/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db   *sql.DB
	log  logx.Logger
	keep int

	writes     atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log, keep: cfg.Keep, pruneEvery: 100}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendRun(ctx context.Context, e RunEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.Started.IsZero() {
		e.Started = time.Now()
	}
	ok := 0
	if e.OK {
		ok = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(task_id, name, run_id, started, took_ms, ok, err) VALUES(?,?,?,?,?,?,?)`,
		int64(e.TaskID), e.Name, e.RunID, e.Started.UTC().Format(time.RFC3339Nano), e.TookMS, ok, nullStr(e.Error),
	)
	if err != nil {
		return err
	}
	if s.writes.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		if err := s.prune(pctx); err != nil {
			s.log.Debug("sqlite prune failed", logx.Err(err))
		}
		cancel()
	}
	return nil
}

// prune keeps the newest s.keep rows per task.
func (s *sqliteStore) prune(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE seq IN (
			SELECT seq FROM (
				SELECT seq, ROW_NUMBER() OVER (PARTITION BY task_id ORDER BY seq DESC) AS rn FROM runs
			) WHERE rn > ?
		)`, s.keep)
	return err
}

func (s *sqliteStore) RecentRuns(ctx context.Context, taskID uint64, limit int) ([]RunEntry, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = s.keep
	}
	var (
		rows *sql.Rows
		err  error
	)
	const cols = `SELECT task_id, name, run_id, started, took_ms, ok, err FROM runs`
	if taskID == 0 {
		rows, err = s.db.QueryContext(ctx, cols+` ORDER BY seq DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, cols+` WHERE task_id = ? ORDER BY seq DESC LIMIT ?`, int64(taskID), limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]RunEntry, 0, limit)
	for rows.Next() {
		var (
			e       RunEntry
			id      int64
			started string
			ok      int
			msg     sql.NullString
		)
		if err := rows.Scan(&id, &e.Name, &e.RunID, &started, &e.TookMS, &ok, &msg); err != nil {
			return nil, err
		}
		e.TaskID = uint64(id)
		e.Started, _ = time.Parse(time.RFC3339Nano, started)
		e.OK = ok == 1
		e.Error = msg.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
