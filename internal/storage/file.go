package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "taskd/pkg/logx"
)

// fileStore appends runs to a JSON Lines file and serves reads from an
// in-memory tail rebuilt from the file at open.
type fileStore struct {
	log  logx.Logger
	keep int

	mu   sync.Mutex
	f    *os.File
	enc  *json.Encoder
	runs []RunEntry // oldest first, bounded per task at open and on append
	per  map[uint64]int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{log: log, keep: cfg.Keep, per: map[uint64]int{}}
	if err := s.replay(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.f = f
	s.enc = json.NewEncoder(f)
	log.Debug("file store opened", logx.String("path", path), logx.Int("runs", len(s.runs)))
	return s, nil
}

func (s *fileStore) replay(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	bad := 0
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e RunEntry
		if err := json.Unmarshal(line, &e); err != nil {
			// Torn trailing lines after a crash are skipped.
			bad++
			continue
		}
		s.addLocked(e)
	}
	if bad > 0 {
		s.log.Warn("skipped unreadable journal lines", logx.Int("count", bad))
	}
	return sc.Err()
}

// addLocked appends e and drops the oldest entry of the same task once the
// per-task bound is exceeded.
func (s *fileStore) addLocked(e RunEntry) {
	s.runs = append(s.runs, e)
	s.per[e.TaskID]++
	if s.per[e.TaskID] <= s.keep {
		return
	}
	for i := range s.runs {
		if s.runs[i].TaskID == e.TaskID {
			s.runs = append(s.runs[:i], s.runs[i+1:]...)
			s.per[e.TaskID]--
			return
		}
	}
}

func (s *fileStore) AppendRun(_ context.Context, e RunEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("run journal closed")
	}
	if err := s.enc.Encode(e); err != nil {
		return err
	}
	s.addLocked(e)
	return nil
}

func (s *fileStore) RecentRuns(_ context.Context, taskID uint64, limit int) ([]RunEntry, error) {
	if limit <= 0 {
		limit = s.keep
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RunEntry, 0, limit)
	for i := len(s.runs) - 1; i >= 0 && len(out) < limit; i-- {
		if taskID == 0 || s.runs[i].TaskID == taskID {
			out = append(out, s.runs[i])
		}
	}
	return out, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
