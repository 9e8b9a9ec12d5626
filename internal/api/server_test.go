package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"taskd/internal/eventbus"
	"taskd/internal/storage"
	"taskd/internal/task"
	"taskd/internal/task/manager"
	"taskd/internal/task/timing"
	logx "taskd/pkg/logx"
)

type fixture struct {
	srv   *httptest.Server
	tasks *manager.Manager
	store storage.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	engine := timing.New(timing.Config{}, logx.Nop())
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("engine Start error: %v", err)
	}
	bus := eventbus.New()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "runs.jsonl")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage Open error: %v", err)
	}
	m := manager.New(engine, bus, logx.Nop(), manager.Config{})
	journal := storage.NewJournal(bus, st, logx.Nop())
	jctx, stopJournal := context.WithCancel(context.Background())
	journalDone := make(chan struct{})
	go func() {
		defer close(journalDone)
		_ = journal.Run(jctx)
	}()
	srv := httptest.NewServer(NewServer(Options{Tasks: m, Engine: engine, Store: st}))
	t.Cleanup(func() {
		srv.Close()
		stopJournal()
		<-journalDone
		_ = engine.Stop(context.Background())
		_ = st.Close()
	})
	return &fixture{srv: srv, tasks: m, store: st}
}

func (f *fixture) do(t *testing.T, method, path string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, nil)
	if err != nil {
		t.Fatalf("NewRequest error: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func TestHealthAndEngine(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	var health map[string]any
	if code := f.do(t, http.MethodGet, "/health", &health); code != http.StatusOK || health["status"] != "ok" {
		t.Fatalf("GET /health = %d %v", code, health)
	}
	var snap timing.Snapshot
	if code := f.do(t, http.MethodGet, "/engine", &snap); code != http.StatusOK {
		t.Fatalf("GET /engine = %d", code)
	}
	if !snap.Running || snap.MaxParallel != timing.DefaultMaxParallel {
		t.Fatalf("engine snapshot = %+v", snap)
	}
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	id, err := f.tasks.Add(context.Background(), "report", task.Interval(time.Hour), task.Sync(func() error { return nil }))
	if err != nil {
		t.Fatalf("Add error: %v", err)
	}
	path := "/tasks/" + itoa(id)

	var list []taskView
	if code := f.do(t, http.MethodGet, "/tasks", &list); code != http.StatusOK || len(list) != 1 || list[0].Name != "report" {
		t.Fatalf("GET /tasks = %d %+v", code, list)
	}

	var view taskView
	if code := f.do(t, http.MethodGet, path, &view); code != http.StatusOK {
		t.Fatalf("GET %s = %d", path, code)
	}
	if view.State != "idle" || view.Schedule != "interval:1h0m0s" || view.Kind != "sync" || view.NextRun == nil {
		t.Fatalf("task view = %+v", view)
	}

	if code := f.do(t, http.MethodPost, path+"/run", nil); code != http.StatusAccepted {
		t.Fatalf("POST run = %d, want 202", code)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		var runs []storage.RunEntry
		f.do(t, http.MethodGet, path+"/runs", &runs)
		if len(runs) == 1 && runs[0].OK {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("manual run not journaled: %+v", runs)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if code := f.do(t, http.MethodDelete, path, nil); code != http.StatusConflict {
		t.Fatalf("DELETE live task = %d, want 409", code)
	}
	if code := f.do(t, http.MethodPost, path+"/cancel", &view); code != http.StatusOK || view.State != "cancelled" {
		t.Fatalf("POST cancel = %d %+v", code, view)
	}
	if code := f.do(t, http.MethodPost, path+"/run", nil); code != http.StatusConflict {
		t.Fatalf("POST run on cancelled = %d, want 409", code)
	}
	if code := f.do(t, http.MethodDelete, path, nil); code != http.StatusNoContent {
		t.Fatalf("DELETE cancelled task = %d, want 204", code)
	}
	if code := f.do(t, http.MethodGet, path, nil); code != http.StatusNotFound {
		t.Fatalf("GET purged task = %d, want 404", code)
	}
}

func TestBadRequests(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	tests := []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/tasks/abc", http.StatusBadRequest},
		{http.MethodGet, "/tasks/0", http.StatusBadRequest},
		{http.MethodGet, "/tasks/99", http.StatusNotFound},
		{http.MethodPost, "/tasks/99/cancel", http.StatusNotFound},
		{http.MethodGet, "/tasks/1/runs?limit=-1", http.StatusBadRequest},
	}
	for _, tt := range tests {
		if code := f.do(t, tt.method, tt.path, nil); code != tt.want {
			t.Fatalf("%s %s = %d, want %d", tt.method, tt.path, code, tt.want)
		}
	}
}

func TestRunsWithoutStore(t *testing.T) {
	t.Parallel()
	h := NewServer(Options{Tasks: manager.New(timing.New(timing.Config{}, logx.Nop()), nil, logx.Nop(), manager.Config{})})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tasks/1/runs", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("runs without store = %d, want 503", rec.Code)
	}
}

func itoa(id task.ID) string {
	b, _ := json.Marshal(uint64(id))
	return string(b)
}

func TestProfilerMountedOnlyWhenEnabled(t *testing.T) {
	t.Parallel()
	for _, enabled := range []bool{false, true} {
		h := NewServer(Options{Tasks: manager.New(timing.New(timing.Config{}, logx.Nop()), nil, logx.Nop(), manager.Config{}), Profiling: enabled})
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/cmdline", nil))
		if got := rec.Code == http.StatusOK; got != enabled {
			t.Fatalf("profiling=%v: GET /debug/pprof/cmdline = %d", enabled, rec.Code)
		}
	}
}
