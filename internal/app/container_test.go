package app

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"taskd/internal/config"
	"taskd/internal/eventbus"
	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestComponentLogsCarryOneCompField(t *testing.T) {
	t.Parallel()
	out := &syncBuffer{}
	log := logx.NewJSON(out, "debug")
	cfg := config.Default()

	eng := newEngine(cfg, log)
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("engine Start error: %v", err)
	}
	m := newManager(cfg, config.Durations{}, eng, eventbus.New(), log)
	if _, err := m.Add(context.Background(), "report", task.Interval(time.Hour), task.Sync(func() error { return nil })); err != nil {
		t.Fatalf("Add error: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = eng.Stop(ctx)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	seen := map[string]bool{}
	for _, line := range lines {
		if n := strings.Count(line, `"comp":`); n != 1 {
			t.Fatalf("log line has %d comp fields: %s", n, line)
		}
		switch {
		case strings.Contains(line, `"comp":"timing"`):
			seen["timing"] = true
		case strings.Contains(line, `"comp":"tasks"`):
			seen["tasks"] = true
		}
	}
	if !seen["timing"] || !seen["tasks"] {
		t.Fatalf("missing component lines in output:\n%s", out.String())
	}
}
