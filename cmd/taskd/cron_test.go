package main

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestPrintNextRuns(t *testing.T) {
	t.Parallel()
	from := time.Date(2024, 3, 1, 10, 2, 0, 0, time.UTC)

	var buf bytes.Buffer
	if err := printNextRuns(&buf, "*/15 * * * *", from, 3); err != nil {
		t.Fatalf("printNextRuns error: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3:\n%s", len(lines), buf.String())
	}
	want := []string{"2024-03-01T10:15:00Z", "2024-03-01T10:30:00Z", "2024-03-01T10:45:00Z"}
	for i, w := range want {
		if !strings.HasPrefix(lines[i], w) || !strings.Contains(lines[i], "from now") {
			t.Fatalf("line %d = %q, want prefix %q", i, lines[i], w)
		}
	}
}

func TestPrintNextRunsErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		expr string
		n    int
	}{
		{"bad expression", "61 * * * *", 3},
		{"zero count", "* * * * *", 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if err := printNextRuns(&bytes.Buffer{}, tt.expr, time.Now(), tt.n); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs([]string{"version"})
	defer rootCmd.SetArgs(nil)
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if got := strings.TrimSpace(buf.String()); got != "taskd "+version {
		t.Fatalf("version output = %q", got)
	}
}
