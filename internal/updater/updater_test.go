package updater

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"taskd/internal/eventbus"
	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

const manifestJSON = `{
  "manifest_version": 1,
  "latest": {"mihomo": "v1.18.5", "mihomo_alpha": "alpha-1a2b3c", "clash_rs": "v0.1.15", "clash_premium": "2023-09-05-gdcc8d87"},
  "arch_template": {"mihomo": {"linux-amd64": "mihomo-linux-amd64-{}.gz", "darwin-arm64": "mihomo-darwin-arm64-{}.gz"}},
  "updated_at": "2024-04-01T00:00:00Z"
}`

func TestNewer(t *testing.T) {
	t.Parallel()
	tests := []struct {
		current, latest string
		want            bool
	}{
		{"v1.18.4", "v1.18.5", true},
		{"v1.18.9", "v1.18.10", true},
		{"v1.18.10", "v1.18.9", false},
		{"1.18.5", "v1.18.5", false},
		{"", "v0.1.0", true},
		{"v1.0.0", "", false},
		{"v1.2.0-rc1", "v1.2.0", true},
		{"v1.2.0", "v1.2.0-rc1", false},
		{"v1.2", "v1.2.1", true},
	}
	for _, tt := range tests {
		if got := Newer(tt.current, tt.latest); got != tt.want {
			t.Fatalf("Newer(%q, %q) = %v, want %v", tt.current, tt.latest, got, tt.want)
		}
	}
}

func TestManifestChecker(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/manifest/version.json" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(manifestJSON))
	}))
	defer srv.Close()

	c := NewManifestChecker(srv.URL+"/manifest/version.json", "mihomo", time.Second)
	c.Platform = "linux-amd64"
	r, err := c.Check(context.Background())
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if r.Version != "v1.18.5" || r.Artifact != "mihomo-linux-amd64-v1.18.5.gz" || r.UpdatedAt == "" {
		t.Fatalf("release = %+v", r)
	}

	c.Channel = "nope"
	if _, err := c.Check(context.Background()); !errors.Is(err, ErrNoRelease) {
		t.Fatalf("unknown channel error = %v, want ErrNoRelease", err)
	}

	bad := NewManifestChecker(srv.URL+"/missing", "mihomo", time.Second)
	if _, err := bad.Check(context.Background()); err == nil {
		t.Fatal("expected error for 404 manifest")
	}
}

func TestPlatform(t *testing.T) {
	t.Parallel()
	if p, err := Platform("linux", "arm64"); err != nil || p != "linux-aarch64" {
		t.Fatalf("Platform(linux, arm64) = (%q, %v)", p, err)
	}
	if _, err := Platform("plan9", "386"); err == nil {
		t.Fatal("expected error for unsupported platform")
	}
}

func TestJobAppliesOnlyNewer(t *testing.T) {
	t.Parallel()
	latest := "v1.1.0"
	checker := CheckerFunc(func(context.Context) (Release, error) {
		return Release{Channel: "mihomo", Version: latest}, nil
	})
	var applied []string
	applier := ApplierFunc(func(_ context.Context, r Release) error {
		applied = append(applied, r.Version)
		return nil
	})

	j := NewJob(checker, applier, "v1.0.0", logx.Nop())
	exec := j.Executor()
	if exec.Kind() != task.KindAsync {
		t.Fatalf("Kind = %v, want async", exec.Kind())
	}
	if err := exec.Execute(context.Background()); err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if err := exec.Execute(context.Background()); err != nil {
		t.Fatalf("second Execute error: %v", err)
	}
	if len(applied) != 1 || j.Current() != "v1.1.0" {
		t.Fatalf("applied = %v current = %q", applied, j.Current())
	}
}

func TestJobReportsFailures(t *testing.T) {
	t.Parallel()
	boom := errors.New("mirror down")
	j := NewJob(CheckerFunc(func(context.Context) (Release, error) { return Release{}, boom }), nil, "", logx.Nop())
	if err := j.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Run error = %v, want wrapped %v", err, boom)
	}

	applyErr := errors.New("disk full")
	j = NewJob(
		CheckerFunc(func(context.Context) (Release, error) { return Release{Version: "v2"}, nil }),
		ApplierFunc(func(context.Context, Release) error { return applyErr }),
		"v1", logx.Nop(),
	)
	if err := j.Run(context.Background()); !errors.Is(err, applyErr) {
		t.Fatalf("Run error = %v, want wrapped %v", err, applyErr)
	}
	if j.Current() != "v1" {
		t.Fatalf("Current = %q after failed apply, want v1", j.Current())
	}
}

func TestBusApplierPublishes(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(1, eventbus.UpdateAvailable)
	defer unsub()

	if err := (BusApplier{Bus: bus}).Apply(context.Background(), Release{Version: "v3"}); err != nil {
		t.Fatalf("Apply error: %v", err)
	}
	select {
	case ev := <-ch:
		if r, ok := ev.Data.(Release); !ok || r.Version != "v3" {
			t.Fatalf("event data = %#v", ev.Data)
		}
	default:
		t.Fatal("no update.available event")
	}
}
