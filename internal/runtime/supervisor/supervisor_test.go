package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoRecordsFirstErrorAndCancels(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(context.Background(), WithCancelOnError(true))
	boom := errors.New("boom")

	s.Go("fails", func(context.Context) error { return boom })
	s.Go0("waits", func(ctx context.Context) { <-ctx.Done() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); !errors.Is(err, boom) {
		t.Fatalf("Wait error = %v, want wrapped %v", err, boom)
	}
	if s.Context().Err() == nil {
		t.Fatal("context not cancelled after error")
	}
}

func TestGoIgnoresCancellation(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(context.Background(), WithCancelOnError(true))
	s.Go("cancelled", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop error = %v, want nil", err)
	}
}

func TestGoCapturesPanic(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(context.Background())
	s.Go("panics", func(context.Context) error { panic("kaboom") })

	err := s.Wait(context.Background())
	if err == nil || !strings.Contains(err.Error(), "panic in panics") {
		t.Fatalf("Wait error = %v, want panic error", err)
	}
	snap := s.Snapshot()
	if len(snap.Goroutines) != 1 || snap.Goroutines[0].Panics != 1 || snap.Goroutines[0].Active != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestGoRestartBacksOffAndGivesUp(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(context.Background())
	var calls atomic.Int32
	s.GoRestart("flaky", func(context.Context) error {
		calls.Add(1)
		return errors.New("flaky")
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond), WithMaxRestarts(3), WithPublishFirstError(true))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil || !strings.Contains(err.Error(), "flaky") {
		t.Fatalf("Wait error = %v, want published flaky error", err)
	}
	if got := calls.Load(); got != 4 {
		t.Fatalf("calls = %d, want 4 (1 + 3 restarts)", got)
	}
	if st := s.Snapshot().Goroutines[0]; st.Restarts != 3 || st.Started != 4 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestGoRestartStopsOnNil(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(context.Background())
	var calls atomic.Int32
	s.GoRestart("once", func(context.Context) error {
		calls.Add(1)
		return nil
	})
	if err := s.Wait(context.Background()); err != nil {
		t.Fatalf("Wait error = %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestWaitHonorsDeadline(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(context.Background())
	release := make(chan struct{})
	s.Go0("stuck", func(context.Context) { <-release })
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Stop error = %v, want deadline exceeded", err)
	}
}
