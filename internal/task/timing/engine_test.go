package timing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e := New(cfg, logx.Nop())
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.Stop(ctx)
	})
	return e
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestOnceFiresExactlyOnce(t *testing.T) {
	t.Parallel()
	e := startEngine(t, Config{})

	var n atomic.Int32
	next, err := e.Register(1, OnceAfter(20*time.Millisecond), func(context.Context, Firing) { n.Add(1) })
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if next.IsZero() {
		t.Fatalf("expected first fire time")
	}

	waitFor(t, time.Second, func() bool { return n.Load() == 1 })
	time.Sleep(100 * time.Millisecond)
	if got := n.Load(); got != 1 {
		t.Fatalf("fired %d times, want 1", got)
	}
	waitFor(t, time.Second, func() bool { return e.Len() == 0 })
	if _, ok := e.Next(1); ok {
		t.Fatalf("exhausted entry still reports a next fire time")
	}
}

func TestIntervalRepeats(t *testing.T) {
	t.Parallel()
	e := startEngine(t, Config{})

	var n atomic.Int32
	var last atomic.Value
	if _, err := e.Register(7, Every(20*time.Millisecond), func(_ context.Context, f Firing) {
		n.Add(1)
		last.Store(f)
	}); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return n.Load() >= 4 })

	f := last.Load().(Firing)
	if f.ID != 7 {
		t.Fatalf("Firing.ID = %d, want 7", f.ID)
	}
	if !f.Next.After(f.Due) {
		t.Fatalf("Firing.Next %v should be after Due %v", f.Next, f.Due)
	}
	if _, ok := e.Next(7); !ok {
		t.Fatalf("interval entry should stay armed")
	}
}

func TestCronTriggerFires(t *testing.T) {
	t.Parallel()
	e := startEngine(t, Config{})

	sched, err := task.ParseCron("* * * * * *")
	if err != nil {
		t.Fatalf("ParseCron error: %v", err)
	}
	var n atomic.Int32
	if _, err := e.Register(1, CronTrigger(sched), func(context.Context, Firing) { n.Add(1) }); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool { return n.Load() >= 1 })
}

func TestParallelCapDefersInsteadOfDropping(t *testing.T) {
	t.Parallel()
	e := startEngine(t, Config{MaxParallel: 2})

	var (
		mu      sync.Mutex
		cur     int
		peak    int
		doneCnt atomic.Int32
	)
	cb := func(context.Context, Firing) {
		mu.Lock()
		cur++
		if cur > peak {
			peak = cur
		}
		mu.Unlock()
		time.Sleep(80 * time.Millisecond)
		mu.Lock()
		cur--
		mu.Unlock()
		doneCnt.Add(1)
	}
	for id := uint64(1); id <= 6; id++ {
		if _, err := e.Register(id, OnceAfter(10*time.Millisecond), cb); err != nil {
			t.Fatalf("Register(%d) error: %v", id, err)
		}
	}

	waitFor(t, 3*time.Second, func() bool { return doneCnt.Load() == 6 })
	mu.Lock()
	defer mu.Unlock()
	if peak > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", peak)
	}
	if s := e.Snapshot(); s.PeakFlight > 2 || s.Fired != 6 {
		t.Fatalf("snapshot = %+v, want peak <= 2 and 6 fired", s)
	}
}

func TestRemoveStopsFutureFirings(t *testing.T) {
	t.Parallel()
	e := startEngine(t, Config{})

	var n atomic.Int32
	if _, err := e.Register(1, Every(40*time.Millisecond), func(context.Context, Firing) { n.Add(1) }); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if !e.Remove(1) {
		t.Fatalf("Remove(1) = false, want true")
	}
	if e.Remove(1) {
		t.Fatalf("second Remove(1) = true, want false")
	}
	time.Sleep(150 * time.Millisecond)
	if got := n.Load(); got != 0 {
		t.Fatalf("callback ran %d times after Remove", got)
	}
}

func TestRemoveDropsQueuedFiring(t *testing.T) {
	t.Parallel()
	e := startEngine(t, Config{MaxParallel: 1})

	release := make(chan struct{})
	started := make(chan struct{})
	if _, err := e.Register(1, OnceAfter(5*time.Millisecond), func(context.Context, Firing) {
		close(started)
		<-release
	}); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	<-started

	var n atomic.Int32
	if _, err := e.Register(2, OnceAfter(5*time.Millisecond), func(context.Context, Firing) { n.Add(1) }); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	waitFor(t, time.Second, func() bool { return e.Snapshot().Queued == 1 })
	e.Remove(2)
	close(release)

	time.Sleep(50 * time.Millisecond)
	if got := n.Load(); got != 0 {
		t.Fatalf("removed entry ran %d times", got)
	}
}

func TestBusyEntryCoalescesFirings(t *testing.T) {
	t.Parallel()
	e := startEngine(t, Config{MaxParallel: 1})

	var n atomic.Int32
	if _, err := e.Register(1, Every(10*time.Millisecond), func(context.Context, Firing) {
		n.Add(1)
		time.Sleep(60 * time.Millisecond)
	}); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return e.Snapshot().Coalesced > 0 })
	if s := e.Snapshot(); s.Queued > 1 {
		t.Fatalf("Queued = %d, want at most 1 per entry", s.Queued)
	}
}

func TestSimultaneousFiringsOrderByID(t *testing.T) {
	t.Parallel()
	e := New(Config{MaxParallel: 1}, logx.Nop())
	fixed := time.Now()
	e.now = func() time.Time { return fixed }

	var (
		mu    sync.Mutex
		order []uint64
	)
	cb := func(_ context.Context, f Firing) {
		mu.Lock()
		order = append(order, f.ID)
		mu.Unlock()
	}
	for _, id := range []uint64{3, 1, 2} {
		if _, err := e.Register(id, OnceAfter(10*time.Millisecond), cb); err != nil {
			t.Fatalf("Register(%d) error: %v", id, err)
		}
	}
	e.now = time.Now
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer func() { _ = e.Stop(context.Background()) }()

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	})
	mu.Lock()
	defer mu.Unlock()
	for i, want := range []uint64{1, 2, 3} {
		if order[i] != want {
			t.Fatalf("order = %v, want [1 2 3]", order)
		}
	}
}

func TestPanickingCallbackIsContained(t *testing.T) {
	t.Parallel()
	e := startEngine(t, Config{MaxParallel: 1})

	var n atomic.Int32
	if _, err := e.Register(1, Every(15*time.Millisecond), func(context.Context, Firing) {
		n.Add(1)
		panic("boom")
	}); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return n.Load() >= 3 })
	if s := e.Snapshot(); s.Panics == 0 {
		t.Fatalf("Panics = 0, want > 0")
	}
}

func TestRegisterErrors(t *testing.T) {
	t.Parallel()
	e := New(Config{MaxEntries: 1}, logx.Nop())
	cb := func(context.Context, Firing) {}

	tests := []struct {
		name string
		id   uint64
		trig Trigger
		cb   Callback
		want error
	}{
		{name: "zero interval", id: 1, trig: Every(0), cb: cb, want: ErrInvalidTrigger},
		{name: "negative delay", id: 1, trig: OnceAfter(-time.Second), cb: cb, want: ErrInvalidTrigger},
		{name: "nil cron", id: 1, trig: CronTrigger(nil), cb: cb, want: ErrInvalidTrigger},
		{name: "nil callback", id: 1, trig: Every(time.Second), cb: nil, want: ErrInvalidTrigger},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.Register(tt.id, tt.trig, tt.cb); !errors.Is(err, tt.want) {
				t.Fatalf("Register error = %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := e.Register(1, Every(time.Hour), cb); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if _, err := e.Register(1, Every(time.Hour), cb); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate Register error = %v, want ErrDuplicate", err)
	}
	if _, err := e.Register(2, Every(time.Hour), cb); !errors.Is(err, ErrCapacity) {
		t.Fatalf("over-capacity Register error = %v, want ErrCapacity", err)
	}

	_ = e.Stop(context.Background())
	e.Remove(1)
	if _, err := e.Register(3, Every(time.Hour), cb); !errors.Is(err, ErrStopped) {
		t.Fatalf("Register after Stop error = %v, want ErrStopped", err)
	}
	if err := e.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("Start after Stop error = %v, want ErrStopped", err)
	}
}

func TestStopCancelsCallbackContext(t *testing.T) {
	t.Parallel()
	e := New(Config{}, logx.Nop())
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	started := make(chan struct{})
	exited := make(chan error, 1)
	if _, err := e.Register(1, OnceAfter(5*time.Millisecond), func(ctx context.Context, _ Firing) {
		close(started)
		<-ctx.Done()
		exited <- ctx.Err()
	}); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.Stop(ctx); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	select {
	case err := <-exited:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("callback ctx err = %v, want context.Canceled", err)
		}
	default:
		t.Fatalf("callback did not observe cancellation before Stop returned")
	}
	if e.Snapshot().Running {
		t.Fatalf("engine still reports running after Stop")
	}
}

func TestKickQueuesImmediateFiring(t *testing.T) {
	t.Parallel()
	e := startEngine(t, Config{})

	var n atomic.Int32
	if _, err := e.Register(1, Every(time.Hour), func(context.Context, Firing) { n.Add(1) }); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	queued, err := e.Kick(1)
	if err != nil || !queued {
		t.Fatalf("Kick = (%v, %v), want (true, nil)", queued, err)
	}
	waitFor(t, time.Second, func() bool { return n.Load() == 1 })

	if _, err := e.Kick(99); !errors.Is(err, ErrUnknownEntry) {
		t.Fatalf("Kick(99) error = %v, want ErrUnknownEntry", err)
	}
}
