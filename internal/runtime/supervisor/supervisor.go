// Package supervisor runs named goroutines against a shared context with
// panic recovery, restart-with-backoff and timeout-aware shutdown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	logx "taskd/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	errOnce  sync.Once
	firstErr atomic.Value // error

	wg       sync.WaitGroup
	doneOnce sync.Once
	doneCh   chan struct{}

	mu    sync.Mutex
	stats map[string]*Stats
}

type Option func(*Supervisor)

// Stats is a best-effort per-name view of goroutines started through the
// supervisor. Goroutines sharing a name are aggregated.
type Stats struct {
	Name      string    `json:"name"`
	Active    int64     `json:"active"`
	Started   uint64    `json:"started"`
	Restarts  uint64    `json:"restarts"`
	Panics    uint64    `json:"panics"`
	LastErr   string    `json:"last_err,omitempty"`
	LastErrAt time.Time `json:"last_err_at,omitempty"`
}

type Snapshot struct {
	FirstError string  `json:"first_error,omitempty"`
	Goroutines []Stats `json:"goroutines"`
}

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the shared context on the first error returned
// by a Go goroutine.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func NewSupervisor(parent context.Context, opts ...Option) *Supervisor {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		log:    logx.Nop(),
		doneCh: make(chan struct{}),
		stats:  map[string]*Stats{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the shared context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

func (s *Supervisor) Err() error {
	if v, ok := s.firstErr.Load().(error); ok {
		return v
	}
	return nil
}

func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	var snap Snapshot
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}
	s.mu.Lock()
	snap.Goroutines = make([]Stats, 0, len(s.stats))
	for _, st := range s.stats {
		snap.Goroutines = append(snap.Goroutines, *st)
	}
	s.mu.Unlock()
	sort.Slice(snap.Goroutines, func(i, j int) bool { return snap.Goroutines[i].Name < snap.Goroutines[j].Name })
	return snap
}

func (s *Supervisor) stat(name string) *Stats {
	st := s.stats[name]
	if st == nil {
		st = &Stats{Name: name}
		s.stats[name] = st
	}
	return st
}

func (s *Supervisor) noteStart(name string, restart bool) {
	s.mu.Lock()
	st := s.stat(name)
	st.Started++
	st.Active++
	if restart {
		st.Restarts++
	}
	s.mu.Unlock()
}

func (s *Supervisor) noteStop(name string, err error, panicked bool) {
	s.mu.Lock()
	st := s.stat(name)
	if st.Active > 0 {
		st.Active--
	}
	if panicked {
		st.Panics++
	}
	if err != nil {
		st.LastErr = err.Error()
		st.LastErrAt = time.Now()
	}
	s.mu.Unlock()
}

// Go runs fn once. A panic or a non-cancellation error is recorded as the
// supervisor error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.noteStart(name, false)

		err, pan := s.run(name, fn)
		if pan {
			err = fmt.Errorf("panic in %s: %w", name, err)
		} else if err != nil && !errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%s: %w", name, err)
		} else {
			err = nil
		}
		s.noteStop(name, err, pan)
		if err != nil {
			s.setErr(err)
			if s.cancelOnErr {
				s.cancel()
			}
		}
	}()
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// run calls fn with panic capture. pan reports whether err came from a panic.
func (s *Supervisor) run(name string, fn func(ctx context.Context) error) (err error, pan bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("goroutine panicked",
				logx.String("name", name),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
			err, pan = fmt.Errorf("%v", r), true
		}
	}()
	return fn(s.ctx), false
}

type RestartOption func(*restartCfg)

type restartCfg struct {
	minBackoff      time.Duration
	maxBackoff      time.Duration
	maxRestarts     int
	publishFirstErr bool
}

func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.minBackoff = min
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithMaxRestarts gives up after n restarts. n <= 0 means unlimited.
func WithMaxRestarts(n int) RestartOption { return func(c *restartCfg) { c.maxRestarts = n } }

// WithPublishFirstError records the first failure as the supervisor error
// while still restarting.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(c *restartCfg) { c.publishFirstErr = enabled }
}

// GoRestart runs fn and restarts it on error or panic with jittered
// exponential backoff until the context is cancelled. A nil return stops the
// loop.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{minBackoff: 100 * time.Millisecond, maxBackoff: 30 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.maxBackoff < cfg.minBackoff {
		cfg.maxBackoff = cfg.minBackoff
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		backoff := cfg.minBackoff
		restarts := 0
		for {
			if s.ctx.Err() != nil {
				return
			}
			s.noteStart(name, restarts > 0)
			startedAt := time.Now()
			err, pan := s.run(name, fn)

			if s.ctx.Err() != nil || (!pan && (err == nil || errors.Is(err, context.Canceled))) {
				s.noteStop(name, nil, false)
				return
			}
			err = fmt.Errorf("%s: %w", name, err)
			s.noteStop(name, err, pan)
			if cfg.publishFirstErr {
				s.setErr(err)
			}

			restarts++
			if cfg.maxRestarts > 0 && restarts > cfg.maxRestarts {
				s.log.Error("goroutine gave up", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				return
			}
			if time.Since(startedAt) >= 30*time.Second {
				backoff = cfg.minBackoff
			}
			wait := backoff
			if j := int64(wait) / 5; j > 0 {
				wait += time.Duration(time.Now().UnixNano() % (j + 1))
			}
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))

			t := time.NewTimer(wait)
			select {
			case <-s.ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			backoff *= 2
			if backoff > cfg.maxBackoff {
				backoff = cfg.maxBackoff
			}
		}
	}()
}

// Stop cancels the shared context and waits for all goroutines.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine has returned or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return s.Err()
	}
}

func (s *Supervisor) setErr(err error) {
	if err == nil {
		return
	}
	s.errOnce.Do(func() { s.firstErr.Store(err) })
}
