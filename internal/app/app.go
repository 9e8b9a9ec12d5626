// Package app assembles the taskd daemon: configuration, logging, the timing
// engine and task manager, the optional run journal, updater and HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"taskd/internal/api"
	"taskd/internal/config"
	"taskd/internal/eventbus"
	"taskd/internal/runtime/supervisor"
	"taskd/internal/storage"
	"taskd/internal/task"
	"taskd/internal/task/manager"
	"taskd/internal/task/timing"
	"taskd/internal/updater"
	logx "taskd/pkg/logx"
)

type Options struct {
	ConfigPath string
	Version    string
}

type App struct {
	cfgm *config.ConfigManager
	cfg  *config.Config
	durs config.Durations

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	engine  *timing.Engine
	tasks   *manager.Manager
	store   storage.Store
	journal *storage.Journal
	upd     *updater.Job

	mu   sync.Mutex
	sup  *supervisor.Supervisor
	stop sync.Once
}

// New loads the config file and builds every component without starting
// anything.
func New(opts Options) (*App, error) {
	c, err := build(opts)
	if err != nil {
		return nil, fmt.Errorf("build app: %w", err)
	}
	return &App{
		cfgm:    c.ConfigManager,
		cfg:     c.Config,
		durs:    c.Durations,
		log:     c.Log.With(logx.String("comp", "app")),
		logs:    c.Logs,
		bus:     c.Bus,
		engine:  c.Engine,
		tasks:   c.Manager,
		store:   c.Journal.store,
		journal: c.Journal.journal,
		upd:     c.Updater,
	}, nil
}

func (a *App) Manager() *manager.Manager { return a.tasks }
func (a *App) Engine() *timing.Engine    { return a.engine }
func (a *App) Bus() eventbus.Bus         { return a.bus }

// Store returns the run journal store, or nil when storage is disabled.
func (a *App) Store() storage.Store { return a.store }

// Done is closed when the app context is cancelled (fatal error, parent
// cancellation or Stop).
func (a *App) Done() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.sup != nil {
		a.mu.Unlock()
		return errors.New("app already started")
	}
	sup := supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.sup = sup
	a.mu.Unlock()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	if err := a.engine.Start(sup.Context()); err != nil {
		sup.Cancel()
		return err
	}

	if a.journal != nil {
		sup.Go("journal", a.journal.Run)
	}

	if a.upd != nil {
		id, err := a.tasks.Add(sup.Context(), "updater", task.Interval(a.durs.UpdaterInterval), a.upd.Executor())
		if err != nil {
			sup.Cancel()
			return fmt.Errorf("register updater: %w", err)
		}
		a.log.Info("updater scheduled",
			logx.Uint64("task_id", uint64(id)),
			logx.String("channel", a.cfg.Updater.Channel),
			logx.String("current", a.upd.Current()),
			logx.Duration("every", a.durs.UpdaterInterval),
		)
		updates, unsubUpdates := a.bus.Subscribe(4, eventbus.UpdateAvailable)
		sup.Go0("updater.notify", func(c context.Context) {
			defer unsubUpdates()
			a.logUpdates(c, updates)
		})
	}

	if a.cfg.API.Enabled {
		handler := api.NewServer(api.Options{
			Tasks:  a.tasks,
			Engine: a.engine,
			Store:  a.store,
			Log:    a.log.With(logx.String("comp", "api")),

			Profiling: a.cfg.API.Pprof,
		})
		addr := a.cfg.API.Addr
		sup.GoRestart("api", func(c context.Context) error {
			return api.Serve(c, addr, handler, a.log.With(logx.String("comp", "api")))
		}, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	}

	events, unsub := a.bus.Subscribe(128)
	sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })
	sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.Int("max_parallel", a.engine.Snapshot().MaxParallel),
		logx.String("storage", a.cfg.StorageDriver()),
		logx.Bool("api", a.cfg.API.Enabled),
		logx.Bool("updater", a.upd != nil),
	)
	return nil
}

// Run starts the app and blocks until ctx is done or a component fails. Each
// companion runs alongside the app and is cancelled with it. Run stops the
// app before returning.
func (a *App) Run(ctx context.Context, companions ...func(ctx context.Context) error) error {
	if err := a.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-a.Done():
			return a.Err()
		case <-gctx.Done():
			return nil
		}
	})
	for _, fn := range companions {
		fn := fn
		g.Go(func() error {
			err := fn(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	runErr := g.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), a.durs.StopTimeout)
	defer cancel()
	if err := a.Stop(stopCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Stop drains the engine, then the supervised goroutines, then closes the
// run store and log outputs. Later calls are no-ops.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	sup := a.sup
	a.mu.Unlock()
	if sup == nil {
		return nil
	}

	var err error
	a.stop.Do(func() {
		a.log.Info("stopping")
		start := time.Now()

		step := func(name string, fn func(context.Context) error) {
			if e := fn(ctx); e != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(e))
				if err == nil {
					err = fmt.Errorf("%s: %w", name, e)
				}
			}
		}

		// The engine goes first so runs finishing during shutdown still
		// reach the journal.
		step("engine", a.engine.Stop)
		sup.Cancel()
		step("supervisor", sup.Wait)
		step("storage", func(context.Context) error {
			if a.store == nil {
				return nil
			}
			return a.store.Close()
		})

		a.log.Info("stopped", logx.Duration("took", time.Since(start)))
		if a.logs != nil {
			_ = a.logs.Close()
		}
	})
	return err
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfg
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Keep only the newest config from a burst.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(last, next)
			last = next
		}
	}
}

func (a *App) applyConfig(old, next *config.Config) {
	changed, fields, restart := config.SummarizeChange(old, next)
	if len(changed) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(logConfig(next))
	if d, err := next.ParseDurations(); err == nil {
		a.tasks.SetFailureLogEvery(d.FailureLogEvery)
	}

	a.log.Info("config reloaded", fields...)
	if len(restart) > 0 {
		a.log.Warn("config sections changed that require a restart", logx.String("sections", strings.Join(restart, ",")))
	}
}

func (a *App) logUpdates(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if r, ok := e.Data.(updater.Release); ok {
				a.log.Info("update available",
					logx.String("channel", r.Channel),
					logx.String("version", r.Version),
					logx.String("artifact", r.Artifact),
				)
			}
		}
	}
}
