package app

import (
	"strings"

	"go.uber.org/dig"

	"taskd/internal/config"
	"taskd/internal/eventbus"
	"taskd/internal/storage"
	"taskd/internal/task/manager"
	"taskd/internal/task/timing"
	"taskd/internal/updater"
	logx "taskd/pkg/logx"
)

// runJournal groups the optional run store with the bus subscriber feeding
// it. Both are nil when storage is disabled.
type runJournal struct {
	store   storage.Store
	journal *storage.Journal
}

// buildVersion is the version compiled into the binary, used by the updater
// when the config does not pin one.
type buildVersion string

// components is what the container resolves for App.
type components struct {
	dig.In

	ConfigManager *config.ConfigManager
	Config        *config.Config
	Durations     config.Durations
	Logs          *logx.Service
	Log           logx.Logger
	Bus           eventbus.Bus
	Engine        *timing.Engine
	Manager       *manager.Manager
	Journal       runJournal
	Updater       *updater.Job
}

func build(opts Options) (components, error) {
	d := dig.New()

	providers := []any{
		func() buildVersion { return buildVersion(opts.Version) },
		func() (*config.ConfigManager, *config.Config, error) {
			cfgm := config.NewConfigManager(opts.ConfigPath)
			cfg, err := cfgm.Load()
			return cfgm, cfg, err
		},
		func(cfg *config.Config) (config.Durations, error) { return cfg.ParseDurations() },
		newLogging,
		eventbus.New,
		newEngine,
		newManager,
		newRunJournal,
		newUpdater,
	}
	for _, p := range providers {
		if err := d.Provide(p); err != nil {
			return components{}, err
		}
	}

	var out components
	err := d.Invoke(func(c components) { out = c })
	return out, err
}

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func newLogging(cfg *config.Config) (*logx.Service, logx.Logger) {
	return logx.New(logConfig(cfg))
}

func newEngine(cfg *config.Config, log logx.Logger) *timing.Engine {
	return timing.New(timing.Config{
		MaxParallel: cfg.Engine.MaxParallel,
		MaxEntries:  cfg.Engine.MaxEntries,
	}, log)
}

func newManager(cfg *config.Config, d config.Durations, eng *timing.Engine, bus eventbus.Bus, log logx.Logger) *manager.Manager {
	return manager.New(eng, bus, log, manager.Config{
		HistorySize:     cfg.Engine.HistorySize,
		FailureLogEvery: d.FailureLogEvery,
	})
}

func newRunJournal(cfg *config.Config, d config.Durations, bus eventbus.Bus, log logx.Logger) (runJournal, error) {
	st, err := storage.Open(storage.Config{
		Driver:      cfg.StorageDriver(),
		Path:        cfg.Storage.Path,
		BusyTimeout: d.BusyTimeout,
	}, log)
	if err != nil || st == nil {
		return runJournal{}, err
	}
	log.Info("run journal enabled", logx.String("driver", cfg.StorageDriver()), logx.String("path", cfg.Storage.Path))
	return runJournal{store: st, journal: storage.NewJournal(bus, st, log)}, nil
}

func newUpdater(cfg *config.Config, d config.Durations, v buildVersion, bus eventbus.Bus, log logx.Logger) *updater.Job {
	if !cfg.Updater.Enabled {
		return nil
	}
	current := strings.TrimSpace(cfg.Updater.CurrentVersion)
	if current == "" {
		current = string(v)
	}
	checker := updater.NewManifestChecker(cfg.Updater.ManifestURL, cfg.Updater.Channel, d.UpdaterTimeout)
	return updater.NewJob(checker, updater.BusApplier{Bus: bus}, current, log)
}
