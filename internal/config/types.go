package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config is the taskd configuration file. JSON and YAML are accepted; unknown
// fields are rejected.
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Engine  EngineConfig  `json:"engine"`
	Storage StorageConfig `json:"storage"`
	API     APIConfig     `json:"api"`
	Updater UpdaterConfig `json:"updater"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LogFileConfig `json:"file"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// EngineConfig controls the timing engine and the task manager.
//
// Defaults (when fields are omitted/zero):
//   - max_parallel: 5
//   - max_entries: 0 (unlimited)
//   - history_size: 20
//   - failure_log_every: "1m"
//   - stop_timeout: "10s"
type EngineConfig struct {
	MaxParallel     int    `json:"max_parallel,omitempty"`
	MaxEntries      int    `json:"max_entries,omitempty"`
	HistorySize     int    `json:"history_size,omitempty"`
	FailureLogEvery string `json:"failure_log_every,omitempty"`
	StopTimeout     string `json:"stop_timeout,omitempty"`
}

// StorageConfig selects the run journal driver: "none", "file" or "sqlite".
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	// Pprof mounts net/http/pprof under /debug on the API listener.
	Pprof bool `json:"pprof,omitempty"`
}

// UpdaterConfig configures the periodic self-update check.
type UpdaterConfig struct {
	Enabled        bool   `json:"enabled"`
	ManifestURL    string `json:"manifest_url,omitempty"`
	Channel        string `json:"channel,omitempty"`
	CurrentVersion string `json:"current_version,omitempty"`
	Interval       string `json:"interval,omitempty"`
	Timeout        string `json:"timeout,omitempty"`
}

const (
	DefaultManifestURL = "https://github.com/greenhat616/clash-nyanpasu/raw/dev/manifest/version.json"
	DefaultAPIAddr     = "127.0.0.1:7878"
)

// Default returns a config with every optional field filled in.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Engine: EngineConfig{
			MaxParallel:     5,
			HistorySize:     20,
			FailureLogEvery: "1m",
			StopTimeout:     "10s",
		},
		Storage: StorageConfig{Driver: "none", BusyTimeout: "5s"},
		API:     APIConfig{Addr: DefaultAPIAddr},
		Updater: UpdaterConfig{
			ManifestURL: DefaultManifestURL,
			Channel:     "mihomo",
			Interval:    "24h",
			Timeout:     "30s",
		},
	}
}

// Durations holds the parsed duration fields of a Config.
type Durations struct {
	FailureLogEvery time.Duration
	StopTimeout     time.Duration
	BusyTimeout     time.Duration
	UpdaterInterval time.Duration
	UpdaterTimeout  time.Duration
}

// ParseDurations parses and defaults every duration string in cfg.
func (c *Config) ParseDurations() (Durations, error) {
	var (
		d   Durations
		err error
	)
	if d.FailureLogEvery, err = ParseDurationField("engine.failure_log_every", c.Engine.FailureLogEvery); err != nil {
		return d, err
	}
	if d.StopTimeout, err = ParseDurationOrDefault("engine.stop_timeout", c.Engine.StopTimeout, 10*time.Second); err != nil {
		return d, err
	}
	if d.BusyTimeout, err = ParseDurationOrDefault("storage.busy_timeout", c.Storage.BusyTimeout, 5*time.Second); err != nil {
		return d, err
	}
	if d.UpdaterInterval, err = ParseDurationOrDefault("updater.interval", c.Updater.Interval, 24*time.Hour); err != nil {
		return d, err
	}
	if d.UpdaterTimeout, err = ParseDurationOrDefault("updater.timeout", c.Updater.Timeout, 30*time.Second); err != nil {
		return d, err
	}
	return d, nil
}

// Validate checks field ranges and cross-field constraints.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := c.ParseDurations(); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level: unknown level %q", c.Logging.Level)
	}
	if c.Engine.MaxParallel < 0 {
		return fmt.Errorf("engine.max_parallel must be >= 0")
	}
	if c.Engine.MaxEntries < 0 {
		return fmt.Errorf("engine.max_entries must be >= 0")
	}
	if c.Engine.HistorySize < 0 {
		return fmt.Errorf("engine.history_size must be >= 0")
	}
	switch c.StorageDriver() {
	case "none":
	case "file", "sqlite":
		if strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("storage.path is required for driver %q", c.StorageDriver())
		}
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	if c.API.Enabled && strings.TrimSpace(c.API.Addr) == "" {
		return fmt.Errorf("api.addr is required when api is enabled")
	}
	if c.Updater.Enabled {
		u, err := url.Parse(strings.TrimSpace(c.Updater.ManifestURL))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("updater.manifest_url: invalid url %q", c.Updater.ManifestURL)
		}
		if strings.TrimSpace(c.Updater.Channel) == "" {
			return fmt.Errorf("updater.channel is required when updater is enabled")
		}
	}
	return nil
}

func (c *Config) StorageDriver() string {
	d := strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if d == "" {
		return "none"
	}
	return d
}
