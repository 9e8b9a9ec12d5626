package config

import (
	"strings"

	logx "taskd/pkg/logx"
)

// SummarizeChange lists the top-level sections that differ between two
// configs together with log fields describing the new values. Sections that
// only take effect after a restart are flagged in restart.
func SummarizeChange(oldCfg, newCfg *Config) (changed []string, fields []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		)
	}
	if oldCfg.Engine.FailureLogEvery != newCfg.Engine.FailureLogEvery {
		changed = append(changed, "engine.failure_log_every")
		fields = append(fields, logx.String("engine.failure_log_every", newCfg.Engine.FailureLogEvery))
	}
	e1, e2 := oldCfg.Engine, newCfg.Engine
	e1.FailureLogEvery, e2.FailureLogEvery = "", ""
	if e1 != e2 {
		changed = append(changed, "engine")
		restart = append(restart, "engine")
		fields = append(fields, logx.Int("engine.max_parallel", newCfg.Engine.MaxParallel))
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		restart = append(restart, "storage")
		fields = append(fields, logx.String("storage.driver", newCfg.StorageDriver()))
	}
	if oldCfg.API != newCfg.API {
		changed = append(changed, "api")
		restart = append(restart, "api")
		fields = append(fields, logx.Bool("api.enabled", newCfg.API.Enabled))
	}
	if oldCfg.Updater != newCfg.Updater {
		changed = append(changed, "updater")
		restart = append(restart, "updater")
		fields = append(fields, logx.Bool("updater.enabled", newCfg.Updater.Enabled))
	}
	if len(changed) > 0 {
		fields = append(fields, logx.String("sections", strings.Join(changed, ",")))
	}
	return changed, fields, restart
}
