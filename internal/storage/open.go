package storage

import (
	"fmt"
	"strings"

	logx "taskd/pkg/logx"
)

// Open initializes the configured store. It returns (nil, nil) when storage
// is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Keep <= 0 {
		cfg.Keep = DefaultKeep
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}
