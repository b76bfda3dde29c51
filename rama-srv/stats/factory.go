package stats

import (
	"fmt"

	"github.com/evyatark2/rama/rama-srv/config"
	"github.com/evyatark2/rama/rama-srv/logger"
)

// NewCollector creates a statistics collector from configuration. When
// statistics are disabled a no-op collector is returned so callers never
// have to nil-check.
func NewCollector(cfg *config.Config) (Collector, error) {
	if cfg == nil || !cfg.Statistics.Enabled {
		logger.Debug("Statistics collection disabled, using dummy collector")
		return NewDummyCollector(), nil
	}

	switch cfg.Statistics.Backend {
	case "sqlite", "":
		path := cfg.Statistics.SQLitePath
		if path == "" {
			path = "rama_stats.db"
		}
		logger.Info("Creating SQLite stats collector with database: %s", path)
		return NewSQLiteCollector(path)
	case "postgres":
		if cfg.Statistics.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres backend requires a DSN")
		}
		logger.Info("Creating PostgreSQL stats collector")
		return NewPostgreSQLCollector(cfg.Statistics.PostgresDSN)
	case "memory":
		logger.Info("Creating in-memory stats collector")
		return NewMemoryCollector(), nil
	default:
		return nil, fmt.Errorf("unsupported statistics backend: %s", cfg.Statistics.Backend)
	}
}
