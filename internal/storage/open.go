package storage

import (
	"errors"
	"strings"

	"metricsync/internal/schedule"
	logx "metricsync/pkg/logx"
)

// Open initializes the configured schedule store.
func Open(cfg Config, log logx.Logger) (schedule.Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	var (
		st  *sqlStore
		err error
	)
	switch driver {
	case "", "memory":
		log.Warn("using memory storage; schedules will not survive a restart")
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		st, err = openSQLite(cfg, log)
	case "postgres", "postgresql":
		st, err = openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}
