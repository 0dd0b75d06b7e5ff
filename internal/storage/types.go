package storage

import (
	"time"
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL reachable through DSN
//   - "memory": non-durable, process-local
type Config struct {
	Driver       string
	Path         string
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int           // postgres only; 0 means default
}

// scheduleRow mirrors the sync_schedules table. Times are unix milliseconds.
type scheduleRow struct {
	ID             int64  `db:"id"`
	TenantID       int64  `db:"tenant_id"`
	Service        string `db:"service"`
	CronExpression string `db:"cron_expression"`
	Enabled        bool   `db:"enabled"`
	Timezone       string `db:"timezone"`
	LastRunAt      *int64 `db:"last_run_at"`
	NextRunAt      *int64 `db:"next_run_at"`
	CreatedAt      int64  `db:"created_at"`
	UpdatedAt      int64  `db:"updated_at"`
}
