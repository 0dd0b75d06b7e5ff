package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"metricsync/internal/schedule"
	logx "metricsync/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const scheduleColumns = `id, tenant_id, service, cron_expression, enabled, timezone, last_run_at, next_run_at, created_at, updated_at`

// sqlStore serves both dialects; queries are written with ? and rebound per driver.
type sqlStore struct {
	db      *sqlx.DB
	log     logx.Logger
	dialect string
	now     func() time.Time
}

func openSQLite(cfg Config, log logx.Logger) (*sqlStore, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage: sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; one connection also keeps reads consistent with writes.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqlStore{db: db, log: log, dialect: "sqlite", now: time.Now}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func openPostgres(cfg Config, log logx.Logger) (*sqlStore, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage: postgres dsn is required")
	}
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: postgres ping: %w", err)
	}

	st := &sqlStore{db: db, log: log, dialect: "postgres", now: time.Now}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqlStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/" + s.dialect + ".sql")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("storage: migrate %s: %w", s.dialect, err)
	}
	s.log.Debug("storage migrated", logx.String("dialect", s.dialect))
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) Create(ctx context.Context, def schedule.Definition) (schedule.Schedule, error) {
	def, err := def.Validate()
	if err != nil {
		return schedule.Schedule{}, err
	}
	ms := s.now().UnixMilli()

	var id int64
	err = s.db.QueryRowxContext(ctx, s.db.Rebind(
		`INSERT INTO sync_schedules(tenant_id, service, cron_expression, enabled, timezone, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(tenant_id, service) DO NOTHING
		 RETURNING id`),
		def.TenantID, string(def.Service), def.CronExpression, def.Enabled, def.Timezone, ms, ms,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return schedule.Schedule{}, fmt.Errorf("storage: create tenant %d service %s: %w", def.TenantID, def.Service, schedule.ErrConflict)
	}
	if err != nil {
		return schedule.Schedule{}, fmt.Errorf("storage: create tenant %d service %s: %w", def.TenantID, def.Service, err)
	}

	at := time.UnixMilli(ms).UTC()
	return schedule.Schedule{
		ID:             id,
		TenantID:       def.TenantID,
		Service:        def.Service,
		CronExpression: def.CronExpression,
		Enabled:        def.Enabled,
		Timezone:       def.Timezone,
		CreatedAt:      at,
		UpdatedAt:      at,
	}, nil
}

func (s *sqlStore) Update(ctx context.Context, id int64, def schedule.Definition) error {
	def, err := def.Validate()
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE sync_schedules
		 SET cron_expression = ?, enabled = ?, timezone = ?, next_run_at = NULL, updated_at = ?
		 WHERE id = ? AND tenant_id = ? AND service = ?`),
		def.CronExpression, def.Enabled, def.Timezone, s.now().UnixMilli(),
		id, def.TenantID, string(def.Service),
	)
	if err != nil {
		return fmt.Errorf("storage: update schedule %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: update schedule %d: %w", id, err)
	}
	if n == 0 {
		return &schedule.NotFoundError{ID: id, TenantID: def.TenantID, Service: def.Service}
	}
	return nil
}

func (s *sqlStore) Get(ctx context.Context, tenantID int64, svc schedule.Service) (schedule.Schedule, error) {
	var row scheduleRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		`SELECT `+scheduleColumns+` FROM sync_schedules WHERE tenant_id = ? AND service = ?`),
		tenantID, string(svc),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return schedule.Schedule{}, &schedule.NotFoundError{TenantID: tenantID, Service: svc}
	}
	if err != nil {
		return schedule.Schedule{}, fmt.Errorf("storage: get tenant %d service %s: %w", tenantID, svc, err)
	}
	return row.toSchedule(), nil
}

func (s *sqlStore) ListForTenant(ctx context.Context, tenantID int64) ([]schedule.Schedule, error) {
	var rows []scheduleRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		`SELECT `+scheduleColumns+` FROM sync_schedules WHERE tenant_id = ? ORDER BY service ASC`),
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list tenant %d: %w", tenantID, err)
	}
	return toSchedules(rows), nil
}

func (s *sqlStore) EnsureDefaults(ctx context.Context, tenantID int64) (int, error) {
	if tenantID <= 0 {
		return 0, &schedule.ValidationError{Field: "tenant_id", Reason: "must be positive"}
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("storage: ensure defaults tenant %d: %w", tenantID, err)
	}
	defer func() { _ = tx.Rollback() }()

	ms := s.now().UnixMilli()
	q := tx.Rebind(
		`INSERT INTO sync_schedules(tenant_id, service, cron_expression, enabled, timezone, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(tenant_id, service) DO NOTHING`)

	created := 0
	for _, svc := range schedule.Services {
		def := schedule.DefaultDefinition(tenantID, svc)
		res, err := tx.ExecContext(ctx, q, tenantID, string(svc), def.CronExpression, def.Enabled, def.Timezone, ms, ms)
		if err != nil {
			return 0, fmt.Errorf("storage: ensure default %s tenant %d: %w", svc, tenantID, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			created += int(n)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("storage: ensure defaults tenant %d: %w", tenantID, err)
	}
	return created, nil
}

func (s *sqlStore) ListEnabled(ctx context.Context) ([]schedule.Schedule, error) {
	var rows []scheduleRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		`SELECT `+scheduleColumns+` FROM sync_schedules WHERE enabled = ? ORDER BY id ASC`),
		true,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list enabled: %w", err)
	}
	return toSchedules(rows), nil
}

func (s *sqlStore) RecordRun(ctx context.Context, tenantID, id int64, lastRun, nextRun time.Time) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE sync_schedules
		 SET last_run_at = COALESCE(?, last_run_at), next_run_at = COALESCE(?, next_run_at)
		 WHERE id = ? AND tenant_id = ?`),
		millisOrNil(lastRun), millisOrNil(nextRun), id, tenantID,
	)
	if err != nil {
		return fmt.Errorf("storage: record run %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &schedule.NotFoundError{ID: id, TenantID: tenantID}
	}
	return nil
}

func (r scheduleRow) toSchedule() schedule.Schedule {
	return schedule.Schedule{
		ID:             r.ID,
		TenantID:       r.TenantID,
		Service:        schedule.Service(r.Service),
		CronExpression: r.CronExpression,
		Enabled:        r.Enabled,
		Timezone:       r.Timezone,
		LastRunAt:      fromMillis(r.LastRunAt),
		NextRunAt:      fromMillis(r.NextRunAt),
		CreatedAt:      time.UnixMilli(r.CreatedAt).UTC(),
		UpdatedAt:      time.UnixMilli(r.UpdatedAt).UTC(),
	}
}

func toSchedules(rows []scheduleRow) []schedule.Schedule {
	out := make([]schedule.Schedule, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toSchedule())
	}
	return out
}

func fromMillis(v *int64) *time.Time {
	if v == nil {
		return nil
	}
	t := time.UnixMilli(*v).UTC()
	return &t
}

func millisOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}
