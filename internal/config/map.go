package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"metricsync/internal/dispatch"
	"metricsync/internal/observability/ops"
	"metricsync/internal/queue"
	"metricsync/internal/schedule"
	"metricsync/internal/scheduler"
	"metricsync/internal/storage"
	"metricsync/internal/workflow"
	logx "metricsync/pkg/logx"
)

// The Map* functions validate one section and convert it into the
// component config. They never open connections.

func MapLogging(cfg *Config) (logx.Config, error) {
	lc := cfg.Logging
	if !logx.ValidLevel(lc.Level) {
		return logx.Config{}, fmt.Errorf("logging.level: unknown level %q", lc.Level)
	}
	if lc.File.Enabled && strings.TrimSpace(lc.File.Path) == "" {
		return logx.Config{}, fmt.Errorf("logging.file.path: required when file logging is enabled")
	}
	if lc.File.MaxSizeMB < 0 || lc.File.MaxBackups < 0 || lc.File.MaxAgeDays < 0 {
		return logx.Config{}, fmt.Errorf("logging.file: rotation limits must be >= 0")
	}
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled:    lc.File.Enabled,
			Path:       strings.TrimSpace(lc.File.Path),
			MaxSizeMB:  lc.File.MaxSizeMB,
			MaxBackups: lc.File.MaxBackups,
			MaxAgeDays: lc.File.MaxAgeDays,
			Compress:   lc.File.Compress,
		},
	}, nil
}

func MapStorage(cfg *Config) (storage.Config, error) {
	sc := cfg.Storage
	out := storage.Config{
		Driver:       strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:         strings.TrimSpace(sc.Path),
		DSN:          strings.TrimSpace(sc.DSN),
		MaxOpenConns: sc.MaxOpenConns,
	}
	busy, err := ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return out, err
	}
	out.BusyTimeout = busy
	if out.MaxOpenConns < 0 {
		return out, fmt.Errorf("storage.max_open_conns must be >= 0")
	}
	switch out.Driver {
	case "", "memory":
	case "sqlite", "sqlite3":
		if out.Path == "" {
			return out, fmt.Errorf("storage.path: required for driver %q", out.Driver)
		}
	case "postgres", "postgresql":
		if out.DSN == "" {
			return out, fmt.Errorf("storage.dsn: required for driver %q", out.Driver)
		}
	default:
		return out, fmt.Errorf("storage.driver: unknown driver %q", sc.Driver)
	}
	return out, nil
}

func MapBroker(cfg *Config) (queue.Config, error) {
	bc := cfg.Broker
	out := queue.Config{
		Driver: strings.ToLower(strings.TrimSpace(bc.Driver)),
		Redis: queue.RedisConfig{
			URL:      strings.TrimSpace(bc.URL),
			Addr:     strings.TrimSpace(bc.Addr),
			Password: bc.Password,
			DB:       bc.DB,
			Prefix:   strings.TrimSpace(bc.Prefix),
		},
	}
	dial, err := ParseDurationField("broker.dial_timeout", bc.DialTimeout)
	if err != nil {
		return out, err
	}
	out.Redis.DialTimeout = dial
	switch out.Driver {
	case "", "redis", "memory":
	default:
		return out, fmt.Errorf("broker.driver: unknown driver %q", bc.Driver)
	}
	if bc.DB < 0 {
		return out, fmt.Errorf("broker.db must be >= 0")
	}
	return out, nil
}

// SchedulerEnabled reports whether triggers should be armed. Omitted means yes.
func SchedulerEnabled(cfg *Config) bool {
	if cfg.Scheduler.Enabled == nil {
		return true
	}
	return *cfg.Scheduler.Enabled
}

func MapScheduler(cfg *Config) (scheduler.Config, error) {
	var out scheduler.Config
	fire, err := ParseDurationOrDefault("scheduler.fire_timeout", cfg.Scheduler.FireTimeout, 10*time.Second)
	if err != nil {
		return out, err
	}
	refresh, err := ParseDurationField("scheduler.refresh_interval", cfg.Scheduler.RefreshInterval)
	if err != nil {
		return out, err
	}
	out.FireTimeout = fire
	out.RefreshInterval = refresh
	return out, nil
}

// MapDispatch merges the dispatcher and worker sections.
func MapDispatch(cfg *Config) (dispatch.Config, error) {
	dc, wc := cfg.Dispatcher, cfg.Worker
	var out dispatch.Config

	if dc.Attempts < 0 {
		return out, fmt.Errorf("dispatcher.attempts must be >= 0")
	}
	out.Attempts = dc.Attempts

	var err error
	durations := []struct {
		path string
		raw  string
		def  time.Duration
		dst  *time.Duration
	}{
		{"dispatcher.backoff_base", dc.BackoffBase, 2 * time.Second, &out.BackoffBase},
		{"dispatcher.backoff_max", dc.BackoffMax, 5 * time.Minute, &out.BackoffMax},
		{"dispatcher.stagger_interval", dc.StaggerInterval, 30 * time.Second, &out.StaggerInterval},
		{"dispatcher.connect_timeout", dc.ConnectTimeout, 5 * time.Second, &out.ConnectTimeout},
		{"dispatcher.keep_completed_age", dc.KeepCompletedAge, 24 * time.Hour, &out.Retention.CompletedMaxAge},
		{"dispatcher.keep_failed_age", dc.KeepFailedAge, 7 * 24 * time.Hour, &out.Retention.FailedMaxAge},
		{"worker.poll_interval", wc.PollInterval, time.Second, &out.PollInterval},
		{"worker.job_timeout", wc.JobTimeout, 10 * time.Minute, &out.JobTimeout},
		{"worker.stall_timeout", wc.StallTimeout, 0, &out.StallTimeout},
		{"worker.maintenance_interval", wc.MaintenanceInterval, time.Minute, &out.MaintenanceInterval},
	}
	for _, d := range durations {
		if *d.dst, err = ParseDurationOrDefault(d.path, d.raw, d.def); err != nil {
			return out, err
		}
	}
	if out.BackoffMax < out.BackoffBase {
		return out, fmt.Errorf("dispatcher.backoff_max must be >= backoff_base")
	}

	out.BackoffJitter = 0.2
	if dc.BackoffJitter != nil {
		j := *dc.BackoffJitter
		if j < 0 || j > 1 {
			return out, fmt.Errorf("dispatcher.backoff_jitter must be within [0,1]")
		}
		out.BackoffJitter = j
	}

	for _, raw := range dc.Services {
		svc, err := schedule.ParseService(raw)
		if err != nil {
			return out, fmt.Errorf("dispatcher.services: %w", err)
		}
		out.Services = append(out.Services, svc)
	}

	if dc.KeepCompleted < 0 || dc.KeepFailed < 0 {
		return out, fmt.Errorf("dispatcher.keep_*: counts must be >= 0")
	}
	out.Retention.CompletedMaxCount = orInt(dc.KeepCompleted, 100)
	out.Retention.FailedMaxCount = orInt(dc.KeepFailed, 1000)

	if wc.Concurrency < 0 || wc.ServiceBurst < 0 || wc.ServiceRate < 0 {
		return out, fmt.Errorf("worker: concurrency, service_rate and service_burst must be >= 0")
	}
	out.Concurrency = orInt(wc.Concurrency, 2)
	out.ServiceRate = wc.ServiceRate
	out.ServiceBurst = orInt(wc.ServiceBurst, 1)
	return out, nil
}

func MapWorkflow(cfg *Config) (workflow.Config, error) {
	wc := cfg.Workflow
	out := workflow.Config{Endpoint: strings.TrimSpace(wc.Endpoint), Headers: wc.Headers}
	to, err := ParseDurationOrDefault("workflow.timeout", wc.Timeout, 2*time.Minute)
	if err != nil {
		return out, err
	}
	out.Timeout = to
	if out.Endpoint != "" && !strings.HasPrefix(out.Endpoint, "http://") && !strings.HasPrefix(out.Endpoint, "https://") {
		return out, fmt.Errorf("workflow.endpoint: expected an http(s) URL, got %q", out.Endpoint)
	}
	return out, nil
}

func MapOps(cfg *Config) (ops.Config, error) {
	oc := cfg.Ops
	out := ops.Config{
		Enabled:       oc.Enabled,
		Addr:          strings.TrimSpace(oc.Addr),
		Token:         strings.TrimSpace(oc.Token),
		AllowInsecure: oc.AllowInsecure,
		Pprof:         oc.Pprof,
	}
	if out.Addr == "" {
		out.Addr = ops.DefaultAddr
	}

	var err error
	if out.ReadTimeout, err = ParseDurationOrDefault("ops.read_timeout", oc.ReadTimeout, 5*time.Second); err != nil {
		return out, err
	}
	// 0 (disabled) by default so long profiles work.
	if out.WriteTimeout, err = ParseDurationField("ops.write_timeout", oc.WriteTimeout); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = ParseDurationOrDefault("ops.idle_timeout", oc.IdleTimeout, 120*time.Second); err != nil {
		return out, err
	}

	if oc.MutexProfileFraction < 0 || oc.BlockProfileRate < 0 || oc.MemProfileRate < 0 {
		return out, fmt.Errorf("ops: profiling rates must be >= 0")
	}
	out.MutexProfileFraction = oc.MutexProfileFraction
	out.BlockProfileRate = oc.BlockProfileRate
	out.MemProfileRate = oc.MemProfileRate

	if out.Enabled {
		if _, _, err := net.SplitHostPort(out.Addr); err != nil {
			return out, fmt.Errorf("ops.addr: invalid %q (expected host:port): %w", out.Addr, err)
		}
	}
	return out, nil
}

// Validate runs every section mapper and reports the first problem.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	checks := []func(*Config) error{
		func(c *Config) error { _, err := MapLogging(c); return err },
		func(c *Config) error { _, err := MapStorage(c); return err },
		func(c *Config) error { _, err := MapBroker(c); return err },
		func(c *Config) error { _, err := MapScheduler(c); return err },
		func(c *Config) error { _, err := MapDispatch(c); return err },
		func(c *Config) error { _, err := MapWorkflow(c); return err },
		func(c *Config) error { _, err := MapOps(c); return err },
	}
	for _, check := range checks {
		if err := check(cfg); err != nil {
			return err
		}
	}
	return nil
}

func orInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
