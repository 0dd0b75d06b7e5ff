package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Zero or omitted values fall back to the component defaults.
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Broker     BrokerConfig     `json:"broker"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Worker     WorkerConfig     `json:"worker"`
	Workflow   WorkflowConfig   `json:"workflow"`
	Ops        OpsConfig        `json:"ops,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

// LoggingFile configures the rotated JSON log file.
type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// StorageConfig selects the schedule store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/schedules.db" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"`          // postgres (do not log)
	BusyTimeout  string `json:"busy_timeout,omitempty"` // sqlite
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

// BrokerConfig selects the job queue broker. URL wins over Addr.
type BrokerConfig struct {
	Driver      string `json:"driver"`
	URL         string `json:"url,omitempty"` // do not log
	Addr        string `json:"addr,omitempty"`
	Password    string `json:"password,omitempty"` // do not log
	DB          int    `json:"db,omitempty"`
	Prefix      string `json:"prefix,omitempty"`
	DialTimeout string `json:"dial_timeout,omitempty"`
}

// SchedulerConfig controls the cron trigger engine.
//
// Enabled is a pointer so an omitted block arms schedules by default while
// an explicit false runs the process without triggers.
type SchedulerConfig struct {
	Enabled         *bool  `json:"enabled,omitempty"`
	FireTimeout     string `json:"fire_timeout,omitempty"`
	RefreshInterval string `json:"refresh_interval,omitempty"`
}

// DispatcherConfig controls job creation and the retry policy.
//
// Defaults (when fields are omitted/zero):
//   - attempts: 3
//   - backoff_base: "2s", backoff_max: "5m", backoff_jitter: 0.2
//   - stagger_interval: "30s"
//   - connect_timeout: "5s"
//   - keep_completed: 100 jobs / "24h", keep_failed: 1000 jobs / "168h"
type DispatcherConfig struct {
	Attempts        int      `json:"attempts,omitempty"`
	BackoffBase     string   `json:"backoff_base,omitempty"`
	BackoffMax      string   `json:"backoff_max,omitempty"`
	BackoffJitter   *float64 `json:"backoff_jitter,omitempty"`
	StaggerInterval string   `json:"stagger_interval,omitempty"`
	ConnectTimeout  string   `json:"connect_timeout,omitempty"`

	// Services restricts EnqueueAllSyncs. Empty means every service.
	Services []string `json:"services,omitempty"`

	KeepCompleted    int    `json:"keep_completed,omitempty"`
	KeepCompletedAge string `json:"keep_completed_age,omitempty"`
	KeepFailed       int    `json:"keep_failed,omitempty"`
	KeepFailedAge    string `json:"keep_failed_age,omitempty"`

	// Paused is applied at startup and on every reload.
	Paused bool `json:"paused,omitempty"`
}

// WorkerConfig controls the consumer pool.
type WorkerConfig struct {
	Concurrency         int     `json:"concurrency,omitempty"`
	PollInterval        string  `json:"poll_interval,omitempty"`
	JobTimeout          string  `json:"job_timeout,omitempty"`
	StallTimeout        string  `json:"stall_timeout,omitempty"`
	MaintenanceInterval string  `json:"maintenance_interval,omitempty"`
	ServiceRate         float64 `json:"service_rate,omitempty"` // jobs/sec per service, 0 = unlimited
	ServiceBurst        int     `json:"service_burst,omitempty"`
}

// WorkflowConfig points workers at the sync workflow.
// An empty endpoint runs jobs through the logging executor.
type WorkflowConfig struct {
	Endpoint string            `json:"endpoint,omitempty"`
	Timeout  string            `json:"timeout,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"` // values are not logged
}

// OpsConfig controls the operational HTTP server (health, metrics, stats, pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9090").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9090"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	// WriteTimeout defaults to 0 (disabled) so /debug/pprof/profile works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}
