package logx

import (
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// DefaultFilePath is used when the file sink is enabled without a path.
const DefaultFilePath = "./metricsync.log"

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

type Config struct {
	Level   string
	Console bool
	File    FileConfig
}

// FileConfig controls the JSON file sink. Rotation is size based; zero
// values keep lumberjack defaults (100MB, no age or count limit).
type FileConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// ValidLevel reports whether s names a supported level (empty means info).
func ValidLevel(s string) bool {
	if strings.TrimSpace(s) == "" {
		return true
	}
	return parseLevel(s, zerolog.NoLevel) != zerolog.NoLevel
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return def
	}
}

// Service owns the sinks. Apply swaps level and sinks at runtime; loggers
// already handed out pick the change up on their next write.
type Service struct {
	console io.Writer

	mu     sync.Mutex
	cfg    Config
	file   *lumberjack.Logger
	writer io.Writer // sinks of cfg, reused while they are unchanged

	root atomic.Pointer[zerolog.Logger]
}

type Option func(*Service)

// WithConsoleOutput sends console output to w instead of stdout.
func WithConsoleOutput(w io.Writer) Option {
	return func(s *Service) { s.console = w }
}

// New applies cfg and returns the service with its root logger.
func New(cfg Config, opts ...Option) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat

	s := &Service{console: os.Stdout}
	for _, o := range opts {
		o(s)
	}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// Apply is safe to call concurrently with logging. A level-only change keeps
// the open file; changed file settings reopen it.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writer == nil || !sameSinks(s.cfg, cfg) {
		s.writer = s.buildSinks(cfg)
	}
	s.cfg = cfg
	zl := zerolog.New(s.writer).Level(parseLevel(cfg.Level, zerolog.InfoLevel)).With().Timestamp().Logger()
	s.root.Store(&zl)
}

// buildSinks returns the writer for cfg. Without any sink enabled the
// console is used so nothing is silently lost.
func (s *Service) buildSinks(cfg Config) io.Writer {
	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, consoleWriter(s.console))
	}

	if s.file != nil && !(cfg.File.Enabled && sameFile(s.cfg.File, cfg.File)) {
		_ = s.file.Close()
		s.file = nil
	}
	if cfg.File.Enabled {
		if s.file == nil {
			s.file = &lumberjack.Logger{
				Filename:   filePath(cfg.File),
				MaxSize:    cfg.File.MaxSizeMB,
				MaxBackups: cfg.File.MaxBackups,
				MaxAge:     cfg.File.MaxAgeDays,
				Compress:   cfg.File.Compress,
			}
		}
		writers = append(writers, zerolog.SyncWriter(s.file))
	}

	if len(writers) == 0 {
		writers = append(writers, consoleWriter(s.console))
	}
	return zerolog.MultiLevelWriter(writers...)
}

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.writer = nil
	s.mu.Unlock()

	if f != nil {
		return f.Close()
	}
	return nil
}

func sameSinks(a, b Config) bool {
	return a.Console == b.Console && a.File.Enabled == b.File.Enabled && sameFile(a.File, b.File)
}

func sameFile(a, b FileConfig) bool {
	return filePath(a) == filePath(b) &&
		a.MaxSizeMB == b.MaxSizeMB &&
		a.MaxBackups == b.MaxBackups &&
		a.MaxAgeDays == b.MaxAgeDays &&
		a.Compress == b.Compress
}

func filePath(c FileConfig) string {
	if p := strings.TrimSpace(c.Path); p != "" {
		return p
	}
	return DefaultFilePath
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{Out: w, TimeFormat: timeFormat}
}
