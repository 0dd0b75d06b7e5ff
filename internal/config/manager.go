package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	logx "metricsync/pkg/logx"
)

// validateTimeout bounds the optional validator hook of Reload.
const validateTimeout = 5 * time.Second

// Manager owns the committed config. Reload re-reads the file and hands the
// resulting Change to subscribers; Watch calls Reload on file events.
type Manager struct {
	path string
	log  logx.Logger

	mu       sync.RWMutex
	cfg      *Config
	lastHash uint64

	// reloadMu serializes Reload so two changes never commit out of order.
	reloadMu  sync.Mutex
	validator func(ctx context.Context, cfg *Config) error

	subsMu sync.Mutex
	subs   map[uint64]chan Change
	subSeq uint64
}

func NewManager(path string) *Manager {
	return &Manager{path: path, log: logx.Nop(), subs: map[uint64]chan Change{}}
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs an extra check run by Reload after Validate.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Parse decodes the file strictly: unknown fields and trailing data fail.
func (m *Manager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	jb, err := toJSON(m.path, b)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", m.path, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			err = errors.New("trailing data")
		}
		return nil, fmt.Errorf("%s: %w", m.path, err)
	}
	return &cfg, nil
}

// Load parses and validates the file and commits it without notifying
// subscribers. It is the startup path.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", m.path, err)
	}
	m.commit(cfg, hashConfig(cfg))
	return cfg, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Reload re-reads the file. A config that fails validation is never
// committed. Content identical to the committed config yields an empty
// Change and no publish.
func (m *Manager) Reload(ctx context.Context) (Change, error) {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	cfg, err := m.Parse()
	if err != nil {
		return Change{}, err
	}
	h := hashConfig(cfg)
	m.mu.RLock()
	prev, unchanged := m.cfg, h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if unchanged {
		return Change{}, nil
	}

	if err := Validate(cfg); err != nil {
		return Change{}, fmt.Errorf("%s: %w", m.path, err)
	}
	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			return Change{}, fmt.Errorf("%s: %w", m.path, err)
		}
	}

	m.commit(cfg, h)
	c := newChange(prev, cfg)
	m.publish(c)
	return c, nil
}

func (m *Manager) commit(cfg *Config, h uint64) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = h
	m.mu.Unlock()
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}

// Subscribe returns a channel of committed changes. A subscriber that falls
// behind gets its pending changes merged rather than dropped.
func (m *Manager) Subscribe(buffer int) (<-chan Change, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan Change, buffer)
	m.subsMu.Lock()
	m.subSeq++
	id := m.subSeq
	m.subs[id] = ch
	m.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subsMu.Lock()
			delete(m.subs, id)
			close(ch)
			m.subsMu.Unlock()
		})
	}
}

func (m *Manager) publish(c Change) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- c:
			continue
		default:
		}
		// Full: fold the oldest pending change into this one.
		merged := c
		select {
		case old := <-ch:
			merged = old.Merge(c)
		default:
		}
		select {
		case ch <- merged:
		default:
			m.log.Warn("config change not delivered (subscriber full)", logx.Int("queue_cap", cap(ch)))
		}
	}
}
