package queue

import (
	"errors"
	"strings"
)

// Config selects and configures the broker.
//
// Driver values:
//   - "redis": durable, shared between scheduler and worker processes
//   - "memory": process-local; jobs are lost on restart
type Config struct {
	Driver string
	Redis  RedisConfig
}

// Open builds the configured broker without contacting it.
func Open(cfg Config) (Broker, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "redis":
		r, err := OpenRedis(cfg.Redis)
		if err != nil {
			return nil, err
		}
		return r, nil
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown queue driver: " + cfg.Driver)
	}
}
