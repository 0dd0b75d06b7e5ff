package config

import (
	"context"
	"errors"
	"fmt"

	"metricsync/internal/observability/ops"
	logx "metricsync/pkg/logx"
)

// Reloader holds the live handlers of the hot-reloadable sections. A nil
// handler leaves its section untouched.
type Reloader struct {
	Logging func(logx.Config)
	Paused  func(ctx context.Context, paused bool)
	Ops     func(ctx context.Context, cfg ops.Config)
}

// Apply runs the handler of every hot section in c and returns the changed
// sections that need a restart. A section that fails to map is skipped and
// reported in err; the others still apply.
func (r Reloader) Apply(ctx context.Context, c Change) (restart []string, err error) {
	if c.Next == nil {
		return nil, nil
	}
	var errs []error
	if c.Has("logging") && r.Logging != nil {
		if lc, err := MapLogging(c.Next); err != nil {
			errs = append(errs, fmt.Errorf("logging: %w", err))
		} else {
			r.Logging(lc)
		}
	}
	if c.Has("paused") && r.Paused != nil {
		r.Paused(ctx, c.Next.Dispatcher.Paused)
	}
	if c.Has("ops") && r.Ops != nil {
		if oc, err := MapOps(c.Next); err != nil {
			errs = append(errs, fmt.Errorf("ops: %w", err))
		} else {
			r.Ops(ctx, oc)
		}
	}
	return c.RestartRequired(), errors.Join(errs...)
}
