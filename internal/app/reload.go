package app

import (
	"context"
	"strings"

	"metricsync/internal/config"
	logx "metricsync/pkg/logx"
)

// startReload applies committed config changes to the live components.
func (a *App) startReload() {
	changes, unsub := a.cfgm.Subscribe(8)
	r := config.Reloader{
		Logging: a.logs.Apply,
		Paused:  a.applyPaused,
		Ops:     a.ops.Reconfigure,
	}
	a.sup.Go0("config.reload", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case ch, ok := <-changes:
				if !ok {
					return
				}
				a.applyChange(c, r, ch)
			}
		}
	})
}

// Reload re-reads the config file now. Subscribers see the change as if the
// file watcher had fired.
func (a *App) Reload(ctx context.Context) error {
	c, err := a.cfgm.Reload(ctx)
	if err != nil {
		a.log.Warn("config reload rejected", logx.Err(err))
		return err
	}
	if c.Empty() {
		a.log.Info("config reloaded (no changes)")
	}
	return nil
}

func (a *App) applyChange(ctx context.Context, r config.Reloader, c config.Change) {
	if c.Empty() {
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(c.Sections, ","))}, c.Fields...)
	a.log.Debug("config change summary", fields...)

	restart, err := r.Apply(ctx, c)
	if err != nil {
		a.log.Warn("config section not applied; keeping previous", logx.Err(err))
	}
	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}
	a.log.Info("config reloaded", fields...)
}

func (a *App) applyPaused(ctx context.Context, paused bool) {
	a.paused = paused
	if !a.disp.Available() {
		a.log.Warn("queue unavailable; pause state not applied", logx.Bool("paused", paused))
		return
	}
	var err error
	if paused {
		err = a.disp.Pause(ctx)
	} else {
		err = a.disp.Resume(ctx)
	}
	if err != nil {
		a.log.Warn("pause state change failed", logx.Bool("paused", paused), logx.Err(err))
		return
	}
	a.log.Info("queue pause state changed via config", logx.Bool("paused", paused))
}
