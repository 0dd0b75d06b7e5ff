package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"metricsync/internal/app"
	"metricsync/pkg/systemd"
)

func main() {
	var (
		cfgPath string
		roleRaw string
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (json or yaml)")
	flag.StringVar(&roleRaw, "role", "all", "process role: all, scheduler or worker")
	flag.Parse()

	role, err := app.ParseRole(roleRaw)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(2)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	a, err := app.New(cfgPath, role)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	if err := a.Start(context.Background()); err != nil {
		fmt.Println("fatal start:", err)
		_ = a.Stop(context.Background(), app.StopFatalError)
		os.Exit(1)
	}
	_ = systemd.Ready()
	_ = systemd.Status("running as " + string(role))

	reason := wait(a, sigCh)
	_ = systemd.Stopping()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	_ = a.Stop(ctx, reason)

	if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}

// wait blocks until a stop signal or a fatal app error. SIGHUP reloads the
// config in place.
func wait(a *app.App, sigCh <-chan os.Signal) app.StopReason {
	for {
		select {
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				_ = systemd.Reloading()
				_ = a.Reload(context.Background())
				_ = systemd.Ready()
			case syscall.SIGTERM:
				return app.StopSIGTERM
			default:
				return app.StopSIGINT
			}
		case <-a.Done():
			return app.StopFatalError
		}
	}
}
