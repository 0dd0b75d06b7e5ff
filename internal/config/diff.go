package config

import (
	"reflect"
	"sort"
	"strings"

	logx "metricsync/pkg/logx"
)

// Sections applied at runtime on reload. Everything else needs a restart.
var hotSections = map[string]bool{
	"logging": true,
	"paused":  true,
	"ops":     true,
}

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes secrets like DSNs,
// passwords, tokens or workflow headers).
//
// dispatcher.paused is reported as its own "paused" section because it is
// applied live while the rest of the dispatcher block is not.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Broker, newCfg.Broker) {
		changed = append(changed, "broker")
		attrs = append(attrs,
			logx.String("broker.driver", strings.TrimSpace(newCfg.Broker.Driver)),
			logx.String("broker.addr", strings.TrimSpace(newCfg.Broker.Addr)),
			logx.Bool("broker.url_set", strings.TrimSpace(newCfg.Broker.URL) != ""),
			logx.String("broker.prefix", strings.TrimSpace(newCfg.Broker.Prefix)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", SchedulerEnabled(newCfg)),
			logx.String("scheduler.refresh_interval", strings.TrimSpace(newCfg.Scheduler.RefreshInterval)),
		)
	}

	oldD, newD := oldCfg.Dispatcher, newCfg.Dispatcher
	if oldD.Paused != newD.Paused {
		changed = append(changed, "paused")
		attrs = append(attrs, logx.Bool("dispatcher.paused", newD.Paused))
	}
	oldD.Paused, newD.Paused = false, false
	if !reflect.DeepEqual(oldD, newD) {
		changed = append(changed, "dispatcher")
		attrs = append(attrs,
			logx.Int("dispatcher.attempts", newD.Attempts),
			logx.Any("dispatcher.services", newD.Services),
		)
	}

	if !reflect.DeepEqual(oldCfg.Worker, newCfg.Worker) {
		changed = append(changed, "worker")
		attrs = append(attrs,
			logx.Int("worker.concurrency", newCfg.Worker.Concurrency),
			logx.String("worker.job_timeout", strings.TrimSpace(newCfg.Worker.JobTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Workflow, newCfg.Workflow) {
		changed = append(changed, "workflow")
		attrs = append(attrs,
			logx.Bool("workflow.endpoint_set", strings.TrimSpace(newCfg.Workflow.Endpoint) != ""),
			logx.Int("workflow.header_count", len(newCfg.Workflow.Headers)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Ops, newCfg.Ops) {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", strings.TrimSpace(newCfg.Ops.Addr)),
			logx.Bool("ops.pprof", newCfg.Ops.Pprof),
			logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired filters changed down to the sections a reload cannot apply.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		if !hotSections[s] {
			out = append(out, s)
		}
	}
	return out
}

// Change is one committed reload. Prev is nil when nothing was committed
// before.
type Change struct {
	Prev, Next *Config
	// Sections lists changed sections in sorted order.
	Sections []string
	// Fields are secret-free log attributes describing Next.
	Fields []logx.Field
}

func newChange(prev, next *Config) Change {
	sections, fields := SummarizeConfigChange(prev, next)
	return Change{Prev: prev, Next: next, Sections: sections, Fields: fields}
}

// Merge folds a later change into c, diffing c.Prev against later.Next.
func (c Change) Merge(later Change) Change {
	if c.Next == nil {
		return later
	}
	return newChange(c.Prev, later.Next)
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

func (c Change) Has(section string) bool {
	for _, s := range c.Sections {
		if s == section {
			return true
		}
	}
	return false
}

func (c Change) RestartRequired() []string { return RestartRequired(c.Sections) }
