package config

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"metricsync/internal/observability/ops"
	"metricsync/internal/schedule"
	logx "metricsync/pkg/logx"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestLoadExampleConfig(t *testing.T) {
	m := NewManager(filepath.Join("..", "..", "configs", "metricsync.example.yaml"))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load example: %v", err)
	}
	if m.Get() != cfg {
		t.Fatalf("Get should return the committed config")
	}
	dc, err := MapDispatch(cfg)
	if err != nil {
		t.Fatalf("map dispatch: %v", err)
	}
	want := []schedule.Service{schedule.ServiceGA4, schedule.ServiceMeta, schedule.ServiceShopify}
	if !reflect.DeepEqual(dc.Services, want) {
		t.Fatalf("services = %v", dc.Services)
	}
	if dc.ServiceRate != 0.5 || dc.ServiceBurst != 2 {
		t.Fatalf("rate = %v burst = %d", dc.ServiceRate, dc.ServiceBurst)
	}
	sc, err := MapStorage(cfg)
	if err != nil || sc.Driver != "sqlite" || sc.BusyTimeout != 5*time.Second {
		t.Fatalf("storage = %+v err=%v", sc, err)
	}
}

func TestParseIsStrict(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"unknown.json":  `{"logging":{"level":"info"},"telegram":{}}`,
		"trailing.json": `{"logging":{}} {"logging":{}}`,
		"unknown.yaml":  "worker:\n  concurency: 2\n",
	}
	for name, body := range cases {
		m := NewManager(writeFile(t, dir, name, body))
		if _, err := m.Parse(); err == nil {
			t.Fatalf("%s: expected parse error", name)
		}
	}
}

func TestEmptyConfigUsesDefaults(t *testing.T) {
	cfg := &Config{}
	if err := Validate(cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}
	dc, _ := MapDispatch(cfg)
	if dc.BackoffBase != 2*time.Second || dc.BackoffMax != 5*time.Minute {
		t.Fatalf("backoff defaults: %+v", dc)
	}
	if dc.BackoffJitter != 0.2 {
		t.Fatalf("jitter default = %v", dc.BackoffJitter)
	}
	if dc.Retention.CompletedMaxCount != 100 || dc.Retention.FailedMaxAge != 7*24*time.Hour {
		t.Fatalf("retention defaults: %+v", dc.Retention)
	}
	if dc.Concurrency != 2 || dc.PollInterval != time.Second {
		t.Fatalf("worker defaults: %+v", dc)
	}
	sc, _ := MapScheduler(cfg)
	if sc.FireTimeout != 10*time.Second || sc.RefreshInterval != 0 {
		t.Fatalf("scheduler defaults: %+v", sc)
	}
	if !SchedulerEnabled(cfg) {
		t.Fatalf("scheduler should default to enabled")
	}
	oc, _ := MapOps(cfg)
	if oc.Enabled || oc.Addr != "127.0.0.1:9090" || oc.WriteTimeout != 0 {
		t.Fatalf("ops defaults: %+v", oc)
	}
}

func TestJitterZeroIsHonoured(t *testing.T) {
	zero := 0.0
	dc, err := MapDispatch(&Config{Dispatcher: DispatcherConfig{BackoffJitter: &zero}})
	if err != nil || dc.BackoffJitter != 0 {
		t.Fatalf("jitter = %v err=%v", dc.BackoffJitter, err)
	}
}

func TestValidateRejects(t *testing.T) {
	bad := 1.5
	cases := map[string]*Config{
		"level":       {Logging: LoggingConfig{Level: "loud"}},
		"file path":   {Logging: LoggingConfig{File: LoggingFile{Enabled: true}}},
		"storage":     {Storage: StorageConfig{Driver: "mongo"}},
		"sqlite path": {Storage: StorageConfig{Driver: "sqlite"}},
		"pg dsn":      {Storage: StorageConfig{Driver: "postgres"}},
		"busy":        {Storage: StorageConfig{Driver: "memory", BusyTimeout: "soon"}},
		"broker":      {Broker: BrokerConfig{Driver: "kafka"}},
		"fire":        {Scheduler: SchedulerConfig{FireTimeout: "-1s"}},
		"service":     {Dispatcher: DispatcherConfig{Services: []string{"tiktok"}}},
		"jitter":      {Dispatcher: DispatcherConfig{BackoffJitter: &bad}},
		"backoff":     {Dispatcher: DispatcherConfig{BackoffBase: "1m", BackoffMax: "10s"}},
		"concurrency": {Worker: WorkerConfig{Concurrency: -1}},
		"endpoint":    {Workflow: WorkflowConfig{Endpoint: "ftp://x"}},
		"ops addr":    {Ops: OpsConfig{Enabled: true, Addr: "9090"}},
	}
	for name, cfg := range cases {
		if err := Validate(cfg); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	a := &Config{Storage: StorageConfig{Driver: "postgres", DSN: "postgres://u:secret@db/x"}}
	b := *a
	b.Dispatcher.Paused = true
	b.Ops = OpsConfig{Enabled: true, Token: "tok"}
	b.Storage.DSN = "postgres://u:other@db/x"

	changed, attrs := SummarizeConfigChange(a, &b)
	if len(attrs) == 0 {
		t.Fatalf("expected attrs for changed sections")
	}
	if !reflect.DeepEqual(changed, []string{"ops", "paused", "storage"}) {
		t.Fatalf("changed = %v", changed)
	}
	if got := RestartRequired(changed); !reflect.DeepEqual(got, []string{"storage"}) {
		t.Fatalf("restart required = %v", got)
	}

	changed, _ = SummarizeConfigChange(a, a)
	if len(changed) != 0 {
		t.Fatalf("identical configs reported %v", changed)
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "metricsync.json", `{"logging":{"level":"info"}}`)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	ch, unsub := m.Subscribe(1)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()

	// Wait for the watcher before writing.
	time.Sleep(100 * time.Millisecond)

	// Invalid content is rejected and never published.
	writeFile(t, dir, "metricsync.json", `{"logging":{"level":"loud"}}`)
	select {
	case c := <-ch:
		t.Fatalf("invalid config published: %v", c.Sections)
	case <-time.After(600 * time.Millisecond):
	}

	writeFile(t, dir, "metricsync.json", `{"logging":{"level":"debug"},"dispatcher":{"paused":true}}`)
	select {
	case c := <-ch:
		if !reflect.DeepEqual(c.Sections, []string{"logging", "paused"}) {
			t.Fatalf("sections = %v", c.Sections)
		}
		if c.Next.Logging.Level != "debug" || c.Prev.Logging.Level != "info" {
			t.Fatalf("unexpected change: prev=%+v next=%+v", c.Prev.Logging, c.Next.Logging)
		}
		if m.Get() != c.Next {
			t.Fatalf("published config not committed")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no config published")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Watch did not return")
	}
}

func TestReloadSkipsUnchangedContent(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "metricsync.json", `{"logging":{"level":"info"}}`)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	ch, unsub := m.Subscribe(1)
	defer unsub()

	// Same config, different formatting.
	writeFile(t, dir, "metricsync.json", "{\n  \"logging\": {\"level\": \"info\"}\n}")
	c, err := m.Reload(context.Background())
	if err != nil || !c.Empty() {
		t.Fatalf("reload = %v, %v", c.Sections, err)
	}
	select {
	case c := <-ch:
		t.Fatalf("unchanged config published: %v", c.Sections)
	default:
	}
}

func TestReloadMergesChangesForSlowSubscriber(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "metricsync.json", `{}`)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	ch, unsub := m.Subscribe(1)
	defer unsub()

	writeFile(t, dir, "metricsync.json", `{"logging":{"level":"debug"}}`)
	if _, err := m.Reload(context.Background()); err != nil {
		t.Fatalf("reload 1: %v", err)
	}
	writeFile(t, dir, "metricsync.json", `{"logging":{"level":"debug"},"ops":{"enabled":true}}`)
	if _, err := m.Reload(context.Background()); err != nil {
		t.Fatalf("reload 2: %v", err)
	}

	c := <-ch
	if !reflect.DeepEqual(c.Sections, []string{"logging", "ops"}) {
		t.Fatalf("merged sections = %v", c.Sections)
	}
	if c.Prev.Logging.Level != "" || !c.Next.Ops.Enabled {
		t.Fatalf("merged change spans wrong configs: prev=%+v next=%+v", c.Prev.Logging, c.Next.Ops)
	}
	select {
	case extra := <-ch:
		t.Fatalf("unexpected second change %v", extra.Sections)
	default:
	}
}

func TestReloaderAppliesHotSections(t *testing.T) {
	prev := &Config{}
	next := &Config{
		Logging:    LoggingConfig{Level: "debug"},
		Dispatcher: DispatcherConfig{Paused: true},
		Ops:        OpsConfig{Enabled: true, Addr: "127.0.0.1:9999"},
		Worker:     WorkerConfig{Concurrency: 4},
	}
	var (
		level  string
		paused bool
		addr   string
	)
	r := Reloader{
		Logging: func(c logx.Config) { level = c.Level },
		Paused:  func(_ context.Context, p bool) { paused = p },
		Ops:     func(_ context.Context, c ops.Config) { addr = c.Addr },
	}
	restart, err := r.Apply(context.Background(), newChange(prev, next))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if level != "debug" || !paused || addr != "127.0.0.1:9999" {
		t.Fatalf("handlers saw level=%q paused=%v addr=%q", level, paused, addr)
	}
	if !reflect.DeepEqual(restart, []string{"worker"}) {
		t.Fatalf("restart = %v", restart)
	}
}

func TestReloaderSkipsInvalidSection(t *testing.T) {
	next := &Config{
		Logging: LoggingConfig{Level: "debug"},
		Ops:     OpsConfig{Enabled: true, Addr: "nope"},
	}
	var logged, opsCalled bool
	r := Reloader{
		Logging: func(logx.Config) { logged = true },
		Ops:     func(context.Context, ops.Config) { opsCalled = true },
	}
	_, err := r.Apply(context.Background(), newChange(&Config{}, next))
	if err == nil || !strings.Contains(err.Error(), "ops") {
		t.Fatalf("err = %v", err)
	}
	if !logged || opsCalled {
		t.Fatalf("logged=%v opsCalled=%v", logged, opsCalled)
	}
}

func TestParseDurationField(t *testing.T) {
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty: %v %v", d, err)
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatalf("negative accepted")
	}
	_, err := ParseDurationField("worker.job_timeout", "ten")
	if err == nil || !strings.Contains(err.Error(), "worker.job_timeout") {
		t.Fatalf("error should name the field: %v", err)
	}
	if d, _ := ParseDurationOrDefault("x", "0s", time.Minute); d != time.Minute {
		t.Fatalf("zero should fall back: %v", d)
	}
}
