package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidLevel(t *testing.T) {
	t.Parallel()

	for _, lvl := range []string{"", "debug", "INFO", "warning", " error "} {
		if !ValidLevel(lvl) {
			t.Fatalf("ValidLevel(%q) = false, want true", lvl)
		}
	}
	if ValidLevel("loud") {
		t.Fatal("ValidLevel(loud) = true, want false")
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()

	var l Logger
	l.Info("dropped", String("k", "v"))
	l.With(Int("n", 1)).Error("also dropped")
	Nop().Warn("dropped too", Err(errors.New("x")))
}

func TestConsoleOutputFollowsApply(t *testing.T) {
	var buf bytes.Buffer
	svc, log := New(Config{Level: "info", Console: true}, WithConsoleOutput(&buf))
	defer svc.Close()

	log = log.With(String("comp", "scheduler"))
	log.Debug("hidden")
	log.Info("armed", Int64("schedule_id", 3), Err(nil))
	if out := buf.String(); strings.Contains(out, "hidden") || !strings.Contains(out, "armed") ||
		!strings.Contains(out, "schedule_id=") || !strings.Contains(out, "scheduler") {
		t.Fatalf("unexpected console output:\n%s", out)
	}
	if strings.Contains(buf.String(), "err=") {
		t.Fatalf("nil error must not be logged:\n%s", buf.String())
	}

	buf.Reset()
	svc.Apply(Config{Level: "debug", Console: true})
	log.Debug("now visible")
	if !strings.Contains(buf.String(), "now visible") {
		t.Fatalf("level change not applied:\n%s", buf.String())
	}
}

func TestApplyMovesFileSink(t *testing.T) {
	dir := t.TempDir()
	first, second := filepath.Join(dir, "a.log"), filepath.Join(dir, "b.log")
	svc, log := New(Config{File: FileConfig{Enabled: true, Path: first}})

	log.Info("one")
	svc.Apply(Config{File: FileConfig{Enabled: true, Path: second}})
	log.Info("two")
	if err := svc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	a, _ := os.ReadFile(first)
	b, _ := os.ReadFile(second)
	if !strings.Contains(string(a), `"one"`) || strings.Contains(string(a), `"two"`) {
		t.Fatalf("first file: %s", a)
	}
	if !strings.Contains(string(b), `"two"`) {
		t.Fatalf("second file: %s", b)
	}
}

func TestServiceFileSinkWritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	svc, log := New(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})

	log.With(String("comp", "test")).Info("hello", Int64("tenant_id", 7))

	// Switching to warn must drop info lines without reopening the file.
	svc.Apply(Config{Level: "warn", File: FileConfig{Enabled: true, Path: path}})
	log.Info("filtered")
	log.Warn("kept")

	if err := svc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2:\n%s", len(lines), b)
	}

	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if first["message"] != "hello" || first["comp"] != "test" {
		t.Fatalf("unexpected first line: %v", first)
	}
	if v, ok := first["tenant_id"].(float64); !ok || v != 7 {
		t.Fatalf("tenant_id = %v, want 7", first["tenant_id"])
	}
	if !strings.Contains(lines[1], `"kept"`) {
		t.Fatalf("second line = %s, want kept", lines[1])
	}
}
