package ops

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	logx "metricsync/pkg/logx"
)

func get(t *testing.T, url, token string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, http.NoBody)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func testSources() Sources {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "ops_test_total", Help: "test"})
	c.Add(3)
	reg.MustRegister(c)
	return Sources{
		Metrics: reg,
		Ready:   func(context.Context) error { return nil },
		Stats:   func(context.Context) any { return map[string]int{"armed": 2} },
	}
}

func TestRouterEndpoints(t *testing.T) {
	ts := httptest.NewServer(NewRouter(Config{}, testSources(), logx.Nop()))
	defer ts.Close()

	if code, body := get(t, ts.URL+"/healthz", ""); code != http.StatusOK || body != "ok" {
		t.Fatalf("healthz: %d %q", code, body)
	}
	if code, _ := get(t, ts.URL+"/readyz", ""); code != http.StatusOK {
		t.Fatalf("readyz: %d", code)
	}
	code, body := get(t, ts.URL+"/metrics", "")
	if code != http.StatusOK || !strings.Contains(body, "ops_test_total 3") {
		t.Fatalf("metrics: %d %q", code, body)
	}
	code, body = get(t, ts.URL+"/stats", "")
	if code != http.StatusOK || !strings.Contains(body, `"armed": 2`) {
		t.Fatalf("stats: %d %q", code, body)
	}
	if code, _ := get(t, ts.URL+"/debug/pprof/", ""); code != http.StatusNotFound {
		t.Fatalf("pprof should be off by default, got %d", code)
	}
}

func TestRouterReadyReportsFailure(t *testing.T) {
	src := testSources()
	src.Ready = func(context.Context) error { return errors.New("queue unavailable") }
	ts := httptest.NewServer(NewRouter(Config{}, src, logx.Nop()))
	defer ts.Close()

	code, body := get(t, ts.URL+"/readyz", "")
	if code != http.StatusServiceUnavailable || !strings.Contains(body, "queue unavailable") {
		t.Fatalf("readyz: %d %q", code, body)
	}
}

func TestRouterTokenGuardsEverythingButProbes(t *testing.T) {
	ts := httptest.NewServer(NewRouter(Config{Token: "s3cret", Pprof: true}, testSources(), logx.Nop()))
	defer ts.Close()

	if code, _ := get(t, ts.URL+"/healthz", ""); code != http.StatusOK {
		t.Fatalf("healthz must stay open, got %d", code)
	}
	for _, path := range []string{"/metrics", "/stats", "/debug/pprof/"} {
		if code, _ := get(t, ts.URL+path, ""); code != http.StatusUnauthorized {
			t.Fatalf("%s without token: %d", path, code)
		}
		if code, _ := get(t, ts.URL+path, "wrong"); code != http.StatusUnauthorized {
			t.Fatalf("%s with wrong token: %d", path, code)
		}
		if code, _ := get(t, ts.URL+path, "s3cret"); code != http.StatusOK {
			t.Fatalf("%s with token: %d", path, code)
		}
	}
	if code, _ := get(t, ts.URL+"/stats?token=s3cret", ""); code != http.StatusOK {
		t.Fatalf("query token: %d", code)
	}
	for _, bad := range []string{"s3cre", "s3cret2", "S3CRET"} {
		if code, _ := get(t, ts.URL+"/stats?token="+bad, ""); code != http.StatusUnauthorized {
			t.Fatalf("query token %q: %d", bad, code)
		}
	}
}

func TestTokenEqual(t *testing.T) {
	cases := []struct {
		got, want string
		ok        bool
	}{
		{"s3cret", "s3cret", true},
		{"s3cre", "s3cret", false},
		{"s3cret!", "s3cret", false},
		{"", "s3cret", false},
	}
	for _, c := range cases {
		if tokenEqual(c.got, c.want) != c.ok {
			t.Fatalf("tokenEqual(%q, %q) != %v", c.got, c.want, c.ok)
		}
	}
}

func TestServiceReconfigureEnableDisable(t *testing.T) {
	s := New(Config{}, testSources(), logx.Nop())
	t.Cleanup(func() { s.Stop(context.Background()) })
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	s.Reconfigure(context.Background(), Config{Enabled: true, Addr: "127.0.0.1:0"})
	addr := s.Addr()
	if addr == "" {
		t.Fatalf("expected a bound address")
	}
	if code, _ := get(t, "http://"+addr+"/healthz", ""); code != http.StatusOK {
		t.Fatalf("healthz: %d", code)
	}

	// Same config keeps the listener.
	s.Reconfigure(context.Background(), Config{Enabled: true, Addr: "127.0.0.1:0"})
	if s.Addr() != addr {
		t.Fatalf("unexpected restart: %s -> %s", addr, s.Addr())
	}

	s.Reconfigure(ctx, Config{Enabled: false})
	if s.Supervisor() != nil || s.Addr() != "" {
		t.Fatalf("expected stopped service")
	}
	if _, err := http.Get("http://" + addr + "/healthz"); err == nil {
		t.Fatalf("listener still accepting after stop")
	}
}

func TestServiceRefusesPublicBindWithoutToken(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, testSources(), logx.Nop())
	if err := s.Start(context.Background()); !errors.Is(err, ErrInsecureBind) {
		t.Fatalf("expected ErrInsecureBind, got %v", err)
	}
	if s.Supervisor() != nil {
		t.Fatalf("nothing should be running")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:9090": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":9090":          false,
		"10.0.0.1:9090":  false,
		"garbage":        false,
	}
	for in, want := range cases {
		if got := isLoopbackAddr(in); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", in, got, want)
		}
	}
}
