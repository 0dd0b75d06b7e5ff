// Package workflow provides dispatch.Executor implementations that run the
// per-service sync for one job.
package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"metricsync/internal/dispatch"
	logx "metricsync/pkg/logx"
)

// maxBody caps how much of a response is read.
const maxBody = 1 << 20

type Config struct {
	Endpoint string
	Timeout  time.Duration
	Headers  map[string]string
}

// New returns an HTTP executor when an endpoint is configured, else Log.
func New(cfg Config, log logx.Logger) dispatch.Executor {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		log.Warn("workflow endpoint not configured; jobs are logged and skipped")
		return Log{log: log}
	}
	return NewHTTP(cfg, nil)
}

// HTTP posts each job as JSON to a sync endpoint and decodes a
// dispatch.Result from the response.
//
// 429, 5xx and network errors are transient and honour Retry-After. Any
// other non-2xx status is terminal.
type HTTP struct {
	endpoint string
	headers  map[string]string
	client   *http.Client
}

// NewHTTP builds an HTTP executor. client may be nil.
func NewHTTP(cfg Config, client *http.Client) *HTTP {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTP{endpoint: cfg.Endpoint, headers: cfg.Headers, client: client}
}

func (h *HTTP) Execute(ctx context.Context, job dispatch.Job) (dispatch.Result, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return dispatch.Result{}, dispatch.Terminal(fmt.Errorf("encode job: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return dispatch.Result{}, dispatch.Terminal(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Job-ID", job.JobID)
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return dispatch.Result{}, dispatch.Transient(fmt.Errorf("sync %s: %w", job.Service, err))
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxBody))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		cause := fmt.Errorf("sync %s: status %d: %s", job.Service, resp.StatusCode, snippet(raw))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			err := dispatch.Transient(cause)
			if d, ok := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
				err = dispatch.RetryAfter(err, d)
			}
			return dispatch.Result{}, err
		}
		return dispatch.Result{}, dispatch.Terminal(cause)
	}

	var res dispatch.Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return dispatch.Result{}, dispatch.Transient(fmt.Errorf("sync %s: decode result: %w", job.Service, err))
	}
	if !res.Success {
		return res, dispatch.Transient(errors.New(firstNonEmpty(res.Error, "sync reported failure")))
	}
	return res, nil
}

// Log is a development executor: it records the job and succeeds with
// mode skip.
type Log struct {
	log logx.Logger
}

func NewLog(log logx.Logger) Log { return Log{log: log} }

func (l Log) Execute(ctx context.Context, job dispatch.Job) (dispatch.Result, error) {
	l.log.Info("sync skipped (no workflow endpoint)",
		logx.String("job_id", job.JobID),
		logx.String("service", string(job.Service)),
		logx.String("target_date", job.TargetDate),
	)
	return dispatch.Result{Success: true, Mode: dispatch.ModeSkip, ID: job.JobID}, nil
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
