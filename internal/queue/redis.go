package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig describes how to reach the broker. URL wins over Addr.
type RedisConfig struct {
	URL         string
	Addr        string
	Password    string
	DB          int
	Prefix      string
	DialTimeout time.Duration
}

// Redis is a Broker backed by Redis hashes and sorted sets.
type Redis struct {
	client redis.UniversalClient
	keys   keys
	owned  bool
}

// OpenRedis builds a client from cfg. It does not touch the network;
// call Ping to check reachability.
func OpenRedis(cfg RedisConfig) (*Redis, error) {
	var opts *redis.Options
	if u := strings.TrimSpace(cfg.URL); u != "" {
		o, err := redis.ParseURL(u)
		if err != nil {
			return nil, fmt.Errorf("queue/redis: parse url: %w", err)
		}
		opts = o
	} else {
		addr := strings.TrimSpace(cfg.Addr)
		if addr == "" {
			addr = "127.0.0.1:6379"
		}
		opts = &redis.Options{Addr: addr, Password: cfg.Password, DB: cfg.DB}
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	// Fail fast: reconnect policy is owned by the dispatcher, not the client.
	opts.MaxRetries = 1
	r := NewRedis(redis.NewClient(opts), cfg.Prefix)
	r.owned = true
	return r, nil
}

// NewRedis wraps an existing client. Close does not close a borrowed client.
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Redis{client: client, keys: keys{prefix: prefix}}
}

// claimScript promotes due delayed jobs, then pops the best waiting job into active.
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[1], id)
  local key = ARGV[2] .. id
  local score = redis.call('HGET', key, 'wait_score') or ARGV[1]
  redis.call('HSET', key, 'state', 'waiting')
  redis.call('ZADD', KEYS[2], score, id)
end
if redis.call('EXISTS', KEYS[4]) == 1 then return false end
local popped = redis.call('ZPOPMIN', KEYS[2])
if #popped == 0 then return false end
local id = popped[1]
local key = ARGV[2] .. id
redis.call('HSET', key, 'state', 'active', 'updated_at', ARGV[1])
redis.call('HINCRBY', key, 'attempts', 1)
redis.call('ZADD', KEYS[3], ARGV[1], id)
return id
`)

// finishScript moves an active job to another set; 0 means it was not active.
var finishScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[2]) == 0 then return 0 end
redis.call('ZADD', KEYS[2], ARGV[1], ARGV[2])
for i = 3, #ARGV, 2 do
  redis.call('HSET', KEYS[3], ARGV[i], ARGV[i + 1])
end
return 1
`)

// requeueScript returns active jobs claimed before the cutoff to waiting.
var requeueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local key = ARGV[2] .. id
  local score = redis.call('HGET', key, 'wait_score') or '0'
  redis.call('HSET', key, 'state', 'waiting')
  redis.call('ZADD', KEYS[2], score, id)
end
return #ids
`)

const promoteBatch = 100

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	if !r.owned {
		return nil
	}
	return r.client.Close()
}

func (r *Redis) Add(ctx context.Context, rec Record) error {
	key := r.keys.job(rec.ID)
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("queue/redis: add job: %w", err)
	}
	if n > 0 {
		return ErrDuplicate
	}

	rec.Priority = clampPriority(rec.Priority)
	rec.State = StateWaiting
	if rec.RunAt.After(rec.CreatedAt) {
		rec.State = StateDelayed
	}
	rec.UpdatedAt = rec.CreatedAt
	score := waitScore(rec.Priority, rec.CreatedAt)

	fields := recordToMap(rec)
	fields["wait_score"] = formatScore(score)

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if rec.State == StateDelayed {
		pipe.ZAdd(ctx, r.keys.delayed(), redis.Z{Score: float64(rec.RunAt.UnixMilli()), Member: rec.ID})
	} else {
		pipe.ZAdd(ctx, r.keys.wait(), redis.Z{Score: score, Member: rec.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue/redis: add job: %w", err)
	}
	return nil
}

func (r *Redis) Claim(ctx context.Context, now time.Time) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	id, err := claimScript.Run(ctx, r.client,
		[]string{r.keys.delayed(), r.keys.wait(), r.keys.active(), r.keys.paused()},
		ms(now), r.keys.jobPrefix(), promoteBatch,
	).Text()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("queue/redis: claim: %w", err)
	}
	rec, err := r.Get(ctx, id)
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func (r *Redis) finish(ctx context.Context, id string, target string, score time.Time, fields ...string) error {
	args := make([]any, 0, 2+len(fields))
	args = append(args, ms(score), id)
	for _, f := range fields {
		args = append(args, f)
	}
	n, err := finishScript.Run(ctx, r.client,
		[]string{r.keys.active(), target, r.keys.job(id)}, args...,
	).Int()
	if err != nil {
		return fmt.Errorf("queue/redis: finish %s: %w", id, err)
	}
	if n == 0 {
		if exists, _ := r.client.Exists(ctx, r.keys.job(id)).Result(); exists == 0 {
			return ErrNotFound
		}
		return ErrNotActive
	}
	return nil
}

func (r *Redis) Complete(ctx context.Context, id string, result []byte, now time.Time) error {
	return r.finish(ctx, id, r.keys.completed(), now,
		"state", string(StateCompleted),
		"result", string(result),
		"progress", "100",
		"finished_at", ms(now),
		"updated_at", ms(now),
	)
}

func (r *Redis) Retry(ctx context.Context, id string, runAt time.Time, reason string, now time.Time) error {
	return r.finish(ctx, id, r.keys.delayed(), runAt,
		"state", string(StateDelayed),
		"run_at", ms(runAt),
		"failed_reason", reason,
		"updated_at", ms(now),
	)
}

func (r *Redis) Fail(ctx context.Context, id string, reason string, now time.Time) error {
	return r.finish(ctx, id, r.keys.failed(), now,
		"state", string(StateFailed),
		"failed_reason", reason,
		"finished_at", ms(now),
		"updated_at", ms(now),
	)
}

func (r *Redis) Get(ctx context.Context, id string) (Record, error) {
	m, err := r.client.HGetAll(ctx, r.keys.job(id)).Result()
	if err != nil {
		return Record{}, fmt.Errorf("queue/redis: get %s: %w", id, err)
	}
	if len(m) == 0 {
		return Record{}, ErrNotFound
	}
	return mapToRecord(m), nil
}

func (r *Redis) Counts(ctx context.Context) (Counts, error) {
	pipe := r.client.Pipeline()
	waiting := pipe.ZCard(ctx, r.keys.wait())
	active := pipe.ZCard(ctx, r.keys.active())
	completed := pipe.ZCard(ctx, r.keys.completed())
	failed := pipe.ZCard(ctx, r.keys.failed())
	delayed := pipe.ZCard(ctx, r.keys.delayed())
	paused := pipe.Exists(ctx, r.keys.paused())
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, fmt.Errorf("queue/redis: counts: %w", err)
	}
	return Counts{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Delayed:   delayed.Val(),
		Paused:    paused.Val() > 0,
	}, nil
}

func (r *Redis) Prune(ctx context.Context, policy Retention, now time.Time) (int, error) {
	a, err := r.pruneSet(ctx, StateCompleted, policy.CompletedMaxAge, policy.CompletedMaxCount, now)
	if err != nil {
		return 0, err
	}
	b, err := r.pruneSet(ctx, StateFailed, policy.FailedMaxAge, policy.FailedMaxCount, now)
	return a + b, err
}

func (r *Redis) pruneSet(ctx context.Context, state State, maxAge time.Duration, maxCount int, now time.Time) (int, error) {
	set := r.keys.finished(state)
	victims := map[string]struct{}{}

	if maxAge > 0 {
		ids, err := r.client.ZRangeByScore(ctx, set, &redis.ZRangeBy{
			Min: "-inf",
			Max: "(" + ms(now.Add(-maxAge)),
		}).Result()
		if err != nil {
			return 0, fmt.Errorf("queue/redis: prune %s: %w", state, err)
		}
		for _, id := range ids {
			victims[id] = struct{}{}
		}
	}
	if maxCount > 0 {
		total, err := r.client.ZCard(ctx, set).Result()
		if err != nil {
			return 0, fmt.Errorf("queue/redis: prune %s: %w", state, err)
		}
		if excess := total - int64(maxCount); excess > 0 {
			ids, err := r.client.ZRange(ctx, set, 0, excess-1).Result()
			if err != nil {
				return 0, fmt.Errorf("queue/redis: prune %s: %w", state, err)
			}
			for _, id := range ids {
				victims[id] = struct{}{}
			}
		}
	}
	if len(victims) == 0 {
		return 0, nil
	}

	pipe := r.client.TxPipeline()
	for id := range victims {
		pipe.ZRem(ctx, set, id)
		pipe.Del(ctx, r.keys.job(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("queue/redis: prune %s: %w", state, err)
	}
	return len(victims), nil
}

func (r *Redis) RequeueStalled(ctx context.Context, activeBefore time.Time) (int, error) {
	n, err := requeueScript.Run(ctx, r.client,
		[]string{r.keys.active(), r.keys.wait()},
		"("+ms(activeBefore), r.keys.jobPrefix(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("queue/redis: requeue stalled: %w", err)
	}
	return n, nil
}

func (r *Redis) SetPaused(ctx context.Context, paused bool) error {
	var err error
	if paused {
		err = r.client.Set(ctx, r.keys.paused(), "1", 0).Err()
	} else {
		err = r.client.Del(ctx, r.keys.paused()).Err()
	}
	if err != nil {
		return fmt.Errorf("queue/redis: set paused: %w", err)
	}
	return nil
}

func recordToMap(rec Record) map[string]any {
	m := map[string]any{
		"id":            rec.ID,
		"name":          rec.Name,
		"payload":       string(rec.Payload),
		"priority":      rec.Priority,
		"state":         string(rec.State),
		"attempts":      rec.Attempts,
		"max_attempts":  rec.MaxAttempts,
		"run_at":        ms(rec.RunAt),
		"created_at":    ms(rec.CreatedAt),
		"updated_at":    ms(rec.UpdatedAt),
		"progress":      rec.Progress,
		"failed_reason": rec.FailedReason,
	}
	if !rec.FinishedAt.IsZero() {
		m["finished_at"] = ms(rec.FinishedAt)
	}
	if rec.Result != nil {
		m["result"] = string(rec.Result)
	}
	return m
}

func mapToRecord(m map[string]string) Record {
	rec := Record{
		ID:           m["id"],
		Name:         m["name"],
		Payload:      []byte(m["payload"]),
		Priority:     atoi(m["priority"]),
		State:        State(m["state"]),
		Attempts:     atoi(m["attempts"]),
		MaxAttempts:  atoi(m["max_attempts"]),
		RunAt:        parseMs(m["run_at"]),
		CreatedAt:    parseMs(m["created_at"]),
		UpdatedAt:    parseMs(m["updated_at"]),
		FinishedAt:   parseMs(m["finished_at"]),
		Progress:     atoi(m["progress"]),
		FailedReason: m["failed_reason"],
	}
	if v, ok := m["result"]; ok {
		rec.Result = []byte(v)
	}
	return rec
}

func ms(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseMs(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n == 0 {
		return time.Time{}
	}
	return time.UnixMilli(n).UTC()
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
