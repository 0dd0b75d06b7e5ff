package queue

// DefaultPrefix namespaces every key the Redis broker writes.
const DefaultPrefix = "metricsync:"

type keys struct{ prefix string }

func (k keys) job(id string) string { return k.prefix + "job:" + id }
func (k keys) jobPrefix() string    { return k.prefix + "job:" }
func (k keys) wait() string         { return k.prefix + "wait" }
func (k keys) delayed() string      { return k.prefix + "delayed" }
func (k keys) active() string       { return k.prefix + "active" }
func (k keys) completed() string    { return k.prefix + "completed" }
func (k keys) failed() string       { return k.prefix + "failed" }
func (k keys) paused() string       { return k.prefix + "paused" }

func (k keys) finished(s State) string {
	if s == StateFailed {
		return k.failed()
	}
	return k.completed()
}
