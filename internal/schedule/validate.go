package schedule

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultTimezone is applied when a definition omits its timezone.
const DefaultTimezone = "UTC"

// parser accepts the standard 5-field form only: no seconds, no descriptors.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateCron checks that expr is exactly five whitespace-separated fields
// that parse as a standard cron expression.
func ValidateCron(expr string) error {
	_, err := parseCron(expr)
	return err
}

func parseCron(expr string) (cron.Schedule, error) {
	raw := strings.TrimSpace(expr)
	if raw == "" {
		return nil, &ValidationError{Field: "cron_expression", Reason: "required"}
	}
	if strings.HasPrefix(raw, "TZ=") || strings.HasPrefix(raw, "CRON_TZ=") {
		return nil, &ValidationError{Field: "cron_expression", Value: expr, Reason: "timezone prefix not allowed; use the timezone field"}
	}
	if n := len(strings.Fields(raw)); n != 5 {
		return nil, &ValidationError{Field: "cron_expression", Value: expr, Reason: "must have exactly 5 fields"}
	}
	sched, err := parser.Parse(raw)
	if err != nil {
		return nil, &ValidationError{Field: "cron_expression", Value: expr, Reason: err.Error()}
	}
	return sched, nil
}

// LoadTimezone resolves tz against the system timezone database.
// Empty means UTC; "Local" is rejected because it depends on the host.
func LoadTimezone(tz string) (*time.Location, error) {
	name := strings.TrimSpace(tz)
	if name == "" {
		name = DefaultTimezone
	}
	if strings.EqualFold(name, "local") {
		return nil, &ValidationError{Field: "timezone", Value: tz, Reason: "host-local timezone not allowed"}
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, &ValidationError{Field: "timezone", Value: tz, Reason: "unknown IANA timezone"}
	}
	return loc, nil
}

// Compiled is a parsed cron bound to its timezone.
type Compiled struct {
	Expr     string
	Timezone string
	Location *time.Location
	sched    cron.Schedule
}

// Compile validates expr and tz together and returns a schedule able to
// compute fire times. Expressions that never match a real date are rejected.
func Compile(expr, tz string) (Compiled, error) {
	sched, err := parseCron(expr)
	if err != nil {
		return Compiled{}, err
	}
	loc, err := LoadTimezone(tz)
	if err != nil {
		return Compiled{}, err
	}
	c := Compiled{
		Expr:     strings.TrimSpace(expr),
		Timezone: loc.String(),
		Location: loc,
		sched:    sched,
	}
	if c.Next(time.Now()).IsZero() {
		return Compiled{}, &ValidationError{Field: "cron_expression", Value: expr, Reason: "never matches a calendar date"}
	}
	return c, nil
}

// Next returns the first fire time strictly after now, evaluated on the
// wall clock of the schedule's timezone. The zero time means no match
// exists within the parser's search horizon.
func (c Compiled) Next(now time.Time) time.Time {
	if c.sched == nil {
		return time.Time{}
	}
	return c.sched.Next(now.In(c.Location))
}

// NextRunTime is the pure form of Compile(expr, tz).Next(now).
func NextRunTime(expr, tz string, now time.Time) (time.Time, error) {
	c, err := Compile(expr, tz)
	if err != nil {
		return time.Time{}, err
	}
	return c.Next(now), nil
}
