package schedule

import (
	"context"
	"strings"
	"time"
)

// Schedule is one persisted row: the sync cadence of a service for a tenant.
type Schedule struct {
	ID             int64      `json:"id"`
	TenantID       int64      `json:"tenant_id"`
	Service        Service    `json:"service"`
	CronExpression string     `json:"cron_expression"`
	Enabled        bool       `json:"enabled"`
	Timezone       string     `json:"timezone"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Definition holds the user-controlled fields of a schedule.
type Definition struct {
	TenantID       int64
	Service        Service
	CronExpression string
	Enabled        bool
	Timezone       string
}

// Definition returns the user-controlled fields of s.
func (s Schedule) Definition() Definition {
	return Definition{
		TenantID:       s.TenantID,
		Service:        s.Service,
		CronExpression: s.CronExpression,
		Enabled:        s.Enabled,
		Timezone:       s.Timezone,
	}
}

// DefaultDefinition is the disabled row auto-created for a tenant.
func DefaultDefinition(tenantID int64, svc Service) Definition {
	return Definition{
		TenantID:       tenantID,
		Service:        svc,
		CronExpression: DefaultCron(svc),
		Enabled:        false,
		Timezone:       DefaultTimezone,
	}
}

// Validate checks every field of d and returns the normalized definition.
func (d Definition) Validate() (Definition, error) {
	if d.TenantID <= 0 {
		return Definition{}, &ValidationError{Field: "tenant_id", Reason: "must be positive"}
	}
	svc, err := ParseService(string(d.Service))
	if err != nil {
		return Definition{}, err
	}
	c, err := Compile(d.CronExpression, d.Timezone)
	if err != nil {
		return Definition{}, err
	}
	d.Service = svc
	d.CronExpression = strings.Join(strings.Fields(c.Expr), " ")
	d.Timezone = c.Timezone
	return d, nil
}

// Store is the durable source of truth for schedules.
//
// Every method except ListEnabled is scoped by tenant in all of its predicates.
type Store interface {
	Create(ctx context.Context, def Definition) (Schedule, error)
	Update(ctx context.Context, id int64, def Definition) error
	Get(ctx context.Context, tenantID int64, svc Service) (Schedule, error)
	ListForTenant(ctx context.Context, tenantID int64) ([]Schedule, error)
	EnsureDefaults(ctx context.Context, tenantID int64) (int, error)
	ListEnabled(ctx context.Context) ([]Schedule, error)
	RecordRun(ctx context.Context, tenantID, id int64, lastRun, nextRun time.Time) error
	Close() error
}
