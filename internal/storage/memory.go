package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"metricsync/internal/schedule"
)

type memKey struct {
	tenantID int64
	service  schedule.Service
}

// memoryStore keeps rows in process memory. Values are copied in and out.
type memoryStore struct {
	mu     sync.RWMutex
	rows   map[int64]schedule.Schedule
	byKey  map[memKey]int64
	nextID int64
	now    func() time.Time
}

// NewMemory returns a non-durable schedule store.
func NewMemory() schedule.Store {
	return newMemory(time.Now)
}

func newMemory(now func() time.Time) *memoryStore {
	return &memoryStore{
		rows:  map[int64]schedule.Schedule{},
		byKey: map[memKey]int64{},
		now:   now,
	}
}

func (m *memoryStore) Close() error { return nil }

func (m *memoryStore) Create(ctx context.Context, def schedule.Definition) (schedule.Schedule, error) {
	def, err := def.Validate()
	if err != nil {
		return schedule.Schedule{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(def)
}

func (m *memoryStore) insertLocked(def schedule.Definition) (schedule.Schedule, error) {
	key := memKey{def.TenantID, def.Service}
	if _, ok := m.byKey[key]; ok {
		return schedule.Schedule{}, fmt.Errorf("storage: create tenant %d service %s: %w", def.TenantID, def.Service, schedule.ErrConflict)
	}
	m.nextID++
	at := time.UnixMilli(m.now().UnixMilli()).UTC()
	row := schedule.Schedule{
		ID:             m.nextID,
		TenantID:       def.TenantID,
		Service:        def.Service,
		CronExpression: def.CronExpression,
		Enabled:        def.Enabled,
		Timezone:       def.Timezone,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
	m.rows[row.ID] = row
	m.byKey[key] = row.ID
	return copySchedule(row), nil
}

func (m *memoryStore) Update(ctx context.Context, id int64, def schedule.Definition) error {
	def, err := def.Validate()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.rows[id]
	if !ok || row.TenantID != def.TenantID || row.Service != def.Service {
		return &schedule.NotFoundError{ID: id, TenantID: def.TenantID, Service: def.Service}
	}
	row.CronExpression = def.CronExpression
	row.Enabled = def.Enabled
	row.Timezone = def.Timezone
	row.NextRunAt = nil
	row.UpdatedAt = time.UnixMilli(m.now().UnixMilli()).UTC()
	m.rows[id] = row
	return nil
}

func (m *memoryStore) Get(ctx context.Context, tenantID int64, svc schedule.Service) (schedule.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byKey[memKey{tenantID, svc}]
	if !ok {
		return schedule.Schedule{}, &schedule.NotFoundError{TenantID: tenantID, Service: svc}
	}
	return copySchedule(m.rows[id]), nil
}

func (m *memoryStore) ListForTenant(ctx context.Context, tenantID int64) ([]schedule.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]schedule.Schedule, 0, len(schedule.Services))
	for _, row := range m.rows {
		if row.TenantID == tenantID {
			out = append(out, copySchedule(row))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out, nil
}

func (m *memoryStore) EnsureDefaults(ctx context.Context, tenantID int64) (int, error) {
	if tenantID <= 0 {
		return 0, &schedule.ValidationError{Field: "tenant_id", Reason: "must be positive"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	created := 0
	for _, svc := range schedule.Services {
		if _, ok := m.byKey[memKey{tenantID, svc}]; ok {
			continue
		}
		if _, err := m.insertLocked(schedule.DefaultDefinition(tenantID, svc)); err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}

func (m *memoryStore) ListEnabled(ctx context.Context) ([]schedule.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]schedule.Schedule, 0, len(m.rows))
	for _, row := range m.rows {
		if row.Enabled {
			out = append(out, copySchedule(row))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryStore) RecordRun(ctx context.Context, tenantID, id int64, lastRun, nextRun time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok || row.TenantID != tenantID {
		return &schedule.NotFoundError{ID: id, TenantID: tenantID}
	}
	if !lastRun.IsZero() {
		t := time.UnixMilli(lastRun.UnixMilli()).UTC()
		row.LastRunAt = &t
	}
	if !nextRun.IsZero() {
		t := time.UnixMilli(nextRun.UnixMilli()).UTC()
		row.NextRunAt = &t
	}
	m.rows[id] = row
	return nil
}

func copySchedule(s schedule.Schedule) schedule.Schedule {
	if s.LastRunAt != nil {
		t := *s.LastRunAt
		s.LastRunAt = &t
	}
	if s.NextRunAt != nil {
		t := *s.NextRunAt
		s.NextRunAt = &t
	}
	return s
}
