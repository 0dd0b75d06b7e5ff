// Package storage persists sync schedules.
//
// It currently supports:
//   - sqlite: a single database file (pure Go driver, WAL)
//   - postgres: a shared relational database
//   - memory: process-local rows for tests and dry runs
//
// Every backend implements schedule.Store.
package storage
