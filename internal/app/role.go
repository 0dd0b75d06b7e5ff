package app

import (
	"fmt"
	"strings"
)

// Role selects which halves of the pipeline a process runs.
type Role string

const (
	// RoleAll runs triggers and workers in one process.
	RoleAll Role = "all"
	// RoleScheduler arms triggers and enqueues; no workers.
	RoleScheduler Role = "scheduler"
	// RoleWorker consumes the queue; no triggers.
	RoleWorker Role = "worker"
)

func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case "":
		return RoleAll, nil
	case RoleAll, RoleScheduler, RoleWorker:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q (want all, scheduler or worker)", s)
	}
}

func (r Role) schedules() bool { return r != RoleWorker }

func (r Role) works() bool { return r != RoleScheduler }
