// Package scheduler keeps live fire timers in line with the persisted
// schedules of every tenant and turns each fire into a dispatch job.
//
// Timer callbacks only build a job and hand it to the dispatcher; sync work
// happens in workers reading from the durable queue.
package scheduler
