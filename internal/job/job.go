// Package job defines the immutable job configuration handed to the
// dispatcher and runner. Jobs are built once at config load and never
// mutated at runtime; enable/disable changes arrive as a whole new set on
// the next reconciliation.
package job

import (
	"time"

	"marketpulse/internal/calendar"
)

// Job is one named, independently scheduled collection unit.
type Job struct {
	// Name is the unique key used in run records, events and the CLI.
	Name string
	// Collector is the registry entry that produces the collector instance.
	// Usually equal to Name; separate so several jobs can share one
	// collector implementation with different schedules.
	Collector string

	Schedule calendar.ReleaseSchedule

	Priority int // 1 = highest
	Enabled  bool

	// Retry policy, applied to scheduler-triggered runs only.
	MaxAttempts int
	RetryDelay  time.Duration

	// Timeout bounds one collect attempt. 0 means no per-job timeout.
	Timeout time.Duration

	Tags []string
	// Requires lists prerequisite job names. Declared for operators and
	// downstream tooling; the dispatcher does not enforce ordering.
	Requires []string
}

// Schedulable reports whether the dispatcher should install a timer.
func (j Job) Schedulable() bool {
	return j.Enabled && j.Schedule.Frequency != calendar.FreqOnDemand
}

// Attempts returns the effective attempt budget (at least one).
func (j Job) Attempts() int {
	if j.MaxAttempts < 1 {
		return 1
	}
	return j.MaxAttempts
}
