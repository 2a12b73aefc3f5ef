package dispatch

import (
	"sync"
	"time"
)

// Config controls the dispatcher daemon.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ for the cron runtime, e.g. "America/New_York"

	// MisfireGrace bounds how late a fire may be serviced. A fire picked up
	// later than this after its due instant is dropped (recorded as a
	// misfire event), not run arbitrarily late.
	MisfireGrace time.Duration

	// StopTimeout bounds how long Stop waits for in-flight runs to drain.
	StopTimeout time.Duration

	// SweepSpec is the cron spec for the daily overdue sweep.
	SweepSpec string

	// CatchUp, when true, runs each job whose fire instant for today was
	// missed while the process was down. Multiple missed fires coalesce
	// into at most one catch-up run per job.
	CatchUp bool
}

func (c Config) withDefaults() Config {
	if c.MisfireGrace <= 0 {
		c.MisfireGrace = time.Hour
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 5 * time.Minute
	}
	if c.SweepSpec == "" {
		// Weekday mornings, after the US data releases from overnight land.
		c.SweepSpec = "30 7 * * 1-5"
	}
	return c
}

// runState is the per-job overlap guard: at most one execution of a given
// job name at any instant. Jobs with different names run fully in parallel.
type runState struct {
	mu      sync.Mutex
	running bool
}

func (s *runState) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	return true
}

func (s *runState) release() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// JobStatus is one row of the Snapshot: where a job sits in its
// idle -> scheduled -> firing cycle.
type JobStatus struct {
	Name     string
	Schedule string
	Enabled  bool
	Running  bool
	NextFire time.Time // zero for on_demand or disabled jobs
}

// Snapshot is a point-in-time view of the daemon for the CLI and logs.
type Snapshot struct {
	Running  bool
	Timezone string
	Jobs     []JobStatus
}
