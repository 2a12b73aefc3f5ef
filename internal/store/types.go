package store

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("store disabled")

// Config configures the status store.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "memory": in-process store, used by tests and dry runs
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// RunStatus is the lifecycle state of one collection attempt.
// Terminal states are success, failed and partial; a record is mutated
// exactly once, from running to a terminal state.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
	RunPartial RunStatus = "partial"
)

// Terminal reports whether the status ends an attempt.
func (s RunStatus) Terminal() bool {
	return s == RunSuccess || s == RunFailed || s == RunPartial
}

// Trigger records what initiated a run.
type Trigger string

const (
	TriggerScheduler Trigger = "scheduler"
	TriggerManual    Trigger = "manual"
	TriggerBackfill  Trigger = "backfill"
)

// RunRecord is the persisted outcome of one execution attempt.
// Append-only history: records are never deleted.
type RunRecord struct {
	ID            string
	Job           string
	Status        RunStatus
	StartedAt     time.Time
	FinishedAt    time.Time // zero while running
	RowsCollected int
	RowsInserted  int
	DataPeriod    string
	TriggeredBy   Trigger
	ErrorMessage  string
	Warnings      []string
}

// Event is one immutable audit-log entry.
// Priority runs 1 (urgent) to 5 (informational).
type Event struct {
	ID       int64
	Type     string
	Source   string // job name, or "dispatcher" for daemon-level events
	Summary  string
	Details  map[string]any
	Priority int
	At       time.Time
}

// LastSuccess is one row of the data_freshness view: the most recent
// successful (or partial) run per job.
type LastSuccess struct {
	Job           string
	LastSuccessAt time.Time
	LastPeriod    string
}

// EventQuery filters ListEvents. Zero values mean "no filter".
type EventQuery struct {
	Source string
	Type   string
	After  time.Time
	Limit  int
}
