package store

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "marketpulse/pkg/logx"
)

// Store is the persistence API used by the runner and dispatcher.
//
// Writes are best-effort telemetry from the caller's point of view: a failed
// insert is logged by the caller and never aborts a collection in progress.
type Store interface {
	// BeginRun inserts a RunRecord with status=running.
	BeginRun(ctx context.Context, rec RunRecord) error
	// FinishRun mutates the record to its terminal state. It is the single
	// permitted mutation of a run row.
	FinishRun(ctx context.Context, rec RunRecord) error
	// ListRuns returns the most recent runs for a job (all jobs if job is
	// empty), newest first.
	ListRuns(ctx context.Context, job string, limit int) ([]RunRecord, error)

	// AppendEvent is the single insert primitive for the event log.
	AppendEvent(ctx context.Context, e Event) error
	ListEvents(ctx context.Context, q EventQuery) ([]Event, error)
	// HasEventOn reports whether an event of the given type and source was
	// already written on the calendar day containing day (store timezone).
	HasEventOn(ctx context.Context, eventType, source string, day time.Time) (bool, error)

	// LastSuccesses reads the data_freshness view: newest successful or
	// partial run per job.
	LastSuccesses(ctx context.Context) ([]LastSuccess, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown store driver: " + cfg.Driver)
	}
}
