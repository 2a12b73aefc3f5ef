// Package collector defines the contract between the dispatcher core and the
// per-source collection code. The core depends on nothing else about a
// collector: fetching, parsing and unit handling live entirely behind Collect.
package collector

import "context"

// Result is what a collector reports back for one attempt.
//
// Success=false marks the attempt failed regardless of other fields.
// Success=true with non-empty Warnings is recorded as a partial success.
type Result struct {
	Success        bool
	RecordsFetched int
	RowsInserted   int

	// DataPeriod is a free-form descriptor of the period the data covers,
	// e.g. "week ending 2025-06-03" or "2025-05".
	DataPeriod string

	ErrorMessage string
	Warnings     []string

	// Details carries source-specific extras merged into the run's event.
	Details map[string]any
}

// Collector fetches one source's data. Implementations must honor ctx
// cancellation on network waits.
type Collector interface {
	Collect(ctx context.Context) (*Result, error)
}

// Func adapts a plain function to the Collector interface.
type Func func(ctx context.Context) (*Result, error)

func (f Func) Collect(ctx context.Context) (*Result, error) { return f(ctx) }

// Factory builds a fresh collector instance per run.
type Factory func() (Collector, error)
