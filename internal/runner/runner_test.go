package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	"marketpulse/internal/calendar"
	"marketpulse/internal/collector"
	"marketpulse/internal/eventbus"
	"marketpulse/internal/job"
	"marketpulse/internal/registry"
	"marketpulse/internal/store"
	logx "marketpulse/pkg/logx"
)

func testJob(name string) job.Job {
	return job.Job{
		Name:      name,
		Collector: name,
		Schedule:  calendar.ReleaseSchedule{Frequency: calendar.FreqWeekly, Weekday: time.Friday, Hour: 15, Minute: 30},
		Enabled:   true,
	}
}

func newRunner(t *testing.T, reg *registry.Registry) (*Runner, *store.Memory, eventbus.Bus) {
	t.Helper()
	mem := store.NewMemory()
	bus := eventbus.New()
	r := New(reg, mem, bus, logx.Nop())
	return r, mem, bus
}

// flakyCollector fails a fixed number of times, then succeeds.
type flakyCollector struct {
	failures int
	calls    int
	rows     int
}

func (c *flakyCollector) Collect(ctx context.Context) (*collector.Result, error) {
	c.calls++
	if c.calls <= c.failures {
		return &collector.Result{Success: false, ErrorMessage: "upstream 503"}, nil
	}
	return &collector.Result{Success: true, RecordsFetched: c.rows, DataPeriod: "week ending 2025-06-03"}, nil
}

func TestRunSuccess(t *testing.T) {
	t.Parallel()
	reg := registry.New()
	c := &flakyCollector{rows: 312}
	reg.Register("cot", func() (collector.Collector, error) { return c, nil })
	r, mem, bus := newRunner(t, reg)

	ch, unsub := bus.Subscribe(8)
	defer unsub()

	res := r.Run(context.Background(), testJob("cot"), store.TriggerManual)
	if res.Status != store.RunSuccess {
		t.Fatalf("status = %s, want success", res.Status)
	}
	if res.Record.RowsCollected != 312 {
		t.Fatalf("rows = %d, want 312", res.Record.RowsCollected)
	}

	runs, _ := mem.ListRuns(context.Background(), "cot", 10)
	if len(runs) != 1 || runs[0].Status != store.RunSuccess {
		t.Fatalf("unexpected run history: %+v", runs)
	}

	events, _ := mem.ListEvents(context.Background(), store.EventQuery{Source: "cot"})
	if len(events) != 1 || events[0].Type != EventJobSuccess {
		t.Fatalf("unexpected events: %+v", events)
	}

	select {
	case m := <-ch:
		if m.Type != EventJobSuccess || m.Source != "cot" {
			t.Fatalf("unexpected bus message: %+v", m)
		}
	default:
		t.Fatal("expected a bus message")
	}
}

func TestRunWithRetryFailsTwiceThenSucceeds(t *testing.T) {
	t.Parallel()
	reg := registry.New()
	c := &flakyCollector{failures: 2, rows: 100}
	reg.Register("eia", func() (collector.Collector, error) { return c, nil })
	r, mem, _ := newRunner(t, reg)

	j := testJob("eia")
	j.MaxAttempts = 3
	j.RetryDelay = 0

	res := r.RunWithRetry(context.Background(), j)
	if res.Status != store.RunSuccess {
		t.Fatalf("status = %s, want success", res.Status)
	}
	if res.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", res.Attempts)
	}

	runs, _ := mem.ListRuns(context.Background(), "eia", 10)
	if len(runs) != 3 {
		t.Fatalf("expected 3 run records, got %d", len(runs))
	}
	var failed, success int
	for _, rec := range runs {
		switch rec.Status {
		case store.RunFailed:
			failed++
		case store.RunSuccess:
			success++
		}
		if rec.Job != "eia" {
			t.Fatalf("record for wrong job: %+v", rec)
		}
	}
	if failed != 2 || success != 1 {
		t.Fatalf("failed=%d success=%d, want 2/1", failed, success)
	}
}

func TestRunWithRetryExhaustsAttempts(t *testing.T) {
	t.Parallel()
	reg := registry.New()
	reg.Register("lme", func() (collector.Collector, error) {
		return collector.Func(func(ctx context.Context) (*collector.Result, error) {
			return nil, errors.New("connection reset")
		}), nil
	})
	r, mem, _ := newRunner(t, reg)

	j := testJob("lme")
	j.MaxAttempts = 3

	res := r.RunWithRetry(context.Background(), j)
	if res.Status != store.RunFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	if res.Err == nil {
		t.Fatal("expected terminal error")
	}

	runs, _ := mem.ListRuns(context.Background(), "lme", 10)
	if len(runs) != 3 {
		t.Fatalf("expected 3 run records, got %d", len(runs))
	}
	for _, rec := range runs {
		if rec.Status != store.RunFailed {
			t.Fatalf("expected all failed, got %+v", rec)
		}
	}
}

func TestPartialSuccessNotRetried(t *testing.T) {
	t.Parallel()
	reg := registry.New()
	calls := 0
	reg.Register("wasde", func() (collector.Collector, error) {
		return collector.Func(func(ctx context.Context) (*collector.Result, error) {
			calls++
			return &collector.Result{Success: true, RecordsFetched: 40, Warnings: []string{"missing cotton tab"}}, nil
		}), nil
	})
	r, mem, _ := newRunner(t, reg)

	j := testJob("wasde")
	j.MaxAttempts = 3

	res := r.RunWithRetry(context.Background(), j)
	if res.Status != store.RunPartial {
		t.Fatalf("status = %s, want partial", res.Status)
	}
	if calls != 1 {
		t.Fatalf("partial result must not be retried; collector called %d times", calls)
	}

	events, _ := mem.ListEvents(context.Background(), store.EventQuery{Source: "wasde"})
	if len(events) != 1 || events[0].Type != EventJobPartial {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestUnregisteredCollectorFailsCleanly(t *testing.T) {
	t.Parallel()
	r, mem, _ := newRunner(t, registry.New())

	res := r.Run(context.Background(), testJob("ghost"), store.TriggerScheduler)
	if res.Status != store.RunFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	if !errors.Is(res.Err, registry.ErrNotRegistered) {
		t.Fatalf("err = %v, want ErrNotRegistered", res.Err)
	}

	runs, _ := mem.ListRuns(context.Background(), "ghost", 10)
	if len(runs) != 1 || runs[0].Status != store.RunFailed {
		t.Fatalf("unexpected runs: %+v", runs)
	}
	events, _ := mem.ListEvents(context.Background(), store.EventQuery{Source: "ghost"})
	if len(events) != 1 || events[0].Priority != PriorityError {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestCollectorPanicIsContained(t *testing.T) {
	t.Parallel()
	reg := registry.New()
	reg.Register("bad", func() (collector.Collector, error) {
		return collector.Func(func(ctx context.Context) (*collector.Result, error) {
			panic("nil dereference in parser")
		}), nil
	})
	r, mem, _ := newRunner(t, reg)

	res := r.Run(context.Background(), testJob("bad"), store.TriggerScheduler)
	if res.Status != store.RunFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	runs, _ := mem.ListRuns(context.Background(), "bad", 1)
	if len(runs) != 1 || runs[0].ErrorMessage == "" {
		t.Fatalf("panic not recorded: %+v", runs)
	}
}

func TestObserverEnrichmentAndIsolation(t *testing.T) {
	t.Parallel()
	reg := registry.New()
	reg.Register("cot", func() (collector.Collector, error) {
		return &flakyCollector{rows: 312}, nil
	})
	r, mem, _ := newRunner(t, reg)

	r.AddObserver("cot", func(jobName string, rows int, period string) (map[string]any, error) {
		panic("seasonal model blew up")
	})
	r.AddObserver("cot", func(jobName string, rows int, period string) (map[string]any, error) {
		return map[string]any{"net_position_delta": 1250}, nil
	})

	res := r.Run(context.Background(), testJob("cot"), store.TriggerScheduler)
	if res.Status != store.RunSuccess {
		t.Fatalf("observer failure changed job status: %s", res.Status)
	}

	events, _ := mem.ListEvents(context.Background(), store.EventQuery{Source: "cot"})
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Details["net_position_delta"] == nil {
		t.Fatalf("surviving observer's enrichment missing: %+v", events[0].Details)
	}
}

// failingStore drops every write; collection must proceed regardless.
type failingStore struct{ *store.Memory }

func (f *failingStore) BeginRun(ctx context.Context, rec store.RunRecord) error {
	return errors.New("disk full")
}
func (f *failingStore) FinishRun(ctx context.Context, rec store.RunRecord) error {
	return errors.New("disk full")
}
func (f *failingStore) AppendEvent(ctx context.Context, e store.Event) error {
	return errors.New("disk full")
}

func TestTelemetryWriteFailureDoesNotAbort(t *testing.T) {
	t.Parallel()
	reg := registry.New()
	reg.Register("cot", func() (collector.Collector, error) {
		return &flakyCollector{rows: 7}, nil
	})
	bus := eventbus.New()
	r := New(reg, &failingStore{store.NewMemory()}, bus, logx.Nop())

	ch, unsub := bus.Subscribe(4)
	defer unsub()

	res := r.Run(context.Background(), testJob("cot"), store.TriggerManual)
	if res.Status != store.RunSuccess {
		t.Fatalf("telemetry failure aborted the run: %s", res.Status)
	}
	// Live consumers still see the outcome.
	select {
	case m := <-ch:
		if m.Type != EventJobSuccess {
			t.Fatalf("unexpected bus message: %+v", m)
		}
	default:
		t.Fatal("expected a bus message despite store failure")
	}
}

func TestDefaultDataPeriodFromLag(t *testing.T) {
	t.Parallel()
	reg := registry.New()
	reg.Register("cot", func() (collector.Collector, error) {
		return collector.Func(func(ctx context.Context) (*collector.Result, error) {
			return &collector.Result{Success: true, RecordsFetched: 10}, nil
		}), nil
	})
	r, _, _ := newRunner(t, reg)
	r.now = func() time.Time { return time.Date(2025, 6, 6, 15, 30, 0, 0, time.UTC) }

	j := testJob("cot")
	j.Schedule.LagDays = 3

	res := r.Run(context.Background(), j, store.TriggerScheduler)
	if res.Record.DataPeriod != "2025-06-03" {
		t.Fatalf("DataPeriod = %q, want lag-derived 2025-06-03", res.Record.DataPeriod)
	}
}
