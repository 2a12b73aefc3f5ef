package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"marketpulse/internal/calendar"
	logx "marketpulse/pkg/logx"
)

func nopLog() logx.Logger { return logx.Nop() }

func openBoth(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(dir, "status.db")}, nopLog())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{"sqlite": sq, "memory": NewMemory()}
}

func TestRunLifecycle(t *testing.T) {
	for name, st := range openBoth(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			started := time.Date(2025, 6, 6, 15, 30, 0, 0, time.UTC)
			rec := RunRecord{ID: "run-1", Job: "cot", Status: RunRunning, StartedAt: started, TriggeredBy: TriggerScheduler}
			if err := st.BeginRun(ctx, rec); err != nil {
				t.Fatalf("BeginRun: %v", err)
			}

			rec.Status = RunSuccess
			rec.FinishedAt = started.Add(40 * time.Second)
			rec.RowsCollected = 312
			rec.RowsInserted = 310
			rec.DataPeriod = "week ending 2025-06-03"
			if err := st.FinishRun(ctx, rec); err != nil {
				t.Fatalf("FinishRun: %v", err)
			}

			runs, err := st.ListRuns(ctx, "cot", 10)
			if err != nil {
				t.Fatalf("ListRuns: %v", err)
			}
			if len(runs) != 1 {
				t.Fatalf("expected 1 run, got %d", len(runs))
			}
			got := runs[0]
			if got.Status != RunSuccess || got.RowsCollected != 312 || got.DataPeriod != "week ending 2025-06-03" {
				t.Fatalf("unexpected record: %+v", got)
			}

			// Finalizing twice must fail: a record mutates exactly once.
			if err := st.FinishRun(ctx, rec); err == nil {
				t.Fatal("second FinishRun should fail")
			}
		})
	}
}

func TestFinishRejectsNonTerminal(t *testing.T) {
	for name, st := range openBoth(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_ = st.BeginRun(ctx, RunRecord{ID: "r", Job: "j", TriggeredBy: TriggerManual})
			err := st.FinishRun(ctx, RunRecord{ID: "r", Job: "j", Status: RunRunning})
			if err == nil {
				t.Fatal("expected error for non-terminal status")
			}
		})
	}
}

func TestWarningsRoundTrip(t *testing.T) {
	for name, st := range openBoth(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := RunRecord{ID: "r-w", Job: "wasde", TriggeredBy: TriggerScheduler}
			if err := st.BeginRun(ctx, rec); err != nil {
				t.Fatalf("BeginRun: %v", err)
			}
			rec.Status = RunPartial
			rec.Warnings = []string{"missing corn sheet", "stale cotton tab"}
			if err := st.FinishRun(ctx, rec); err != nil {
				t.Fatalf("FinishRun: %v", err)
			}
			runs, _ := st.ListRuns(ctx, "wasde", 1)
			if len(runs) != 1 || len(runs[0].Warnings) != 2 {
				t.Fatalf("warnings lost: %+v", runs)
			}
			if runs[0].Warnings[0] != "missing corn sheet" {
				t.Fatalf("warning order changed: %+v", runs[0].Warnings)
			}
		})
	}
}

func TestEventLogAndDayDedup(t *testing.T) {
	for name, st := range openBoth(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			day := time.Date(2025, 6, 6, 8, 0, 0, 0, time.UTC)

			e := Event{Type: "job.overdue", Source: "cot", Summary: "cot is overdue", Priority: 2, At: day}
			if err := st.AppendEvent(ctx, e); err != nil {
				t.Fatalf("AppendEvent: %v", err)
			}

			ok, err := st.HasEventOn(ctx, "job.overdue", "cot", day.Add(6*time.Hour))
			if err != nil || !ok {
				t.Fatalf("HasEventOn same day = (%v, %v), want true", ok, err)
			}
			ok, err = st.HasEventOn(ctx, "job.overdue", "cot", day.AddDate(0, 0, 1))
			if err != nil || ok {
				t.Fatalf("HasEventOn next day = (%v, %v), want false", ok, err)
			}
			ok, _ = st.HasEventOn(ctx, "job.overdue", "wasde", day)
			if ok {
				t.Fatal("HasEventOn must not match another source")
			}

			events, err := st.ListEvents(ctx, EventQuery{Source: "cot", Type: "job.overdue"})
			if err != nil || len(events) != 1 {
				t.Fatalf("ListEvents = (%v, %v)", events, err)
			}
			if events[0].Priority != 2 || events[0].Summary != "cot is overdue" {
				t.Fatalf("unexpected event: %+v", events[0])
			}
		})
	}
}

func TestEventDetailsRoundTrip(t *testing.T) {
	for name, st := range openBoth(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			e := Event{
				Type: "job.success", Source: "cot", Summary: "ok", Priority: 4,
				Details: map[string]any{"rows": float64(312), "period": "2025-W23"},
			}
			if err := st.AppendEvent(ctx, e); err != nil {
				t.Fatalf("AppendEvent: %v", err)
			}
			events, err := st.ListEvents(ctx, EventQuery{Source: "cot"})
			if err != nil || len(events) != 1 {
				t.Fatalf("ListEvents = (%v, %v)", events, err)
			}
			if events[0].Details["period"] != "2025-W23" {
				t.Fatalf("details lost: %+v", events[0].Details)
			}
		})
	}
}

func TestLastSuccessesPicksNewestTerminalSuccess(t *testing.T) {
	for name, st := range openBoth(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

			add := func(id string, at time.Time, status RunStatus, period string) {
				t.Helper()
				rec := RunRecord{ID: id, Job: "eia", StartedAt: at, TriggeredBy: TriggerScheduler}
				if err := st.BeginRun(ctx, rec); err != nil {
					t.Fatalf("BeginRun: %v", err)
				}
				rec.Status = status
				rec.DataPeriod = period
				rec.FinishedAt = at.Add(time.Minute)
				if err := st.FinishRun(ctx, rec); err != nil {
					t.Fatalf("FinishRun: %v", err)
				}
			}
			add("e1", base, RunSuccess, "2025-05-30")
			add("e2", base.AddDate(0, 0, 1), RunFailed, "")
			add("e3", base.AddDate(0, 0, 2), RunPartial, "2025-06-02")

			last, err := st.LastSuccesses(ctx)
			if err != nil {
				t.Fatalf("LastSuccesses: %v", err)
			}
			if len(last) != 1 {
				t.Fatalf("expected 1 row, got %d", len(last))
			}
			if !last[0].LastSuccessAt.Equal(base.AddDate(0, 0, 2)) {
				t.Fatalf("LastSuccessAt = %v, want %v (failed runs must not count)", last[0].LastSuccessAt, base.AddDate(0, 0, 2))
			}
			if last[0].LastPeriod != "2025-06-02" {
				t.Fatalf("LastPeriod = %q", last[0].LastPeriod)
			}
		})
	}
}

func TestComputeFreshness(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	jobs := []JobExpectation{
		{Job: "cot", Frequency: calendar.FreqWeekly},
		{Job: "daily_px", Frequency: calendar.FreqDaily},
		{Job: "never_ran", Frequency: calendar.FreqMonthly},
		{Job: "adhoc", Frequency: calendar.FreqOnDemand},
	}
	last := []LastSuccess{
		{Job: "cot", LastSuccessAt: now.Add(-6 * 24 * time.Hour)},       // within 1.5x weekly
		{Job: "daily_px", LastSuccessAt: now.Add(-72 * time.Hour)},      // past 60h slack
		{Job: "adhoc", LastSuccessAt: now.Add(-90 * 24 * time.Hour)},    // on_demand: never overdue
	}

	rows := ComputeFreshness(last, jobs, now)
	byJob := map[string]Freshness{}
	for _, r := range rows {
		byJob[r.Job] = r
	}

	if byJob["cot"].IsOverdue {
		t.Fatal("cot should not be overdue after 6 days")
	}
	if got := byJob["cot"].HoursSince; got < 143 || got > 145 {
		t.Fatalf("cot HoursSince = %v", got)
	}
	if !byJob["daily_px"].IsOverdue {
		t.Fatal("daily job silent for 72h should be overdue")
	}
	if !byJob["never_ran"].IsOverdue {
		t.Fatal("job with no successes should be overdue")
	}
	if byJob["never_ran"].HoursSince != -1 {
		t.Fatalf("never_ran HoursSince = %v, want -1", byJob["never_ran"].HoursSince)
	}
	if byJob["adhoc"].IsOverdue {
		t.Fatal("on_demand jobs are never overdue")
	}
}
