// Package runner executes one collection attempt end to end: open a run
// record, resolve the collector, invoke it behind a fault boundary,
// interpret the outcome, finalize the record and emit an audit event.
//
// Nothing that goes wrong inside an attempt - registry miss, collector
// panic, observer failure, telemetry write failure - escapes to the caller
// as anything but a Result.
package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"marketpulse/internal/collector"
	"marketpulse/internal/eventbus"
	"marketpulse/internal/job"
	"marketpulse/internal/registry"
	"marketpulse/internal/store"
	logx "marketpulse/pkg/logx"
)

// Result is the outcome of one Run (or the last attempt of RunWithRetry).
type Result struct {
	Job      string
	Status   store.RunStatus
	Record   store.RunRecord
	Attempts int
	Err      error // terminal error for failed runs; nil for success/partial
}

// OK reports whether the run produced usable data.
func (r Result) OK() bool {
	return r.Status == store.RunSuccess || r.Status == store.RunPartial
}

// Observer is a best-effort post-success callback (enrichment, seasonal
// recomputation). The returned map is merged into the success event's
// details. Errors and panics are logged and never alter the job's status.
type Observer func(jobName string, rowsCollected int, dataPeriod string) (map[string]any, error)

type Runner struct {
	reg  *registry.Registry
	emit *Emitter
	st   store.Store
	log  logx.Logger

	// now and sleep are injected so retry/backoff tests don't need a wall clock.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)

	omu       sync.RWMutex
	observers map[string][]Observer
}

func New(reg *registry.Registry, st store.Store, bus eventbus.Bus, log logx.Logger) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{
		reg:       reg,
		st:        st,
		emit:      NewEmitter(st, bus, log),
		log:       log,
		now:       time.Now,
		observers: map[string][]Observer{},
		sleep: func(ctx context.Context, d time.Duration) {
			if d <= 0 {
				return
			}
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
			}
		},
	}
}

// Emitter returns the shared audit-event emitter (also used by the dispatcher).
func (r *Runner) Emitter() *Emitter { return r.emit }

// AddObserver registers a post-success callback for a job name.
func (r *Runner) AddObserver(jobName string, fn Observer) {
	if jobName == "" || fn == nil {
		return
	}
	r.omu.Lock()
	r.observers[jobName] = append(r.observers[jobName], fn)
	r.omu.Unlock()
}

// Run executes exactly one attempt.
func (r *Runner) Run(ctx context.Context, j job.Job, trig store.Trigger) Result {
	started := r.now()
	rec := store.RunRecord{
		ID:          uuid.NewString(),
		Job:         j.Name,
		Status:      store.RunRunning,
		StartedAt:   started,
		TriggeredBy: trig,
	}

	// Best-effort telemetry: a status-store hiccup must not cost us the data.
	if err := r.st.BeginRun(ctx, rec); err != nil {
		r.log.Warn("begin run record failed", logx.String("job", j.Name), logx.Err(err))
	}

	inst, err := r.reg.Get(j.Collector)
	if err != nil {
		rec.Status = store.RunFailed
		rec.ErrorMessage = err.Error()
		rec.FinishedAt = r.now()
		r.finalize(ctx, rec)
		r.emit.Emit(ctx, store.Event{
			Type:     EventJobFailed,
			Source:   j.Name,
			Summary:  fmt.Sprintf("%s: collector unavailable: %v", j.Name, err),
			Priority: PriorityError,
			At:       rec.FinishedAt,
			Details:  map[string]any{"error": err.Error(), "triggered_by": string(trig)},
		})
		return Result{Job: j.Name, Status: store.RunFailed, Record: rec, Attempts: 1, Err: err}
	}

	res, err := r.safeCollect(ctx, j, inst)

	rec.FinishedAt = r.now()
	switch {
	case err != nil:
		rec.Status = store.RunFailed
		rec.ErrorMessage = err.Error()
	case !res.Success:
		rec.Status = store.RunFailed
		rec.ErrorMessage = res.ErrorMessage
		if rec.ErrorMessage == "" {
			rec.ErrorMessage = "collector reported failure"
		}
		err = errors.New(rec.ErrorMessage)
	case len(res.Warnings) > 0:
		rec.Status = store.RunPartial
	default:
		rec.Status = store.RunSuccess
	}
	if res != nil {
		rec.RowsCollected = res.RecordsFetched
		rec.RowsInserted = res.RowsInserted
		rec.DataPeriod = res.DataPeriod
		rec.Warnings = res.Warnings
		if rec.DataPeriod == "" && rec.Status != store.RunFailed {
			rec.DataPeriod = j.Schedule.PeriodEnd(started).Format("2006-01-02")
		}
	}
	r.finalize(ctx, rec)
	r.emitOutcome(ctx, j, rec, res, trig)

	return Result{Job: j.Name, Status: rec.Status, Record: rec, Attempts: 1, Err: err}
}

// RunWithRetry repeats Run until a success or partial result, or the job's
// attempt budget is exhausted. Each attempt writes its own RunRecord.
// Used for scheduler-triggered runs; manual invocations call Run directly.
func (r *Runner) RunWithRetry(ctx context.Context, j job.Job) Result {
	attempts := j.Attempts()
	var last Result
	for i := 1; i <= attempts; i++ {
		last = r.Run(ctx, j, store.TriggerScheduler)
		last.Attempts = i
		if last.OK() || ctx.Err() != nil {
			return last
		}
		if i < attempts {
			r.log.Info("retrying job",
				logx.String("job", j.Name),
				logx.Int("attempt", i),
				logx.Int("max_attempts", attempts),
				logx.Duration("delay", j.RetryDelay))
			r.sleep(ctx, j.RetryDelay)
		}
	}
	return last
}

// safeCollect invokes the collector inside its own fault boundary: panics
// and timeouts become ordinary failed attempts, never dispatcher crashes.
func (r *Runner) safeCollect(ctx context.Context, j job.Job, c collector.Collector) (res *collector.Result, err error) {
	if j.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}
	defer func() {
		if rec := recover(); rec != nil {
			res = nil
			err = fmt.Errorf("collector panic: %v", rec)
			r.log.Error("collector panicked",
				logx.String("job", j.Name),
				logx.Any("panic", rec),
				logx.Stack(string(debug.Stack())))
		}
	}()
	res, err = c.Collect(ctx)
	if err == nil && res == nil {
		err = errors.New("collector returned no result")
	}
	return res, err
}

func (r *Runner) finalize(ctx context.Context, rec store.RunRecord) {
	if err := r.st.FinishRun(ctx, rec); err != nil {
		r.log.Warn("finish run record failed",
			logx.String("job", rec.Job),
			logx.String("run_id", rec.ID),
			logx.Err(err))
	}
}

func (r *Runner) emitOutcome(ctx context.Context, j job.Job, rec store.RunRecord, res *collector.Result, trig store.Trigger) {
	details := map[string]any{
		"run_id":       rec.ID,
		"triggered_by": string(trig),
		"duration_ms":  rec.FinishedAt.Sub(rec.StartedAt).Milliseconds(),
	}
	if res != nil {
		for k, v := range res.Details {
			details[k] = v
		}
	}

	var e store.Event
	switch rec.Status {
	case store.RunSuccess:
		details["rows_collected"] = rec.RowsCollected
		details["data_period"] = rec.DataPeriod
		r.runObservers(j.Name, rec, details)
		e = store.Event{
			Type:     EventJobSuccess,
			Source:   j.Name,
			Summary:  fmt.Sprintf("%s: collected %d rows (%s)", j.Name, rec.RowsCollected, rec.DataPeriod),
			Priority: PriorityInfo,
		}
	case store.RunPartial:
		details["rows_collected"] = rec.RowsCollected
		details["data_period"] = rec.DataPeriod
		details["warnings"] = rec.Warnings
		r.runObservers(j.Name, rec, details)
		e = store.Event{
			Type:     EventJobPartial,
			Source:   j.Name,
			Summary:  fmt.Sprintf("%s: partial success, %d warning(s)", j.Name, len(rec.Warnings)),
			Priority: PriorityWarn,
		}
	default:
		details["error"] = rec.ErrorMessage
		e = store.Event{
			Type:     EventJobFailed,
			Source:   j.Name,
			Summary:  fmt.Sprintf("%s: collection failed: %s", j.Name, rec.ErrorMessage),
			Priority: PriorityError,
		}
	}
	e.At = rec.FinishedAt
	e.Details = details
	r.emit.Emit(ctx, e)
}

// runObservers calls each registered observer in its own recover boundary.
// A failing observer is logged; it can never fail the job or block peers.
func (r *Runner) runObservers(jobName string, rec store.RunRecord, details map[string]any) {
	r.omu.RLock()
	obs := r.observers[jobName]
	r.omu.RUnlock()

	for i, fn := range obs {
		extra, err := func() (extra map[string]any, err error) {
			defer func() {
				if p := recover(); p != nil {
					err = fmt.Errorf("observer panic: %v", p)
				}
			}()
			return fn(jobName, rec.RowsCollected, rec.DataPeriod)
		}()
		if err != nil {
			r.log.Warn("observer failed",
				logx.String("job", jobName),
				logx.Int("observer", i),
				logx.Err(err))
			continue
		}
		for k, v := range extra {
			details[k] = v
		}
	}
}
