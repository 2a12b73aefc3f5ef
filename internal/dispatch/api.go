package dispatch

import (
	"context"
	"fmt"
	"sort"
	"time"

	"marketpulse/internal/calendar"
	"marketpulse/internal/job"
	"marketpulse/internal/runner"
	"marketpulse/internal/store"
	logx "marketpulse/pkg/logx"
)

// ErrJobRunning is returned by RunJobNow when the job already has an
// execution in flight.
var ErrJobRunning = fmt.Errorf("job is already running")

// ErrUnknownJob is returned for names not present in the configured job set.
var ErrUnknownJob = fmt.Errorf("unknown job")

// fire services one timer activation. It runs inside the goroutine the cron
// runtime spawned for this entry, so blocking here never delays other jobs'
// timer checks.
func (s *Service) fire(j job.Job, cs *calendar.CronSchedule) {
	now := s.now()
	due := cs.Due()

	// Misfire grace: a fire serviced too long after its due instant is
	// treated as missed, not run arbitrarily late.
	if !due.IsZero() && now.Sub(due) > s.cfg.MisfireGrace {
		s.log.Warn("misfire: dropping stale fire",
			logx.String("job", j.Name),
			logx.Time("due", due),
			logx.Duration("late", now.Sub(due)))
		s.emit.Emit(context.Background(), store.Event{
			Type:     runner.EventJobMisfire,
			Source:   j.Name,
			Summary:  fmt.Sprintf("%s: fire at %s missed the grace window", j.Name, due.Format(time.RFC3339)),
			Priority: runner.PriorityWarn,
			At:       now,
			Details:  map[string]any{"due": due.Format(time.RFC3339), "late_seconds": int(now.Sub(due).Seconds())},
		})
		return
	}

	st := s.state(j.Name)
	if !st.tryAcquire() {
		// Overlap policy: skip. The previous run of this job is still
		// executing; two instances of the same job never overlap.
		s.log.Info("skipping fire, previous run still executing", logx.String("job", j.Name))
		s.emit.Emit(context.Background(), store.Event{
			Type:     runner.EventJobSkipped,
			Source:   j.Name,
			Summary:  fmt.Sprintf("%s: fire skipped, previous run still executing", j.Name),
			Priority: runner.PriorityInfo,
			At:       now,
		})
		return
	}
	defer st.release()

	s.inflight.Add(1)
	defer s.inflight.Done()

	res := s.run.RunWithRetry(context.Background(), j)
	s.log.Info("scheduled run finished",
		logx.String("job", j.Name),
		logx.String("status", string(res.Status)),
		logx.Int("attempts", res.Attempts))
}

// RunJobNow executes one manual, synchronous, single-attempt run, bypassing
// the calendar. Disabled and on_demand jobs are allowed; only a run already
// in flight blocks it.
func (s *Service) RunJobNow(ctx context.Context, name string) (runner.Result, error) {
	j, ok := s.lookup(name)
	if !ok {
		return runner.Result{}, fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}

	st := s.state(j.Name)
	if !st.tryAcquire() {
		return runner.Result{}, fmt.Errorf("%w: %q", ErrJobRunning, name)
	}
	defer st.release()

	s.inflight.Add(1)
	defer s.inflight.Done()

	return s.run.Run(ctx, j, store.TriggerManual), nil
}

// RunAllDueToday runs every enabled job whose calendar entry fires today,
// highest priority first, each with the job's retry policy. Used for manual
// catch-up after downtime.
func (s *Service) RunAllDueToday(ctx context.Context) []runner.Result {
	now := s.now()
	due := s.DueToday(now)

	var results []runner.Result
	for _, j := range due {
		st := s.state(j.Name)
		if !st.tryAcquire() {
			s.log.Info("catch-up skipping running job", logx.String("job", j.Name))
			continue
		}
		s.inflight.Add(1)
		res := s.run.RunWithRetry(ctx, j)
		s.inflight.Done()
		st.release()
		results = append(results, res)
	}
	return results
}

// DueToday lists the enabled jobs whose schedule fires on the calendar day
// containing ref, ordered by priority then name.
func (s *Service) DueToday(ref time.Time) []job.Job {
	s.mu.Lock()
	jobs := append([]job.Job(nil), s.jobs...)
	loc := s.loc
	if loc == nil {
		loc = s.loadLocationLocked()
	}
	s.mu.Unlock()

	var due []job.Job
	for _, j := range jobs {
		if !j.Schedulable() {
			continue
		}
		if _, ok := calendar.DueOn(j.Schedule, ref, loc); ok {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool {
		if due[i].Priority != due[k].Priority {
			return due[i].Priority < due[k].Priority
		}
		return due[i].Name < due[k].Name
	})
	return due
}

// catchUp coalesces fires missed while the process was down: for each job
// due earlier today with no run attempt since that instant, trigger exactly
// one backfill run, regardless of how many fires were missed.
func (s *Service) catchUp(ctx context.Context) {
	now := s.now()
	caught := 0
	for _, j := range s.DueToday(now) {
		at, ok := s.dueInstant(j, now)
		if !ok || at.After(now) {
			continue // cron will service today's fire normally
		}
		if s.attemptedSince(ctx, j.Name, at) {
			continue
		}

		st := s.state(j.Name)
		if !st.tryAcquire() {
			continue
		}
		res := s.runBackfill(ctx, j)
		st.release()
		caught++
		s.log.Info("catch-up run finished",
			logx.String("job", j.Name),
			logx.String("status", string(res.Status)))
	}
	if caught > 0 {
		s.emit.Emit(ctx, store.Event{
			Type:     runner.EventDispatcherCatchup,
			Source:   "dispatcher",
			Summary:  fmt.Sprintf("caught up %d job(s) missed while down", caught),
			Priority: runner.PriorityInfo,
			At:       s.now(),
			Details:  map[string]any{"jobs": caught},
		})
	}
}

// runBackfill runs with the retry policy but records the backfill trigger.
func (s *Service) runBackfill(ctx context.Context, j job.Job) runner.Result {
	attempts := j.Attempts()
	var res runner.Result
	for i := 1; i <= attempts; i++ {
		res = s.run.Run(ctx, j, store.TriggerBackfill)
		res.Attempts = i
		if res.OK() || ctx.Err() != nil {
			return res
		}
		if i < attempts && j.RetryDelay > 0 {
			select {
			case <-ctx.Done():
				return res
			case <-time.After(j.RetryDelay):
			}
		}
	}
	return res
}

func (s *Service) dueInstant(j job.Job, ref time.Time) (time.Time, bool) {
	s.mu.Lock()
	loc := s.loc
	s.mu.Unlock()
	return calendar.DueOn(j.Schedule, ref, loc)
}

// attemptedSince reports whether any run record (terminal or running) for
// the job started at or after the given instant.
func (s *Service) attemptedSince(ctx context.Context, name string, at time.Time) bool {
	runs, err := s.st.ListRuns(ctx, name, 1)
	if err != nil {
		s.log.Warn("catch-up history read failed", logx.String("job", name), logx.Err(err))
		return true // fail closed: don't double-run on telemetry trouble
	}
	return len(runs) > 0 && !runs[0].StartedAt.Before(at)
}

func (s *Service) lookup(name string) (job.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.Name == name {
			return j, true
		}
	}
	return job.Job{}, false
}

// Jobs returns a copy of the configured job set.
func (s *Service) Jobs() []job.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]job.Job(nil), s.jobs...)
}
