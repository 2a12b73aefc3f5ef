// Package dispatch is the long-lived daemon that decides when each
// collection job runs. It installs one calendar-derived timer per enabled
// job plus a daily overdue sweep, fires the runner with per-job overlap
// prevention, and drains in-flight runs on shutdown.
//
// Faults inside an individual job (registry miss, collector error, telemetry
// write failure) never halt the daemon; only a fault in the timer runtime
// itself is fatal.
package dispatch

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"marketpulse/internal/calendar"
	"marketpulse/internal/job"
	"marketpulse/internal/runner"
	"marketpulse/internal/store"
	logx "marketpulse/pkg/logx"
)

type entry struct {
	job   job.Job
	sched *calendar.CronSchedule
	id    cron.EntryID
}

type Service struct {
	mu sync.Mutex

	cfg Config
	log logx.Logger

	run  *runner.Runner
	st   store.Store
	emit *runner.Emitter

	loc     *time.Location
	c       *cron.Cron
	jobs    []job.Job
	entries map[string]*entry

	// states outlives cron restarts so the overlap guard holds across
	// reconciliations.
	stateMu sync.Mutex
	states  map[string]*runState

	inflight sync.WaitGroup
	stopCh   chan struct{}

	// now is injected for tests; the calendar itself never reads the clock.
	now func() time.Time
}

func New(cfg Config, run *runner.Runner, st store.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg.withDefaults(),
		log:     log,
		run:     run,
		st:      st,
		emit:    run.Emitter(),
		entries: map[string]*entry{},
		states:  map[string]*runState{},
		now:     time.Now,
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply swaps the daemon configuration. A running dispatcher restarts its
// cron runtime so timezone and sweep changes take effect immediately.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg.withDefaults()
	if s.stopCh != nil {
		s.restartLocked()
	}
}

// SetJobs installs the job set. Called once before Start and again on every
// config reload; a running dispatcher restarts its cron runtime so
// enable/disable changes take effect on this reconciliation.
func (s *Service) SetJobs(jobs []job.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append([]job.Job(nil), jobs...)
	if s.stopCh != nil {
		s.restartLocked()
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})

	s.loc = s.loadLocationLocked()
	s.buildCronLocked()
	s.c.Start()

	s.log.Info("dispatcher started",
		logx.Int("jobs", len(s.entries)),
		logx.String("tz", s.loc.String()),
		logx.String("sweep", s.cfg.SweepSpec))
	s.emit.Emit(ctx, store.Event{
		Type:     runner.EventDispatcherStarted,
		Source:   "dispatcher",
		Summary:  "dispatcher started",
		Priority: runner.PriorityInfo,
		At:       s.now(),
		Details:  map[string]any{"jobs": len(s.entries), "timezone": s.loc.String()},
	})

	if s.cfg.CatchUp {
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			s.catchUp(ctx)
		}()
	}
}

// Stop stops accepting new fires and waits for in-flight runs to reach a
// terminal state, bounded by StopTimeout (or ctx, whichever ends first).
// It never cancels a collector mid-flight.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	c := s.c
	s.c = nil
	timeout := s.cfg.StopTimeout
	s.mu.Unlock()

	start := time.Now()
	if c != nil {
		// cron's Stop context completes when entry wrappers return.
		<-c.Stop().Done()
	}

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("dispatcher stopped", logx.Duration("took", time.Since(start)))
	case <-time.After(timeout):
		s.log.Warn("dispatcher stop timed out with runs still in flight",
			logx.Duration("timeout", timeout))
	case <-ctx.Done():
		s.log.Warn("dispatcher stop interrupted", logx.Err(ctx.Err()))
	}

	s.emit.Emit(context.Background(), store.Event{
		Type:     runner.EventDispatcherStopped,
		Source:   "dispatcher",
		Summary:  "dispatcher stopped",
		Priority: runner.PriorityInfo,
		At:       s.now(),
	})
}

// buildCronLocked creates a fresh cron runtime from the current job set.
func (s *Service) buildCronLocked() {
	s.c = cron.New(cron.WithLocation(s.loc))
	s.entries = map[string]*entry{}

	for _, j := range s.jobs {
		if !j.Schedulable() {
			continue
		}
		e := &entry{job: j, sched: calendar.NewCronSchedule(j.Schedule, s.loc)}
		jb := j
		e.id = s.c.Schedule(e.sched, cron.FuncJob(func() {
			s.fire(jb, e.sched)
		}))
		s.entries[j.Name] = e
	}

	// The sweep is a plain cron entry, distinct from job timers.
	if _, err := s.c.AddFunc(s.cfg.SweepSpec, func() { s.Sweep(context.Background()) }); err != nil {
		s.log.Error("invalid sweep spec, overdue sweep disabled",
			logx.String("spec", s.cfg.SweepSpec), logx.Err(err))
	}
}

func (s *Service) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	s.loc = s.loadLocationLocked()
	s.buildCronLocked()
	s.c.Start()
	s.log.Info("dispatcher reconciled", logx.Int("jobs", len(s.entries)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) state(name string) *runState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	st, ok := s.states[name]
	if !ok {
		st = &runState{}
		s.states[name] = st
	}
	return st
}

// Snapshot reports the daemon state for the CLI.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{Running: s.stopCh != nil}
	if s.loc != nil {
		snap.Timezone = s.loc.String()
	}
	for _, j := range s.jobs {
		js := JobStatus{
			Name:     j.Name,
			Schedule: j.Schedule.String(),
			Enabled:  j.Enabled,
			Running:  s.isRunning(j.Name),
		}
		if e, ok := s.entries[j.Name]; ok && s.c != nil {
			js.NextFire = s.c.Entry(e.id).Next
		}
		snap.Jobs = append(snap.Jobs, js)
	}
	sort.Slice(snap.Jobs, func(i, k int) bool { return snap.Jobs[i].Name < snap.Jobs[k].Name })
	return snap
}

func (s *Service) isRunning(name string) bool {
	s.stateMu.Lock()
	st, ok := s.states[name]
	s.stateMu.Unlock()
	if !ok {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.running
}
