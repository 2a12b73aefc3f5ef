// Package app wires the process: config, logging, store, event bus,
// registry, runner, dispatcher and notifier, plus live config reload.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"marketpulse/internal/collectors/httpfeed"
	"marketpulse/internal/config"
	"marketpulse/internal/dispatch"
	"marketpulse/internal/eventbus"
	"marketpulse/internal/notifier"
	obspprof "marketpulse/internal/observability/pprof"
	"marketpulse/internal/registry"
	"marketpulse/internal/runner"
	rtsup "marketpulse/internal/runtime/supervisor"
	"marketpulse/internal/store"
	logx "marketpulse/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service

	st    store.Store
	bus   eventbus.Bus
	reg   *registry.Registry
	run   *runner.Runner
	disp  *dispatch.Service
	notif *notifier.Service
	prof  *obspprof.Service

	// feedLimiter throttles outbound HTTP across every feed collector.
	feedLimiter *rate.Limiter
	feedOpts    httpfeed.Options
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logs, log := logx.New(cfg.Logging.Build())
	log = log.With(logx.String("comp", "app"))

	storeCfg, err := cfg.Store.Build()
	if err != nil {
		return nil, err
	}
	st, err := store.Open(storeCfg, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	bus := eventbus.New()
	reg := registry.New()
	run := runner.New(reg, st, bus, log.With(logx.String("comp", "runner")))

	dispCfg, err := cfg.Dispatcher.Build()
	if err != nil {
		return nil, err
	}
	disp := dispatch.New(dispCfg, run, st, log.With(logx.String("comp", "dispatcher")))

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logs,
		st:      st,
		bus:     bus,
		reg:     reg,
		run:     run,
		disp:    disp,
	}

	a.prof = obspprof.New(obspprof.Config{
		Enabled: cfg.Pprof.Enabled,
		Addr:    cfg.Pprof.Addr,
		Token:   cfg.Pprof.Token,
	}, log.With(logx.String("comp", "pprof")))

	if err := a.buildFeedOptions(cfg); err != nil {
		return nil, err
	}
	a.registerFeeds(cfg)

	jobs, err := cfg.BuildJobs()
	if err != nil {
		return nil, err
	}
	disp.SetJobs(jobs)

	if nc := cfg.Notifier; nc != nil && nc.Enabled {
		sender, err := notifier.NewTelegramSender(notifier.TelegramConfig{
			Token:  nc.Token,
			ChatID: nc.ChatID,
		})
		if err != nil {
			return nil, fmt.Errorf("notifier: %w", err)
		}
		dedup, err := config.ParseDurationOrDefault("notifier.dedup_window", nc.DedupWindow, 10*time.Minute)
		if err != nil {
			return nil, err
		}
		a.notif = notifier.New(notifier.Config{
			Enabled:     true,
			MinPriority: nc.MinPriority,
			RatePerSec:  nc.RatePerSec,
			DedupWindow: dedup,
		}, sender, bus, log.With(logx.String("comp", "notifier")))
	}

	return a, nil
}

// Registry exposes the collector registry so callers can install
// purpose-built collectors and observers before Start.
func (a *App) Registry() *registry.Registry { return a.reg }

func (a *App) Runner() *runner.Runner { return a.run }

func (a *App) Dispatcher() *dispatch.Service { return a.disp }

func (a *App) Store() store.Store { return a.st }

func (a *App) Log() logx.Logger { return a.log }

func (a *App) Config() *config.Config { return a.cfgm.Get() }

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) buildFeedOptions(cfg *config.Config) error {
	timeout, err := cfg.Collectors.HTTPTimeout()
	if err != nil {
		return err
	}
	rps := cfg.Collectors.RatePerSec
	if rps <= 0 {
		rps = 2
	}
	a.feedLimiter = rate.NewLimiter(rate.Limit(rps), 1)
	a.feedOpts = httpfeed.Options{
		UserAgent: cfg.Collectors.UserAgent,
		Timeout:   timeout,
		Limiter:   a.feedLimiter,
	}
	return nil
}

// registerFeeds installs an HTTP feed collector for every job that declares
// one. A feed is the fallback for plain fetch-and-count sources;
// purpose-built collectors registered by the caller may override it.
func (a *App) registerFeeds(cfg *config.Config) {
	for name, jc := range cfg.Jobs {
		if jc.HTTP == nil {
			continue
		}
		collName := jc.Collector
		if collName == "" {
			collName = name
		}
		a.reg.Register(collName, httpfeed.Factory(httpfeed.Feed{
			URL:        jc.HTTP.URL,
			Format:     jc.HTTP.Format,
			Method:     jc.HTTP.Method,
			Headers:    jc.HTTP.Headers,
			RecordsKey: jc.HTTP.RecordsKey,
			MinRecords: jc.HTTP.MinRecords,
		}, a.feedOpts))
	}
}

// Start brings up the daemon surfaces and the config watcher.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return config.Validate(cfg)
	})

	if a.disp.Enabled() {
		a.disp.Start(a.sup.Context())
	}
	if a.notif != nil {
		a.notif.Start(a.sup.Context())
	}
	if a.prof.Enabled() {
		a.prof.Start(a.sup.Context())
	}

	// hot reload fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyReload(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) applyReload(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, jobsChanged := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	a.log.Info("config reloaded",
		append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)

	a.logs.Apply(newCfg.Logging.Build())

	// Jobs and collectors: rebuild the feed registrations and reconcile the
	// dispatcher's job set. The watcher validated the config before
	// publishing, so Build failing here means a racing edit; keep the old set.
	if len(jobsChanged) > 0 || contains(sections, "collectors") {
		if err := a.buildFeedOptions(newCfg); err == nil {
			a.registerFeeds(newCfg)
		}
		jobs, err := newCfg.BuildJobs()
		if err != nil {
			a.log.Warn("job rebuild failed; keeping previous job set", logx.Err(err))
		} else {
			a.disp.SetJobs(jobs)
			a.log.Info("job set reconciled",
				logx.Int("jobs", len(jobs)),
				logx.Any("changed", jobsChanged))
		}
	}

	if contains(sections, "dispatcher") {
		dc, err := newCfg.Dispatcher.Build()
		if err != nil {
			a.log.Warn("dispatcher config rejected", logx.Err(err))
		} else {
			wasEnabled := a.disp.Enabled()
			a.disp.Apply(dc)
			if wasEnabled && !dc.Enabled {
				a.log.Info("dispatcher disabled via config")
				stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
				a.disp.Stop(stopCtx)
				cancel()
			} else if !wasEnabled && dc.Enabled {
				a.log.Info("dispatcher enabled via config")
				a.disp.Start(ctx)
			}
		}
	}

	if contains(sections, "pprof") {
		a.prof.Reconfigure(ctx, obspprof.Config{
			Enabled: newCfg.Pprof.Enabled,
			Addr:    newCfg.Pprof.Addr,
			Token:   newCfg.Pprof.Token,
		})
	}

	// Notifier settings. Token and chat changes need a process restart since
	// the sender is built once; everything else applies live.
	if contains(sections, "notifier") && a.notif != nil {
		if nc := newCfg.Notifier; nc != nil {
			dedup, err := config.ParseDurationOrDefault("notifier.dedup_window", nc.DedupWindow, 10*time.Minute)
			if err == nil {
				a.notif.Apply(notifier.Config{
					Enabled:     nc.Enabled,
					MinPriority: nc.MinPriority,
					RatePerSec:  nc.RatePerSec,
					DedupWindow: dedup,
				})
			}
		}
	}
}

// Stop shuts down in dependency order: dispatcher first so no new runs
// start, then the notifier, then the store.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	a.disp.Stop(ctx)
	if a.notif != nil {
		a.notif.Stop(ctx)
	}
	a.prof.Stop(ctx)
	_ = a.sup.Wait(ctx)

	if err := a.st.Close(); err != nil {
		a.log.Warn("store close failed", logx.Err(err))
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	a.log.Info("stopped")
	return nil
}

func contains(ss []string, want string) bool {
	for _, s := range ss {
		if s == want {
			return true
		}
	}
	return false
}
