package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"marketpulse/internal/dispatch"
	"marketpulse/internal/store"
	logx "marketpulse/pkg/logx"
)

// Validate rejects configs that cannot produce a working process. Used both
// at startup and as the Watch() hook, so a bad edit never reaches a running
// daemon.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := cfg.Store.Build(); err != nil {
		return err
	}
	if _, err := cfg.Dispatcher.Build(); err != nil {
		return err
	}
	if err := cfg.Notifier.validate(); err != nil {
		return err
	}
	if _, err := cfg.Collectors.HTTPTimeout(); err != nil {
		return err
	}
	if _, err := cfg.BuildJobs(); err != nil {
		return err
	}
	if cfg.Pprof.Enabled {
		if addr := strings.TrimSpace(cfg.Pprof.Addr); addr != "" {
			if _, _, err := net.SplitHostPort(addr); err != nil {
				return fmt.Errorf("pprof.addr: %w", err)
			}
		}
	}
	return nil
}

// Build maps the logging section onto the logger config.
func (l LoggingConfig) Build() logx.Config {
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled: l.File.Enabled,
			Path:    l.File.Path,
		},
	}
}

func (s StoreConfig) Build() (store.Config, error) {
	driver := strings.ToLower(strings.TrimSpace(s.Driver))
	switch driver {
	case "", "sqlite":
		driver = "sqlite"
		if strings.TrimSpace(s.Path) == "" {
			return store.Config{}, fmt.Errorf("store: path is required for the sqlite driver")
		}
	case "memory":
	default:
		return store.Config{}, fmt.Errorf("store: unknown driver %q", s.Driver)
	}
	busy, err := ParseDurationOrDefault("store.busy_timeout", s.BusyTimeout, 5*time.Second)
	if err != nil {
		return store.Config{}, err
	}
	return store.Config{Driver: driver, Path: s.Path, BusyTimeout: busy}, nil
}

func (d DispatcherConfig) Build() (dispatch.Config, error) {
	grace, err := ParseDurationField("dispatcher.misfire_grace", d.MisfireGrace)
	if err != nil {
		return dispatch.Config{}, err
	}
	stop, err := ParseDurationField("dispatcher.stop_timeout", d.StopTimeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	if tz := strings.TrimSpace(d.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return dispatch.Config{}, fmt.Errorf("dispatcher.timezone: %w", err)
		}
	}
	if spec := strings.TrimSpace(d.OverdueSweep); spec != "" {
		if _, err := cron.ParseStandard(spec); err != nil {
			return dispatch.Config{}, fmt.Errorf("dispatcher.overdue_sweep: invalid cron spec %q: %w", spec, err)
		}
	}
	return dispatch.Config{
		Enabled:      d.Enabled,
		Timezone:     d.Timezone,
		MisfireGrace: grace,
		StopTimeout:  stop,
		SweepSpec:    strings.TrimSpace(d.OverdueSweep),
		CatchUp:      d.CatchUp,
	}, nil
}

func (n *NotifierConfig) validate() error {
	if n == nil || !n.Enabled {
		return nil
	}
	if strings.TrimSpace(n.Token) == "" {
		return fmt.Errorf("notifier: token is required when enabled")
	}
	if n.ChatID == 0 {
		return fmt.Errorf("notifier: chat_id is required when enabled")
	}
	if n.MinPriority < 0 || n.MinPriority > 5 {
		return fmt.Errorf("notifier: min_priority %d out of range (1..5)", n.MinPriority)
	}
	if _, err := ParseDurationField("notifier.dedup_window", n.DedupWindow); err != nil {
		return err
	}
	return nil
}

// HTTPTimeout parses the shared per-request timeout with its default.
func (c CollectorsConfig) HTTPTimeout() (time.Duration, error) {
	return ParseDurationOrDefault("collectors.timeout", c.Timeout, 2*time.Minute)
}
