package config

import (
	"encoding/json"
	"reflect"
	"sort"
	"strings"

	logx "marketpulse/pkg/logx"
)

// SummarizeChange returns (1) a compact list of changed sections, (2) safe
// structured attrs for logging (never includes secrets like the notifier
// token), and (3) the names of jobs whose definition changed.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Store
	if !reflect.DeepEqual(oldCfg.Store, newCfg.Store) {
		changed = append(changed, "store")
		attrs = append(attrs,
			logx.String("store.driver", strings.TrimSpace(newCfg.Store.Driver)),
			logx.Bool("store.path_set", strings.TrimSpace(newCfg.Store.Path) != ""),
			logx.String("store.busy_timeout", strings.TrimSpace(newCfg.Store.BusyTimeout)),
		)
	}

	// Dispatcher
	if !reflect.DeepEqual(oldCfg.Dispatcher, newCfg.Dispatcher) {
		changed = append(changed, "dispatcher")
		attrs = append(attrs,
			logx.Bool("dispatcher.enabled", newCfg.Dispatcher.Enabled),
			logx.String("dispatcher.timezone", strings.TrimSpace(newCfg.Dispatcher.Timezone)),
			logx.String("dispatcher.misfire_grace", strings.TrimSpace(newCfg.Dispatcher.MisfireGrace)),
			logx.String("dispatcher.overdue_sweep", strings.TrimSpace(newCfg.Dispatcher.OverdueSweep)),
			logx.Bool("dispatcher.catch_up", newCfg.Dispatcher.CatchUp),
		)
	}

	// Notifier (never log the token)
	oldN, newN := oldCfg.Notifier, newCfg.Notifier
	notifierChanged := (oldN == nil) != (newN == nil)
	if !notifierChanged && oldN != nil {
		notifierChanged = oldN.Enabled != newN.Enabled ||
			oldN.ChatID != newN.ChatID ||
			oldN.MinPriority != newN.MinPriority ||
			oldN.RatePerSec != newN.RatePerSec ||
			strings.TrimSpace(oldN.DedupWindow) != strings.TrimSpace(newN.DedupWindow) ||
			(strings.TrimSpace(oldN.Token) != "") != (strings.TrimSpace(newN.Token) != "")
	}
	if notifierChanged {
		changed = append(changed, "notifier")
		if newN != nil {
			attrs = append(attrs,
				logx.Bool("notifier.enabled", newN.Enabled),
				logx.Bool("notifier.token_set", strings.TrimSpace(newN.Token) != ""),
				logx.Int("notifier.min_priority", newN.MinPriority),
				logx.Int("notifier.rate_per_sec", newN.RatePerSec),
			)
		} else {
			attrs = append(attrs, logx.Bool("notifier.enabled", false))
		}
	}

	// Pprof (never log the token)
	if oldCfg.Pprof.Enabled != newCfg.Pprof.Enabled ||
		strings.TrimSpace(oldCfg.Pprof.Addr) != strings.TrimSpace(newCfg.Pprof.Addr) ||
		(strings.TrimSpace(oldCfg.Pprof.Token) != "") != (strings.TrimSpace(newCfg.Pprof.Token) != "") {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
		)
	}

	// Collectors
	if !reflect.DeepEqual(oldCfg.Collectors, newCfg.Collectors) {
		changed = append(changed, "collectors")
		attrs = append(attrs,
			logx.String("collectors.timeout", strings.TrimSpace(newCfg.Collectors.Timeout)),
			logx.Float64("collectors.rate_per_sec", newCfg.Collectors.RatePerSec),
		)
	}

	// Jobs (summarize only; details at debug)
	jobsChanged := diffJobs(oldCfg.Jobs, newCfg.Jobs)
	if len(jobsChanged) > 0 {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Int("jobs.changed_count", len(jobsChanged)),
			logx.Int("jobs.enabled_count", countEnabled(newCfg.Jobs)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, jobsChanged
}

func countEnabled(m map[string]JobConfig) int {
	n := 0
	for _, jc := range m {
		if jc.Enabled == nil || *jc.Enabled {
			n++
		}
	}
	return n
}

// diffJobs compares job definitions by canonical JSON so key order and
// formatting noise don't register as changes.
func diffJobs(oldM, newM map[string]JobConfig) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o, oOK := oldM[name]
		n, nOK := newM[name]
		if oOK != nOK || hashJobConfig(o) != hashJobConfig(n) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func hashJobConfig(jc JobConfig) uint64 {
	b, err := json.Marshal(jc)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}
