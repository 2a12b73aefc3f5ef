package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"marketpulse/internal/calendar"
	"marketpulse/internal/job"
)

type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Store      StoreConfig      `json:"store"`
	Dispatcher DispatcherConfig `json:"dispatcher"`

	// Notifier forwards high-priority events to Telegram. Omitted means
	// disabled.
	Notifier *NotifierConfig `json:"notifier,omitempty"`

	// Collectors holds settings shared by the HTTP feed collectors.
	Collectors CollectorsConfig `json:"collectors,omitempty"`

	// Pprof exposes the runtime profiler. Off by default; non-loopback
	// binds require a token.
	Pprof PprofConfig `json:"pprof,omitempty"`

	Jobs map[string]JobConfig `json:"jobs"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StoreConfig controls the status store backing run history and the event log.
//
// Example:
//
//	"store": { "driver": "sqlite", "path": "./marketpulse.db" }
type StoreConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// DispatcherConfig controls the scheduling daemon.
//
// All durations are Go duration strings (e.g. "30m", "1h").
type DispatcherConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`

	// MisfireGrace bounds how late a timer fire may be serviced before it is
	// dropped as missed. Default "1h".
	MisfireGrace string `json:"misfire_grace,omitempty"`

	// StopTimeout bounds how long shutdown waits for in-flight runs. Default "5m".
	StopTimeout string `json:"stop_timeout,omitempty"`

	// OverdueSweep is the cron spec for the daily staleness check.
	// Default "30 7 * * 1-5" (weekday mornings).
	OverdueSweep string `json:"overdue_sweep,omitempty"`

	// CatchUp runs jobs whose fire instant for today was missed while the
	// process was down, at most once per job.
	CatchUp bool `json:"catch_up"`
}

// NotifierConfig controls the Telegram alert pipeline.
//
// All durations are Go duration strings.
type NotifierConfig struct {
	Enabled     bool   `json:"enabled"`
	Token       string `json:"token"`
	ChatID      int64  `json:"chat_id"`
	MinPriority int    `json:"min_priority,omitempty"` // forward events at or above this urgency (1=urgent); default 2
	RatePerSec  int    `json:"rate_per_sec,omitempty"` // default 1
	DedupWindow string `json:"dedup_window,omitempty"` // default "10m"
}

type PprofConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default "127.0.0.1:6060"
	Token   string `json:"token,omitempty"` // optional bearer token (do not log)
}

type CollectorsConfig struct {
	UserAgent  string  `json:"user_agent,omitempty"`
	Timeout    string  `json:"timeout,omitempty"`      // per-request HTTP timeout, default "2m"
	RatePerSec float64 `json:"rate_per_sec,omitempty"` // shared outbound request rate, default 2
}

// JobConfig is one scheduled collection job.
type JobConfig struct {
	// Collector is the registry name; defaults to the job's own name.
	Collector string `json:"collector,omitempty"`

	// Enabled is a pointer so we can distinguish "omitted" (default true)
	// from an explicit false.
	Enabled *bool `json:"enabled,omitempty"`

	// Priority orders manual catch-up runs; 1 is most important. Default 3.
	Priority int `json:"priority,omitempty"`

	MaxAttempts int    `json:"max_attempts,omitempty"` // default 3
	RetryDelay  string `json:"retry_delay,omitempty"`  // default "30m"
	Timeout     string `json:"timeout,omitempty"`      // per-run bound; "0s" disables

	Tags     []string `json:"tags,omitempty"`
	Requires []string `json:"requires,omitempty"` // informational ordering hints

	Schedule ScheduleConfig `json:"schedule"`

	// HTTP configures the generic feed collector for jobs without a
	// purpose-built one.
	HTTP *HTTPSourceConfig `json:"http,omitempty"`
}

// ScheduleConfig is the on-disk form of a release calendar entry.
type ScheduleConfig struct {
	Frequency string `json:"frequency"` // daily|weekly|monthly|quarterly|on_demand
	Weekday   string `json:"weekday,omitempty"`
	// DayOfMonth for monthly/quarterly; negative counts back from month end
	// (-1 is the last day).
	DayOfMonth int `json:"day_of_month,omitempty"`
	// Time is the local fire time as "HH:MM" (24h). Default "06:00".
	Time     string `json:"time,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	// LagDays shifts the data period label: a Friday release describing
	// Tuesday's positions has lag_days 3.
	LagDays     int    `json:"lag_days,omitempty"`
	Description string `json:"description,omitempty"`
}

// HTTPSourceConfig describes one fetchable feed.
type HTTPSourceConfig struct {
	URL     string            `json:"url"`
	Format  string            `json:"format"`           // csv|json
	Method  string            `json:"method,omitempty"` // default GET
	Headers map[string]string `json:"headers,omitempty"`
	// RecordsKey names the JSON field holding the record array; empty means
	// the document root. Ignored for CSV.
	RecordsKey string `json:"records_key,omitempty"`
	// MinRecords marks a fetch partial when fewer records arrive. 0 disables.
	MinRecords int `json:"min_records,omitempty"`
}

// BuildJobs maps the config's job table to the dispatcher's job set, sorted
// by name for stable reconciliation. Any invalid entry fails the whole build;
// a half-valid job table never reaches the dispatcher.
func (c *Config) BuildJobs() ([]job.Job, error) {
	names := make([]string, 0, len(c.Jobs))
	for name := range c.Jobs {
		names = append(names, name)
	}
	sort.Strings(names)

	jobs := make([]job.Job, 0, len(names))
	for _, name := range names {
		j, err := c.Jobs[name].build(name)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (jc JobConfig) build(name string) (job.Job, error) {
	sched, err := jc.Schedule.build(name)
	if err != nil {
		return job.Job{}, err
	}

	retryDelay, err := ParseDurationOrDefault("jobs."+name+".retry_delay", jc.RetryDelay, 30*time.Minute)
	if err != nil {
		return job.Job{}, err
	}
	timeout, err := ParseDurationField("jobs."+name+".timeout", jc.Timeout)
	if err != nil {
		return job.Job{}, err
	}

	j := job.Job{
		Name:        name,
		Collector:   jc.Collector,
		Schedule:    sched,
		Priority:    jc.Priority,
		Enabled:     jc.Enabled == nil || *jc.Enabled,
		MaxAttempts: jc.MaxAttempts,
		RetryDelay:  retryDelay,
		Timeout:     timeout,
		Tags:        append([]string(nil), jc.Tags...),
		Requires:    append([]string(nil), jc.Requires...),
	}
	if j.Collector == "" {
		j.Collector = name
	}
	if j.Priority <= 0 {
		j.Priority = 3
	}
	if jc.HTTP != nil {
		if err := jc.HTTP.validate(name); err != nil {
			return job.Job{}, err
		}
	}
	return j, nil
}

func (sc ScheduleConfig) build(name string) (calendar.ReleaseSchedule, error) {
	freq, err := calendar.ParseFrequency(sc.Frequency)
	if err != nil {
		return calendar.ReleaseSchedule{}, fmt.Errorf("jobs.%s.schedule: %w", name, err)
	}

	hour, minute := 6, 0
	if strings.TrimSpace(sc.Time) != "" {
		hour, minute, err = parseClock(sc.Time)
		if err != nil {
			return calendar.ReleaseSchedule{}, fmt.Errorf("jobs.%s.schedule.time: %w", name, err)
		}
	}

	s := calendar.ReleaseSchedule{
		Frequency:  freq,
		DayOfMonth: sc.DayOfMonth,
		Hour:       hour,
		Minute:     minute,
		Timezone:   sc.Timezone,
		LagDays:    sc.LagDays,
		Desc:       sc.Description,
	}
	if freq == calendar.FreqWeekly {
		wd, err := parseWeekday(sc.Weekday)
		if err != nil {
			return calendar.ReleaseSchedule{}, fmt.Errorf("jobs.%s.schedule.weekday: %w", name, err)
		}
		s.Weekday = wd
	}
	if err := s.Validate(); err != nil {
		return calendar.ReleaseSchedule{}, fmt.Errorf("jobs.%s.schedule: %w", name, err)
	}
	return s, nil
}

func (h *HTTPSourceConfig) validate(name string) error {
	if strings.TrimSpace(h.URL) == "" {
		return fmt.Errorf("jobs.%s.http: url is required", name)
	}
	switch strings.ToLower(strings.TrimSpace(h.Format)) {
	case "csv", "json":
	default:
		return fmt.Errorf("jobs.%s.http: format must be csv or json, got %q", name, h.Format)
	}
	return nil
}

// parseClock parses "HH:MM" in 24-hour form.
func parseClock(s string) (hour, minute int, err error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("want HH:MM, got %q", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err == nil {
		minute, err = strconv.Atoi(parts[1])
	}
	if err != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("want HH:MM, got %q", s)
	}
	return hour, minute, nil
}

func parseWeekday(s string) (time.Weekday, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sunday", "sun":
		return time.Sunday, nil
	case "monday", "mon":
		return time.Monday, nil
	case "tuesday", "tue":
		return time.Tuesday, nil
	case "wednesday", "wed":
		return time.Wednesday, nil
	case "thursday", "thu":
		return time.Thursday, nil
	case "friday", "fri":
		return time.Friday, nil
	case "saturday", "sat":
		return time.Saturday, nil
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}
