package calendar

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// CronSchedule adapts a ReleaseSchedule to robfig/cron's Schedule interface so
// calendar entries can be installed directly into a cron.Cron runtime.
//
// It also remembers the most recently computed fire instant. The dispatcher
// reads it back (Due) when the entry actually executes, to measure how late
// the fire was serviced (misfire detection).
type CronSchedule struct {
	s   ReleaseSchedule
	loc *time.Location

	mu  sync.Mutex
	due time.Time
}

var _ cron.Schedule = (*CronSchedule)(nil)

// NewCronSchedule wraps a ReleaseSchedule for a cron runtime pinned to loc.
func NewCronSchedule(s ReleaseSchedule, loc *time.Location) *CronSchedule {
	return &CronSchedule{s: s, loc: loc}
}

// Next implements cron.Schedule. The zero time tells cron to never fire,
// which is how on_demand schedules behave inside the runtime.
func (c *CronSchedule) Next(t time.Time) time.Time {
	next, ok := NextAfter(c.s, t, c.loc)
	if !ok {
		return time.Time{}
	}
	c.mu.Lock()
	c.due = next
	c.mu.Unlock()
	return next
}

// Due returns the fire instant most recently handed to the cron runtime.
func (c *CronSchedule) Due() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.due
}

// Schedule returns the wrapped release schedule.
func (c *CronSchedule) Schedule() ReleaseSchedule { return c.s }
