package calendar

import (
	"fmt"
	"strings"
	"time"
)

// Frequency is the cadence on which an upstream source publishes data.
type Frequency string

const (
	FreqDaily     Frequency = "daily"
	FreqWeekly    Frequency = "weekly"
	FreqMonthly   Frequency = "monthly"
	FreqQuarterly Frequency = "quarterly"
	FreqOnDemand  Frequency = "on_demand"
)

// ParseFrequency normalizes a config string into a Frequency.
func ParseFrequency(s string) (Frequency, error) {
	switch Frequency(strings.ToLower(strings.TrimSpace(s))) {
	case FreqDaily:
		return FreqDaily, nil
	case FreqWeekly:
		return FreqWeekly, nil
	case FreqMonthly:
		return FreqMonthly, nil
	case FreqQuarterly:
		return FreqQuarterly, nil
	case FreqOnDemand, "ondemand", "on-demand", "manual":
		return FreqOnDemand, nil
	default:
		return "", fmt.Errorf("unknown frequency %q", s)
	}
}

// NominalInterval is the expected gap between two consecutive releases.
// Used by the freshness view to derive overdue thresholds; on_demand has none.
func (f Frequency) NominalInterval() (time.Duration, bool) {
	switch f {
	case FreqDaily:
		return 24 * time.Hour, true
	case FreqWeekly:
		return 7 * 24 * time.Hour, true
	case FreqMonthly:
		return 31 * 24 * time.Hour, true
	case FreqQuarterly:
		return 92 * 24 * time.Hour, true
	default:
		return 0, false
	}
}

// ReleaseSchedule describes when a source publishes.
//
// Immutable once built from config. DayOfMonth may be negative for
// monthly/quarterly schedules: -1 means the last calendar day of the month,
// -2 the day before, and so on, using the actual length of each month.
type ReleaseSchedule struct {
	Frequency  Frequency
	Weekday    time.Weekday // weekly only
	DayOfMonth int          // monthly/quarterly only; negative counts back from month end
	Hour       int
	Minute     int
	Timezone   string // IANA name; empty inherits the dispatcher location
	LagDays    int    // days between the end of the reporting period and publication
	Desc       string
}

// Validate rejects schedules that can never resolve to a fire instant.
func (s ReleaseSchedule) Validate() error {
	switch s.Frequency {
	case FreqDaily, FreqWeekly, FreqMonthly, FreqQuarterly, FreqOnDemand:
	default:
		return fmt.Errorf("unknown frequency %q", s.Frequency)
	}
	if s.Hour < 0 || s.Hour > 23 {
		return fmt.Errorf("hour %d out of range", s.Hour)
	}
	if s.Minute < 0 || s.Minute > 59 {
		return fmt.Errorf("minute %d out of range", s.Minute)
	}
	if s.Frequency == FreqMonthly || s.Frequency == FreqQuarterly {
		if s.DayOfMonth == 0 || s.DayOfMonth > 31 || s.DayOfMonth < -31 {
			return fmt.Errorf("day_of_month %d out of range", s.DayOfMonth)
		}
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return fmt.Errorf("timezone %q: %w", s.Timezone, err)
		}
	}
	return nil
}

// Location resolves the schedule timezone, falling back to the given default.
func (s ReleaseSchedule) Location(def *time.Location) *time.Location {
	tz := strings.TrimSpace(s.Timezone)
	if tz == "" {
		if def != nil {
			return def
		}
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		if def != nil {
			return def
		}
		return time.Local
	}
	return loc
}

// PeriodEnd derives the reporting-period end for data published at fire time.
// Lag days shift the label only; they never move the fire instant.
func (s ReleaseSchedule) PeriodEnd(fire time.Time) time.Time {
	return fire.AddDate(0, 0, -s.LagDays)
}

func (s ReleaseSchedule) String() string {
	at := fmt.Sprintf("%02d:%02d", s.Hour, s.Minute)
	switch s.Frequency {
	case FreqDaily:
		return fmt.Sprintf("daily (business days) at %s", at)
	case FreqWeekly:
		return fmt.Sprintf("weekly on %s at %s", s.Weekday, at)
	case FreqMonthly:
		if s.DayOfMonth < 0 {
			return fmt.Sprintf("monthly, %d day(s) before month end at %s", -s.DayOfMonth-1, at)
		}
		return fmt.Sprintf("monthly on day %d at %s", s.DayOfMonth, at)
	case FreqQuarterly:
		if s.DayOfMonth < 0 {
			return fmt.Sprintf("quarterly, %d day(s) before month end at %s", -s.DayOfMonth-1, at)
		}
		return fmt.Sprintf("quarterly on day %d at %s", s.DayOfMonth, at)
	case FreqOnDemand:
		return "on demand"
	}
	return string(s.Frequency)
}
