package calendar

import "time"

// NextAfter computes the next fire instant at or after now.
//
// It is a pure function of its inputs: no wall-clock reads, so callers can
// inject any "now" (tests, catch-up planning, the weekly plan printer).
// The second return is false for on_demand schedules, which never fire
// automatically.
func NextAfter(s ReleaseSchedule, now time.Time, def *time.Location) (time.Time, bool) {
	loc := s.Location(def)
	now = now.In(loc)

	switch s.Frequency {
	case FreqDaily:
		return nextDaily(s, now, loc), true
	case FreqWeekly:
		return nextWeekly(s, now, loc), true
	case FreqMonthly:
		return nextMonthly(s, now, loc), true
	case FreqQuarterly:
		return nextQuarterly(s, now, loc), true
	default:
		return time.Time{}, false
	}
}

// nextDaily finds the next business day (Mon-Fri) occurrence of HH:MM.
func nextDaily(s ReleaseSchedule, now time.Time, loc *time.Location) time.Time {
	cand := time.Date(now.Year(), now.Month(), now.Day(), s.Hour, s.Minute, 0, 0, loc)
	if cand.Before(now) {
		cand = cand.AddDate(0, 0, 1)
	}
	for isWeekend(cand.Weekday()) {
		cand = cand.AddDate(0, 0, 1)
	}
	return cand
}

func nextWeekly(s ReleaseSchedule, now time.Time, loc *time.Location) time.Time {
	days := (int(s.Weekday) - int(now.Weekday()) + 7) % 7
	cand := time.Date(now.Year(), now.Month(), now.Day(), s.Hour, s.Minute, 0, 0, loc).AddDate(0, 0, days)
	if cand.Before(now) {
		cand = cand.AddDate(0, 0, 7)
	}
	return cand
}

func nextMonthly(s ReleaseSchedule, now time.Time, loc *time.Location) time.Time {
	year, month := now.Year(), now.Month()
	for i := 0; ; i++ {
		cand := monthFire(s, year, month, loc)
		if !cand.Before(now) {
			return cand
		}
		month++
		if month > time.December {
			month = time.January
			year++
		}
	}
}

// nextQuarterly is the monthly rule restricted to the first month of each
// quarter (Jan, Apr, Jul, Oct).
func nextQuarterly(s ReleaseSchedule, now time.Time, loc *time.Location) time.Time {
	year := now.Year()
	// Start from the current quarter's first month and walk forward.
	month := time.Month(((int(now.Month())-1)/3)*3 + 1)
	for {
		cand := monthFire(s, year, month, loc)
		if !cand.Before(now) {
			return cand
		}
		month += 3
		if month > time.December {
			month -= 12
			year++
		}
	}
}

// monthFire resolves the schedule's day-of-month within a concrete month.
//
// Negative days count back from the end of that exact month: -1 is the last
// calendar day, -5 in a 30-day month is day 26, in a 31-day month day 27.
// Positive days past the month length clamp down to the last valid day.
func monthFire(s ReleaseSchedule, year int, month time.Month, loc *time.Location) time.Time {
	last := daysIn(year, month)
	day := s.DayOfMonth
	switch {
	case day < 0:
		day = last + 1 + day
		if day < 1 {
			day = 1
		}
	case day > last:
		day = last
	case day == 0:
		day = 1
	}
	return time.Date(year, month, day, s.Hour, s.Minute, 0, 0, loc)
}

// daysIn returns the number of days in the given month (handles leap years).
func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1).Day()
}

func isWeekend(d time.Weekday) bool {
	return d == time.Saturday || d == time.Sunday
}

// DueOn reports whether the schedule fires on the calendar day containing ref
// (in the schedule's location), and if so at what instant.
func DueOn(s ReleaseSchedule, ref time.Time, def *time.Location) (time.Time, bool) {
	loc := s.Location(def)
	ref = ref.In(loc)
	dayStart := time.Date(ref.Year(), ref.Month(), ref.Day(), 0, 0, 0, 0, loc)
	next, ok := NextAfter(s, dayStart, def)
	if !ok {
		return time.Time{}, false
	}
	if next.Year() == ref.Year() && next.YearDay() == ref.YearDay() {
		return next, true
	}
	return time.Time{}, false
}

// PlanEntry is one resolved fire instant, used by the CLI schedule printer.
type PlanEntry struct {
	At   time.Time
	Desc string
}

// Plan lists every fire instant in [from, from+window).
func Plan(s ReleaseSchedule, from time.Time, window time.Duration, def *time.Location) []PlanEntry {
	var out []PlanEntry
	end := from.Add(window)
	cur := from
	for {
		next, ok := NextAfter(s, cur, def)
		if !ok || !next.Before(end) {
			return out
		}
		out = append(out, PlanEntry{At: next, Desc: s.Desc})
		cur = next.Add(time.Minute)
	}
}
