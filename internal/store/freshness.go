package store

import (
	"sort"
	"time"

	"marketpulse/internal/calendar"
)

// Freshness is the derived read-model row: how stale is a job right now.
type Freshness struct {
	Job           string
	LastSuccessAt time.Time // zero when the job has never succeeded
	LastPeriod    string    // data period label of the newest good run
	HoursSince    float64   // -1 when the job has never succeeded
	Frequency     calendar.Frequency
	IsOverdue     bool
}

// JobExpectation names a job and the cadence its data is expected on.
type JobExpectation struct {
	Job       string
	Frequency calendar.Frequency
}

// overdueThreshold is how long after the nominal interval a job may stay
// silent before it counts as overdue. Daily gets extra slack because daily
// sources skip weekends.
func overdueThreshold(f calendar.Frequency) (time.Duration, bool) {
	if f == calendar.FreqDaily {
		return 60 * time.Hour, true
	}
	nominal, ok := f.NominalInterval()
	if !ok {
		return 0, false
	}
	return nominal + nominal/2, true
}

// ComputeFreshness joins the data_freshness view with the configured job
// expectations. Pure function of its inputs; "now" is injected.
//
// A job that has never succeeded is overdue immediately (there is no baseline
// to be fresh against); on_demand jobs are never overdue.
func ComputeFreshness(last []LastSuccess, jobs []JobExpectation, now time.Time) []Freshness {
	byJob := make(map[string]LastSuccess, len(last))
	for _, ls := range last {
		byJob[ls.Job] = ls
	}

	out := make([]Freshness, 0, len(jobs))
	for _, j := range jobs {
		f := Freshness{Job: j.Job, Frequency: j.Frequency, HoursSince: -1}
		threshold, tracked := overdueThreshold(j.Frequency)
		if ls, ok := byJob[j.Job]; ok && !ls.LastSuccessAt.IsZero() {
			f.LastSuccessAt = ls.LastSuccessAt
			f.LastPeriod = ls.LastPeriod
			age := now.Sub(ls.LastSuccessAt)
			f.HoursSince = age.Hours()
			f.IsOverdue = tracked && age > threshold
		} else {
			f.IsOverdue = tracked
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Job < out[j].Job })
	return out
}
