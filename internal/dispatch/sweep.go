package dispatch

import (
	"context"
	"fmt"

	"marketpulse/internal/runner"
	"marketpulse/internal/store"
	logx "marketpulse/pkg/logx"
)

// Freshness computes the derived staleness view for every configured job.
func (s *Service) Freshness(ctx context.Context) ([]store.Freshness, error) {
	last, err := s.st.LastSuccesses(ctx)
	if err != nil {
		return nil, err
	}
	jobs := s.Jobs()
	exps := make([]store.JobExpectation, 0, len(jobs))
	for _, j := range jobs {
		exps = append(exps, store.JobExpectation{Job: j.Name, Frequency: j.Schedule.Frequency})
	}
	return store.ComputeFreshness(last, exps, s.now()), nil
}

// Sweep is the daily staleness check. For every job flagged overdue it
// writes exactly one overdue event per calendar day: a second sweep on the
// same day finds the earlier event and stays silent.
func (s *Service) Sweep(ctx context.Context) {
	rows, err := s.Freshness(ctx)
	if err != nil {
		s.log.Error("overdue sweep: freshness query failed", logx.Err(err))
		return
	}

	today := s.now()
	flagged := 0
	for _, f := range rows {
		if !f.IsOverdue {
			continue
		}
		dup, err := s.st.HasEventOn(ctx, runner.EventJobOverdue, f.Job, today)
		if err != nil {
			s.log.Warn("overdue sweep: dedup check failed", logx.String("job", f.Job), logx.Err(err))
			continue
		}
		if dup {
			continue
		}

		summary := fmt.Sprintf("%s is overdue: no successful run for %.0f hours (expected %s)",
			f.Job, f.HoursSince, f.Frequency)
		if f.HoursSince < 0 {
			summary = fmt.Sprintf("%s is overdue: no successful run on record (expected %s)",
				f.Job, f.Frequency)
		}
		s.emit.Emit(ctx, store.Event{
			Type:     runner.EventJobOverdue,
			Source:   f.Job,
			Summary:  summary,
			Priority: runner.PriorityError,
			At:       today,
			Details: map[string]any{
				"hours_since":        f.HoursSince,
				"expected_frequency": string(f.Frequency),
			},
		})
		flagged++
	}
	if flagged > 0 {
		s.log.Warn("overdue sweep flagged jobs", logx.Int("overdue", flagged))
	} else {
		s.log.Debug("overdue sweep clean")
	}
}
