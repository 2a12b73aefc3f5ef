package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store with the same semantics as the SQLite
// backend. It backs the "memory" driver and the test suites.
type Memory struct {
	mu     sync.Mutex
	runs   []RunRecord
	events []Event
	seq    int64
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) BeginRun(_ context.Context, rec RunRecord) error {
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}
	rec.Status = RunRunning
	m.mu.Lock()
	m.runs = append(m.runs, rec)
	m.mu.Unlock()
	return nil
}

func (m *Memory) FinishRun(_ context.Context, rec RunRecord) error {
	if !rec.Status.Terminal() {
		return fmt.Errorf("finish run %s: status %q is not terminal", rec.ID, rec.Status)
	}
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.runs {
		if m.runs[i].ID == rec.ID && m.runs[i].Status == RunRunning {
			started := m.runs[i].StartedAt
			m.runs[i] = rec
			m.runs[i].StartedAt = started
			return nil
		}
	}
	return fmt.Errorf("finish run %s: no running record", rec.ID)
}

func (m *Memory) ListRuns(_ context.Context, job string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RunRecord, 0, limit)
	for _, r := range m.runs {
		if job == "" || r.Job == job {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) AppendEvent(_ context.Context, e Event) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if e.Priority <= 0 {
		e.Priority = 5
	}
	m.mu.Lock()
	m.seq++
	e.ID = m.seq
	m.events = append(m.events, e)
	m.mu.Unlock()
	return nil
}

func (m *Memory) ListEvents(_ context.Context, q EventQuery) ([]Event, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, 0, limit)
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		e := m.events[i]
		if q.Source != "" && e.Source != q.Source {
			continue
		}
		if q.Type != "" && e.Type != q.Type {
			continue
		}
		if !q.After.IsZero() && e.At.Before(q.After) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *Memory) HasEventOn(_ context.Context, eventType, source string, day time.Time) (bool, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	end := start.AddDate(0, 0, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.Type == eventType && e.Source == source && !e.At.Before(start) && e.At.Before(end) {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) LastSuccesses(_ context.Context) ([]LastSuccess, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	latest := map[string]RunRecord{}
	for _, r := range m.runs {
		if r.Status != RunSuccess && r.Status != RunPartial {
			continue
		}
		if cur, ok := latest[r.Job]; !ok || r.StartedAt.After(cur.StartedAt) {
			latest[r.Job] = r
		}
	}
	out := make([]LastSuccess, 0, len(latest))
	for job, r := range latest {
		out = append(out, LastSuccess{Job: job, LastSuccessAt: r.StartedAt, LastPeriod: r.DataPeriod})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Job < out[j].Job })
	return out, nil
}

// RunningCount reports how many records are currently in running state for a
// job. Test hook for the one-running-record-per-job invariant.
func (m *Memory) RunningCount(job string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.runs {
		if r.Job == job && r.Status == RunRunning {
			n++
		}
	}
	return n
}
