package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "marketpulse/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) BeginRun(ctx context.Context, rec RunRecord) error {
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO collection_status(id, job, status, started_at, triggered_by)
		 VALUES(?,?,?,?,?)`,
		rec.ID, rec.Job, string(RunRunning), rec.StartedAt.UTC().Format(time.RFC3339Nano), string(rec.TriggeredBy),
	)
	return err
}

func (s *sqliteStore) FinishRun(ctx context.Context, rec RunRecord) error {
	if !rec.Status.Terminal() {
		return fmt.Errorf("finish run %s: status %q is not terminal", rec.ID, rec.Status)
	}
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE collection_status
		 SET status=?, finished_at=?, rows_collected=?, rows_inserted=?, data_period=?, error_message=?, warnings=?
		 WHERE id=? AND status=?`,
		string(rec.Status), rec.FinishedAt.UTC().Format(time.RFC3339Nano),
		rec.RowsCollected, rec.RowsInserted, nullStr(rec.DataPeriod),
		nullStr(rec.ErrorMessage), nullStr(joinWarnings(rec.Warnings)),
		rec.ID, string(RunRunning),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run %s: no running record", rec.ID)
	}
	return nil
}

func (s *sqliteStore) ListRuns(ctx context.Context, job string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT id, job, status, started_at, finished_at, rows_collected, rows_inserted,
	             COALESCE(data_period,''), COALESCE(error_message,''), COALESCE(warnings,''), triggered_by
	      FROM collection_status`
	args := []any{}
	if job != "" {
		q += ` WHERE job = ?`
		args = append(args, job)
	}
	q += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var rec RunRecord
		var status, started, trigger string
		var finished, warnings sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Job, &status, &started, &finished,
			&rec.RowsCollected, &rec.RowsInserted, &rec.DataPeriod, &rec.ErrorMessage, &warnings, &trigger); err != nil {
			return nil, err
		}
		rec.Status = RunStatus(status)
		rec.TriggeredBy = Trigger(trigger)
		rec.StartedAt = parseTime(started)
		if finished.Valid {
			rec.FinishedAt = parseTime(finished.String)
		}
		if warnings.Valid {
			rec.Warnings = splitWarnings(warnings.String)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendEvent(ctx context.Context, e Event) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if e.Priority <= 0 {
		e.Priority = 5
	}
	var details any
	if len(e.Details) > 0 {
		b, err := json.Marshal(e.Details)
		if err == nil {
			details = string(b)
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO event_log(at, type, source, summary, details, priority)
		 VALUES(?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.Type, e.Source, e.Summary, details, e.Priority,
	)
	return err
}

func (s *sqliteStore) ListEvents(ctx context.Context, q EventQuery) ([]Event, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	sqlq := `SELECT id, at, type, source, summary, COALESCE(details,''), priority FROM event_log WHERE 1=1`
	args := []any{}
	if q.Source != "" {
		sqlq += ` AND source = ?`
		args = append(args, q.Source)
	}
	if q.Type != "" {
		sqlq += ` AND type = ?`
		args = append(args, q.Type)
	}
	if !q.After.IsZero() {
		sqlq += ` AND at >= ?`
		args = append(args, q.After.UTC().Format(time.RFC3339Nano))
	}
	sqlq += ` ORDER BY at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sqlq, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var at, details string
		if err := rows.Scan(&e.ID, &at, &e.Type, &e.Source, &e.Summary, &details, &e.Priority); err != nil {
			return nil, err
		}
		e.At = parseTime(at)
		if details != "" {
			_ = json.Unmarshal([]byte(details), &e.Details)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) HasEventOn(ctx context.Context, eventType, source string, day time.Time) (bool, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	end := start.AddDate(0, 0, 1)
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM event_log WHERE type = ? AND source = ? AND at >= ? AND at < ?`,
		eventType, source,
		start.UTC().Format(time.RFC3339Nano), end.UTC().Format(time.RFC3339Nano),
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) LastSuccesses(ctx context.Context) ([]LastSuccess, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job, last_success_at, COALESCE(last_period,'') FROM data_freshness`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LastSuccess
	for rows.Next() {
		var ls LastSuccess
		var at string
		if err := rows.Scan(&ls.Job, &at, &ls.LastPeriod); err != nil {
			return nil, err
		}
		ls.LastSuccessAt = parseTime(at)
		out = append(out, ls)
	}
	return out, rows.Err()
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Warnings are stored newline-joined; collector warnings are single-line
// human sentences, so the join is unambiguous in practice.
func joinWarnings(ws []string) string {
	return strings.Join(ws, "\n")
}

func splitWarnings(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
