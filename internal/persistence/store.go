// Copyright 2025 James Ross

// Package persistence is the narrow typed storage layer (C3): one table
// per artifact tier plus job_status and pipeline_state, addressed by
// upsert-by-key operations. No transactions span artifact tables;
// idempotency comes from deterministic keys and content-hash
// short-circuiting in the workers, not from locking.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Store wraps a Postgres connection pool.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres using dsn and applies the pool limits.
func Open(dsn string, maxOpenConns, maxIdleConns int, connMaxLifetime time.Duration) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)
	return &Store{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// WrapDB builds a Store around an already-open *sql.DB, for callers
// wiring a sqlmock connection in tests.
func WrapDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate creates every table the pipeline needs if it does not already
// exist. There is no migration framework: schema changes are additive
// CREATE TABLE IF NOT EXISTS / ALTER TABLE statements, matching the
// teacher's own outbox-table convention.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS extractions (
			id BIGSERIAL PRIMARY KEY,
			entry_date VARCHAR(10) NOT NULL,
			body_json TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (entry_date)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_extractions_date ON extractions (entry_date)`,
		`CREATE TABLE IF NOT EXISTS weekly_summaries (
			id BIGSERIAL PRIMARY KEY,
			week_start VARCHAR(10) NOT NULL,
			body_json TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (week_start)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_weekly_week_start ON weekly_summaries (week_start)`,
		`CREATE TABLE IF NOT EXISTS monthly_summaries (
			id BIGSERIAL PRIMARY KEY,
			month VARCHAR(7) NOT NULL,
			body_json TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (month)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_monthly_month ON monthly_summaries (month)`,
		`CREATE TABLE IF NOT EXISTS quarterly_notepads (
			id BIGSERIAL PRIMARY KEY,
			quarter VARCHAR(7) NOT NULL,
			body_json TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (quarter)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_quarterly_quarter ON quarterly_notepads (quarter)`,
		`CREATE TABLE IF NOT EXISTS synthesis (
			id BIGSERIAL PRIMARY KEY,
			natural_key VARCHAR(16) NOT NULL,
			body_json TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (natural_key)
		)`,
		`CREATE TABLE IF NOT EXISTS pipeline_state (
			id SMALLINT PRIMARY KEY DEFAULT 1,
			body_json TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			CHECK (id = 1)
		)`,
		`CREATE TABLE IF NOT EXISTS job_status (
			id VARCHAR(64) PRIMARY KEY,
			job_type VARCHAR(32) NOT NULL,
			status VARCHAR(32) NOT NULL,
			body_json TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_job_status_type_status ON job_status (job_type, status)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) upsert(ctx context.Context, table, keyCol, key, body string) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (%s, body_json)
		VALUES ($1, $2)
		ON CONFLICT (%s) DO UPDATE SET body_json = EXCLUDED.body_json
	`, table, keyCol, keyCol)
	_, err := s.db.ExecContext(ctx, query, key, body)
	if err != nil {
		return fmt.Errorf("upsert %s[%s=%s]: %w", table, keyCol, key, err)
	}
	return nil
}

func (s *Store) get(ctx context.Context, table, keyCol, key string) (string, error) {
	query := fmt.Sprintf(`SELECT body_json FROM %s WHERE %s = $1`, table, keyCol)
	var body string
	err := s.db.QueryRowContext(ctx, query, key).Scan(&body)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s[%s=%s]: %w", table, keyCol, key, err)
	}
	return body, nil
}

func (s *Store) getRange(ctx context.Context, table, keyCol string, lo, hi string) ([]string, error) {
	query := fmt.Sprintf(`SELECT body_json FROM %s WHERE %s >= $1 AND %s <= $2 ORDER BY %s ASC`, table, keyCol, keyCol, keyCol)
	rows, err := s.db.QueryContext(ctx, query, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("get range %s: %w", table, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		out = append(out, body)
	}
	return out, rows.Err()
}

// RangeMember pairs a natural key with its body, for callers (the
// aggregator) that need both to compute an input-hash over a range.
type RangeMember struct {
	Key  string
	Body string
}

func (s *Store) queryKeyed(ctx context.Context, query string, args ...interface{}) ([]RangeMember, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query keyed range: %w", err)
	}
	defer rows.Close()
	var out []RangeMember
	for rows.Next() {
		var m RangeMember
		if err := rows.Scan(&m.Key, &m.Body); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// StoreExtraction upserts the extraction for date.
func (s *Store) StoreExtraction(ctx context.Context, date, bodyJSON string) error {
	return s.upsert(ctx, "extractions", "entry_date", date, bodyJSON)
}

// GetExtraction returns ("", nil) on a miss rather than an error, since a
// missing row is an expected state (not yet processed, or dead-lettered).
func (s *Store) GetExtraction(ctx context.Context, date string) (string, error) {
	return s.get(ctx, "extractions", "entry_date", date)
}

// GetExtractionsInRange returns extraction bodies for dates in [start, end]
// in strictly ascending date order.
func (s *Store) GetExtractionsInRange(ctx context.Context, start, end string) ([]string, error) {
	return s.getRange(ctx, "extractions", "entry_date", start, end)
}

// GetExtractionsInRangeKeyed is GetExtractionsInRange plus the entry_date
// of each row, for input-hash computation over the range's natural keys.
func (s *Store) GetExtractionsInRangeKeyed(ctx context.Context, start, end string) ([]RangeMember, error) {
	return s.queryKeyed(ctx, `SELECT entry_date, body_json FROM extractions WHERE entry_date >= $1 AND entry_date <= $2 ORDER BY entry_date ASC`, start, end)
}

// StoreWeeklySummary upserts the weekly summary keyed by its week-start date.
func (s *Store) StoreWeeklySummary(ctx context.Context, weekStart, bodyJSON string) error {
	return s.upsert(ctx, "weekly_summaries", "week_start", weekStart, bodyJSON)
}

// GetWeeklySummary returns the weekly summary keyed by weekStart, or ""
// if it has not been produced yet.
func (s *Store) GetWeeklySummary(ctx context.Context, weekStart string) (string, error) {
	return s.get(ctx, "weekly_summaries", "week_start", weekStart)
}

// GetWeeklySummariesForMonth returns weekly summaries whose week_start
// falls in [monthStart, nextMonthStart), ascending.
func (s *Store) GetWeeklySummariesForMonth(ctx context.Context, monthStart, nextMonthStart string) ([]string, error) {
	query := `SELECT body_json FROM weekly_summaries WHERE week_start >= $1 AND week_start < $2 ORDER BY week_start ASC`
	rows, err := s.db.QueryContext(ctx, query, monthStart, nextMonthStart)
	if err != nil {
		return nil, fmt.Errorf("get weekly summaries for month: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		out = append(out, body)
	}
	return out, rows.Err()
}

// GetWeeklySummariesForMonthKeyed is GetWeeklySummariesForMonth plus each
// row's week_start, for input-hash computation.
func (s *Store) GetWeeklySummariesForMonthKeyed(ctx context.Context, monthStart, nextMonthStart string) ([]RangeMember, error) {
	return s.queryKeyed(ctx, `SELECT week_start, body_json FROM weekly_summaries WHERE week_start >= $1 AND week_start < $2 ORDER BY week_start ASC`, monthStart, nextMonthStart)
}

// StoreMonthlySummary upserts the monthly summary keyed by YYYY-MM.
func (s *Store) StoreMonthlySummary(ctx context.Context, month, bodyJSON string) error {
	return s.upsert(ctx, "monthly_summaries", "month", month, bodyJSON)
}

// GetMonthlySummary returns the monthly summary keyed by month (YYYY-MM),
// or "" if it has not been produced yet.
func (s *Store) GetMonthlySummary(ctx context.Context, month string) (string, error) {
	return s.get(ctx, "monthly_summaries", "month", month)
}

// GetMonthlySummariesForQuarter returns the (up to three) monthly
// summaries whose month falls within the named quarter's three months.
func (s *Store) GetMonthlySummariesForQuarter(ctx context.Context, months []string) ([]string, error) {
	var out []string
	for _, m := range months {
		body, err := s.get(ctx, "monthly_summaries", "month", m)
		if err != nil {
			return nil, err
		}
		if body != "" {
			out = append(out, body)
		}
	}
	return out, nil
}

// GetMonthlySummariesForQuarterKeyed is GetMonthlySummariesForQuarter plus
// each row's month, for input-hash computation. Missing months are
// silently skipped, same as the unkeyed variant.
func (s *Store) GetMonthlySummariesForQuarterKeyed(ctx context.Context, months []string) ([]RangeMember, error) {
	var out []RangeMember
	for _, m := range months {
		body, err := s.get(ctx, "monthly_summaries", "month", m)
		if err != nil {
			return nil, err
		}
		if body != "" {
			out = append(out, RangeMember{Key: m, Body: body})
		}
	}
	return out, nil
}

// StoreQuarterlyNotepad upserts the quarterly notepad keyed by YYYY-QN.
func (s *Store) StoreQuarterlyNotepad(ctx context.Context, quarter, bodyJSON string) error {
	return s.upsert(ctx, "quarterly_notepads", "quarter", quarter, bodyJSON)
}

// GetQuarterlyNotepad returns the quarterly notepad keyed by quarter
// (YYYY-QN), or "" if it has not been produced yet.
func (s *Store) GetQuarterlyNotepad(ctx context.Context, quarter string) (string, error) {
	return s.get(ctx, "quarterly_notepads", "quarter", quarter)
}

// GetAllQuarterlyNotepads returns every stored quarterly notepad in
// ascending (calendar) order by the quarter natural key.
func (s *Store) GetAllQuarterlyNotepads(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body_json FROM quarterly_notepads ORDER BY quarter ASC`)
	if err != nil {
		return nil, fmt.Errorf("get all quarterly notepads: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		out = append(out, body)
	}
	return out, rows.Err()
}

// GetAllQuarterlyNotepadsKeyed is GetAllQuarterlyNotepads plus each row's
// quarter, for input-hash computation.
func (s *Store) GetAllQuarterlyNotepadsKeyed(ctx context.Context) ([]RangeMember, error) {
	return s.queryKeyed(ctx, `SELECT quarter, body_json FROM quarterly_notepads ORDER BY quarter ASC`)
}

const synthesisKey = "main"

// StoreSynthesis upserts the singleton synthesis record.
func (s *Store) StoreSynthesis(ctx context.Context, bodyJSON string) error {
	return s.upsert(ctx, "synthesis", "natural_key", synthesisKey, bodyJSON)
}

// GetSynthesis returns the singleton synthesis record, or "" if it has
// not been produced yet.
func (s *Store) GetSynthesis(ctx context.Context) (string, error) {
	return s.get(ctx, "synthesis", "natural_key", synthesisKey)
}

// JobStatus is one row of the job_status table.
type JobStatus struct {
	ID       string
	JobType  string
	Status   string
	BodyJSON string
}

// UpsertJobStatus inserts or updates a job's status row.
func (s *Store) UpsertJobStatus(ctx context.Context, job JobStatus) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_status (id, job_type, status, body_json, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, body_json = EXCLUDED.body_json, updated_at = now()
	`, job.ID, job.JobType, job.Status, job.BodyJSON)
	if err != nil {
		return fmt.Errorf("upsert job status %s: %w", job.ID, err)
	}
	return nil
}

// GetJobStatus returns the job_status row for id, or a zero JobStatus and
// false if it does not exist.
func (s *Store) GetJobStatus(ctx context.Context, id string) (JobStatus, bool, error) {
	var job JobStatus
	err := s.db.QueryRowContext(ctx, `SELECT id, job_type, status, body_json FROM job_status WHERE id = $1`, id).
		Scan(&job.ID, &job.JobType, &job.Status, &job.BodyJSON)
	if err == sql.ErrNoRows {
		return JobStatus{}, false, nil
	}
	if err != nil {
		return JobStatus{}, false, fmt.Errorf("get job status %s: %w", id, err)
	}
	return job, true, nil
}

// CountJobStatusByTypeAndStatus counts job_status rows matching jobType
// and status. The coordinator does not use it for tier completion; it
// checks each expected range-id with GetJobStatus instead.
func (s *Store) CountJobStatusByTypeAndStatus(ctx context.Context, jobType, status string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM job_status WHERE job_type = $1 AND status = $2`, jobType, status).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count job status: %w", err)
	}
	return n, nil
}

// PutPipelineState upserts the singleton pipeline_state row.
func (s *Store) PutPipelineState(ctx context.Context, bodyJSON string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pipeline_state (id, body_json, updated_at)
		VALUES (1, $1, now())
		ON CONFLICT (id) DO UPDATE SET body_json = EXCLUDED.body_json, updated_at = now()
	`, bodyJSON)
	if err != nil {
		return fmt.Errorf("put pipeline state: %w", err)
	}
	return nil
}

// GetPipelineState returns the singleton pipeline_state body, or "" if
// the pipeline has never been started.
func (s *Store) GetPipelineState(ctx context.Context) (string, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body_json FROM pipeline_state WHERE id = 1`).Scan(&body)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get pipeline state: %w", err)
	}
	return body, nil
}
