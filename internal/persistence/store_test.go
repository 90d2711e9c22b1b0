package persistence

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &Store{db: db}, mock
}

func TestStoreExtractionUpsert(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectExec("INSERT INTO extractions").
		WithArgs("2025-03-03", `{"mood_score":5}`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.StoreExtraction(context.Background(), "2025-03-03", `{"mood_score":5}`)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetExtractionMiss(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectQuery("SELECT body_json FROM extractions").
		WithArgs("2099-01-01").
		WillReturnRows(sqlmock.NewRows([]string{"body_json"}))

	body, err := s.GetExtraction(context.Background(), "2099-01-01")
	require.NoError(t, err)
	require.Equal(t, "", body)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetExtractionsInRangeAscending(t *testing.T) {
	s, mock := newTestStore(t)
	rows := sqlmock.NewRows([]string{"body_json"}).
		AddRow(`{"date":"2025-03-03"}`).
		AddRow(`{"date":"2025-03-04"}`)
	mock.ExpectQuery("SELECT body_json FROM extractions").
		WithArgs("2025-03-03", "2025-03-09").
		WillReturnRows(rows)

	got, err := s.GetExtractionsInRange(context.Background(), "2025-03-03", "2025-03-09")
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestJobStatusRoundTrip(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectExec("INSERT INTO job_status").
		WithArgs("job-1", "extraction", "succeeded", "{}").
		WillReturnResult(sqlmock.NewResult(1, 1))
	err := s.UpsertJobStatus(context.Background(), JobStatus{ID: "job-1", JobType: "extraction", Status: "succeeded", BodyJSON: "{}"})
	require.NoError(t, err)

	rows := sqlmock.NewRows([]string{"id", "job_type", "status", "body_json"}).
		AddRow("job-1", "extraction", "succeeded", "{}")
	mock.ExpectQuery("SELECT id, job_type, status, body_json FROM job_status").
		WithArgs("job-1").
		WillReturnRows(rows)
	job, ok, err := s.GetJobStatus(context.Background(), "job-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "succeeded", job.Status)
}

func TestCountJobStatusByTypeAndStatus(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM job_status").
		WithArgs("extraction", "succeeded").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	n, err := s.CountJobStatusByTypeAndStatus(context.Background(), "extraction", "succeeded")
	require.NoError(t, err)
	require.Equal(t, 7, n)
}
