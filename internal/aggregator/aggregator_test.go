package aggregator

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/AutumnsGrove/YearlyReview/internal/contentcache"
	"github.com/AutumnsGrove/YearlyReview/internal/persistence"
	"github.com/AutumnsGrove/YearlyReview/internal/queue"
)

func newTestWorker(t *testing.T, tier queue.Tier) (*Worker, sqlmock.Sqlmock) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log, _ := zap.NewDevelopment()
	w := &Worker{
		tier:  tier,
		cache: contentcache.New(rdb, "", 7*24*time.Hour),
		store: persistence.WrapDB(db),
		log:   log,
	}
	return w, mock
}

func TestComputeInputHashIsOrderIndependent(t *testing.T) {
	a := []persistence.RangeMember{
		{Key: "2025-03-04", Body: `{"a":1}`},
		{Key: "2025-03-03", Body: `{"b":2}`},
	}
	b := []persistence.RangeMember{
		{Key: "2025-03-03", Body: `{"b":2}`},
		{Key: "2025-03-04", Body: `{"a":1}`},
	}
	require.Equal(t, computeInputHash(a, "v1"), computeInputHash(b, "v1"))
}

func TestComputeInputHashChangesWithPromptVersion(t *testing.T) {
	members := []persistence.RangeMember{{Key: "2025-03-03", Body: `{"a":1}`}}
	h1 := computeInputHash(members, "v1")
	h2 := computeInputHash(members, "v2")
	require.NotEqual(t, h1, h2)
}

func TestComputeInputHashChangesWithBody(t *testing.T) {
	m1 := []persistence.RangeMember{{Key: "2025-03-03", Body: `{"a":1}`}}
	m2 := []persistence.RangeMember{{Key: "2025-03-03", Body: `{"a":2}`}}
	require.NotEqual(t, computeInputHash(m1, "v1"), computeInputHash(m2, "v1"))
}

func TestAddDaysRollsMonthBoundary(t *testing.T) {
	require.Equal(t, "2025-04-02", addDays("2025-03-27", 6))
}

func TestMonthsOfQuarter(t *testing.T) {
	require.Equal(t, []string{"2025-01", "2025-02", "2025-03"}, monthsOfQuarter("2025-Q1"))
	require.Equal(t, []string{"2025-10", "2025-11", "2025-12"}, monthsOfQuarter("2025-Q4"))
}

func TestBackoffCapsAtMax(t *testing.T) {
	require.Equal(t, 10*time.Second, backoff(10, 500*time.Millisecond, 10*time.Second))
}

// TestLoadInputsMonthlyUsesRangeEndAsExclusiveBound guards against
// regressing to a derived-from-RangeStart upper bound: the coordinator
// enqueues monthly jobs with RangeStart="2025-03" and RangeEnd="2025-04"
// already computed, and loadInputs must pass both straight through.
func TestLoadInputsMonthlyUsesRangeEndAsExclusiveBound(t *testing.T) {
	w, mock := newTestWorker(t, queue.TierMonthly)
	job := queue.NewAggregationJob(queue.TierMonthly, "2025-03", "2025-03", "2025-04", "", "")

	rows := sqlmock.NewRows([]string{"week_start", "body_json"}).
		AddRow("2025-03-03", `{"theme":"steady"}`)
	mock.ExpectQuery("SELECT week_start, body_json FROM weekly_summaries").
		WithArgs("2025-03", "2025-04").
		WillReturnRows(rows)

	members, err := w.loadInputs(context.Background(), job)
	require.NoError(t, err)
	require.Len(t, members, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestAggregateSkipsLLMOnZeroInputs covers §8's zero-extraction-range
// case: the job must succeed without ever touching the gateway or
// persisting a hallucinated artifact.
func TestAggregateSkipsLLMOnZeroInputs(t *testing.T) {
	w, mock := newTestWorker(t, queue.TierWeekly)
	job := queue.NewAggregationJob(queue.TierWeekly, "2025-03-03", "2025-03-03", "2025-03-09", "", "")

	mock.ExpectQuery("SELECT entry_date, body_json FROM extractions").
		WithArgs("2025-03-03", "2025-03-09").
		WillReturnRows(sqlmock.NewRows([]string{"entry_date", "body_json"}))
	mock.ExpectExec("INSERT INTO job_status").
		WithArgs("weekly:2025-03-03", "weekly", "succeeded", "{}").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := w.aggregate(context.Background(), job)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
