package extractor

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

func newTestWorker(t *testing.T) (*Worker, *miniredis.Miniredis, sqlmock.Sqlmock) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cache := contentcache.New(rdb, "", 7*24*time.Hour)
	store := persistence.WrapDB(db)
	log, _ := zap.NewDevelopment()

	w := &Worker{
		cache: cache,
		store: store,
		log:   log,
	}
	return w, mr, mock
}

func TestExtractCacheHitSkipsGatewayAndObjectStore(t *testing.T) {
	w, _, mock := newTestWorker(t)

	body := `{"mood_score":7,"energy_level":6,"sleep_mentioned":false,"medication_mentioned":false,"hormone_therapy_mentioned":false,"summary":"a calm day"}`
	job := queue.NewExtractionJob("2025-03-03", "journals/2025-03-03.md", "deadbeefcafebabe0011223344556677", "", "")
	cacheKey := w.cache.ExtractionKey(job.EntryDate, job.ContentHash)
	require.NoError(t, w.cache.Put(context.Background(), cacheKey, body, 0))

	mock.ExpectExec("INSERT INTO extractions").
		WithArgs(job.EntryDate, body).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO job_status").
		WithArgs("extraction:"+job.EntryDate, "extraction", "succeeded", body).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := w.extract(context.Background(), job)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBackoffCapsAtMax(t *testing.T) {
	got := backoff(10, 500*time.Millisecond, 10*time.Second)
	require.Equal(t, 10*time.Second, got)
}

func TestBackoffGrowsExponentially(t *testing.T) {
	got := backoff(1, 500*time.Millisecond, 10*time.Second)
	require.Equal(t, 500*time.Millisecond, got)
	got = backoff(2, 500*time.Millisecond, 10*time.Second)
	require.Equal(t, time.Second, got)
}
