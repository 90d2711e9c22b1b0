package reaper

import (
    "context"
    "fmt"
    "testing"

    "github.com/alicebob/miniredis/v2"
    "github.com/AutumnsGrove/YearlyReview/internal/config"
    "github.com/AutumnsGrove/YearlyReview/internal/queue"
    "github.com/redis/go-redis/v9"
    "go.uber.org/zap"
)

func TestReaperRequeuesExtractionWithoutHeartbeat(t *testing.T) {
    mr, _ := miniredis.Run()
    defer mr.Close()
    rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
    cfg, err := config.Load("nonexistent.yaml")
    if err != nil {
        t.Fatal(err)
    }
    cfg.Redis.Addr = mr.Addr()
    log, _ := zap.NewDevelopment()
    rep := New(cfg, rdb, log)

    ctx := context.Background()
    workerID := "w1"
    plist := fmt.Sprintf(cfg.Extraction.ProcessingListPattern, workerID)
    hbKey := fmt.Sprintf(cfg.Extraction.HeartbeatKeyPattern, workerID)
    // Simulate dead worker: no heartbeat key
    job := queue.NewExtractionJob("2025-03-03", "journals/2025-03-03.md", "deadbeef", "", "")
    payload, _ := job.Marshal()
    if err := rdb.LPush(ctx, plist, payload).Err(); err != nil {
        t.Fatal(err)
    }

    rep.scanOnce(ctx)

    n, _ := rdb.LLen(context.Background(), cfg.Extraction.QueueKey).Result()
    if n != 1 {
        t.Fatalf("expected 1 job requeued, got %d", n)
    }
    if mr.Exists(hbKey) {
        t.Fatalf("heartbeat should not exist")
    }
}

func TestReaperRequeuesAggregationWithoutHeartbeat(t *testing.T) {
    mr, _ := miniredis.Run()
    defer mr.Close()
    rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
    cfg, err := config.Load("nonexistent.yaml")
    if err != nil {
        t.Fatal(err)
    }
    cfg.Redis.Addr = mr.Addr()
    log, _ := zap.NewDevelopment()
    rep := New(cfg, rdb, log)

    ctx := context.Background()
    tier := "weekly"
    workerID := "w1"
    plist := fmt.Sprintf(cfg.Aggregation.ProcessingListPattern, tier, workerID)
    job := queue.NewAggregationJob(queue.TierWeekly, "2025-03-03", "2025-03-03", "2025-03-09", "", "")
    payload, _ := job.Marshal()
    if err := rdb.LPush(ctx, plist, payload).Err(); err != nil {
        t.Fatal(err)
    }

    rep.scanOnce(ctx)

    dest := fmt.Sprintf(cfg.Aggregation.QueueKeyPattern, tier)
    n, _ := rdb.LLen(context.Background(), dest).Result()
    if n != 1 {
        t.Fatalf("expected 1 job requeued, got %d", n)
    }
}
