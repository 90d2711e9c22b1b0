// Copyright 2025 James Ross
package reaper

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/AutumnsGrove/YearlyReview/internal/config"
	"github.com/AutumnsGrove/YearlyReview/internal/obs"
	"github.com/AutumnsGrove/YearlyReview/internal/queue"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Reaper struct {
	cfg *config.Config
	rdb *redis.Client
	log *zap.Logger
}

func New(cfg *config.Config, rdb *redis.Client, log *zap.Logger) *Reaper {
	return &Reaper{cfg: cfg, rdb: rdb, log: log}
}

func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.scanOnce(ctx)
		}
	}
}

// scanOnce recovers abandoned extraction and aggregation jobs whose owning
// worker's heartbeat key has expired, requeuing them onto their
// originating queue.
func (r *Reaper) scanOnce(ctx context.Context) {
	r.scanExtraction(ctx)
	r.scanAggregation(ctx)
}

func (r *Reaper) scanExtraction(ctx context.Context) {
	var cursor uint64
	for {
		keys, cur, err := r.rdb.Scan(ctx, cursor, "pipeline:extract:worker:*:processing", 100).Result()
		if err != nil {
			r.log.Warn("reaper extraction scan error", obs.Err(err))
			return
		}
		cursor = cur
		for _, plist := range keys {
			// pipeline:extract:worker:<id>:processing
			parts := strings.Split(plist, ":")
			if len(parts) < 5 {
				continue
			}
			workerID := parts[3]
			hbKey := fmt.Sprintf(r.cfg.Extraction.HeartbeatKeyPattern, workerID)
			exists, _ := r.rdb.Exists(ctx, hbKey).Result()
			if exists == 1 {
				continue
			}

			for {
				payload, err := r.rdb.RPop(ctx, plist).Result()
				if err == redis.Nil {
					break
				}
				if err != nil {
					r.log.Warn("reaper rpop error", obs.Err(err))
					break
				}
				job, err := queue.UnmarshalExtractionJob(payload)
				if err != nil {
					continue
				}
				if err := r.rdb.LPush(ctx, r.cfg.Extraction.QueueKey, payload).Err(); err != nil {
					r.log.Error("requeue failed", obs.Err(err))
				} else {
					obs.ReaperRecovered.Inc()
					r.log.Warn("requeued abandoned extraction job", obs.String("id", job.ID), obs.String("entry_date", job.EntryDate), obs.String("trace_id", job.TraceID), obs.String("span_id", job.SpanID))
				}
			}
		}
		if cursor == 0 {
			break
		}
	}
}

func (r *Reaper) scanAggregation(ctx context.Context) {
	var cursor uint64
	for {
		keys, cur, err := r.rdb.Scan(ctx, cursor, "pipeline:agg:*:worker:*:processing", 100).Result()
		if err != nil {
			r.log.Warn("reaper aggregation scan error", obs.Err(err))
			return
		}
		cursor = cur
		for _, plist := range keys {
			// pipeline:agg:<tier>:worker:<id>:processing
			parts := strings.Split(plist, ":")
			if len(parts) < 6 {
				continue
			}
			tier := parts[2]
			workerID := parts[4]
			hbKey := fmt.Sprintf(r.cfg.Aggregation.HeartbeatKeyPattern, tier, workerID)
			exists, _ := r.rdb.Exists(ctx, hbKey).Result()
			if exists == 1 {
				continue
			}

			dest := fmt.Sprintf(r.cfg.Aggregation.QueueKeyPattern, tier)
			for {
				payload, err := r.rdb.RPop(ctx, plist).Result()
				if err == redis.Nil {
					break
				}
				if err != nil {
					r.log.Warn("reaper rpop error", obs.Err(err))
					break
				}
				job, err := queue.UnmarshalAggregationJob(payload)
				if err != nil {
					continue
				}
				if err := r.rdb.LPush(ctx, dest, payload).Err(); err != nil {
					r.log.Error("requeue failed", obs.Err(err))
				} else {
					obs.ReaperRecovered.Inc()
					r.log.Warn("requeued abandoned aggregation job", obs.String("id", job.ID), obs.String("tier", tier), obs.String("range_id", job.RangeID), obs.String("trace_id", job.TraceID), obs.String("span_id", job.SpanID))
				}
			}
		}
		if cursor == 0 {
			break
		}
	}
}
