// Copyright 2025 James Ross
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/AutumnsGrove/YearlyReview/internal/config"
	"github.com/AutumnsGrove/YearlyReview/internal/queue"
	"github.com/redis/go-redis/v9"
)

var aggregationTiers = []string{"weekly", "monthly", "quarterly", "synthesis"}

// StatsResult summarizes queue depths and live worker count.
type StatsResult struct {
	Queues          map[string]int64 `json:"queues"`
	ProcessingLists map[string]int64 `json:"processing_lists"`
	Heartbeats      int64            `json:"heartbeats"`
}

func Stats(ctx context.Context, cfg *config.Config, rdb *redis.Client) (StatsResult, error) {
	res := StatsResult{Queues: map[string]int64{}, ProcessingLists: map[string]int64{}}

	qset := map[string]string{
		"extract":            cfg.Extraction.QueueKey,
		"extract_dead_letter": cfg.Extraction.DeadLetterList,
	}
	for _, tier := range aggregationTiers {
		qset[tier] = fmt.Sprintf(cfg.Aggregation.QueueKeyPattern, tier)
		qset[tier+"_dead_letter"] = fmt.Sprintf(cfg.Aggregation.DeadLetterListPattern, tier)
	}
	for name, key := range qset {
		if key == "" {
			continue
		}
		n, err := rdb.LLen(ctx, key).Result()
		if err != nil {
			return res, err
		}
		res.Queues[name+"("+key+")"] = n
	}

	for _, pattern := range []string{"pipeline:extract:worker:*:processing", "pipeline:agg:*:worker:*:processing"} {
		var cursor uint64
		for {
			keys, cur, err := rdb.Scan(ctx, cursor, pattern, 200).Result()
			if err != nil {
				return res, err
			}
			cursor = cur
			for _, k := range keys {
				n, _ := rdb.LLen(ctx, k).Result()
				res.ProcessingLists[k] = n
			}
			if cursor == 0 {
				break
			}
		}
	}

	var hbc int64
	for _, pattern := range []string{"pipeline:extract:worker:*:heartbeat", "pipeline:agg:*:worker:*:heartbeat"} {
		var cursor uint64
		for {
			keys, cur, err := rdb.Scan(ctx, cursor, pattern, 500).Result()
			if err != nil {
				return res, err
			}
			cursor = cur
			hbc += int64(len(keys))
			if cursor == 0 {
				break
			}
		}
	}
	res.Heartbeats = hbc
	return res, nil
}

// PeekResult is a window into a queue's contents.
type PeekResult struct {
	Queue string   `json:"queue"`
	Items []string `json:"items"`
}

// Peek inspects the last n items of the named queue without removing them.
// alias is one of "extract", "weekly", "monthly", "quarterly", "synthesis",
// any of those suffixed with "_dead_letter", or a full Redis key.
func Peek(ctx context.Context, cfg *config.Config, rdb *redis.Client, alias string, n int64) (PeekResult, error) {
	qkey, err := resolveQueue(cfg, alias)
	if err != nil {
		return PeekResult{}, err
	}
	if n <= 0 {
		n = 10
	}
	items, err := rdb.LRange(ctx, qkey, -n, -1).Result()
	if err != nil {
		return PeekResult{}, err
	}
	return PeekResult{Queue: qkey, Items: items}, nil
}

// DeadLetters lists every job currently sitting in the named tier's
// dead-letter list ("extract", "weekly", "monthly", "quarterly", "synthesis").
func DeadLetters(ctx context.Context, cfg *config.Config, rdb *redis.Client, tierAlias string) (PeekResult, error) {
	dlKey, err := resolveDeadLetter(cfg, tierAlias)
	if err != nil {
		return PeekResult{}, err
	}
	items, err := rdb.LRange(ctx, dlKey, 0, -1).Result()
	if err != nil {
		return PeekResult{}, err
	}
	return PeekResult{Queue: dlKey, Items: items}, nil
}

// RequeueDeadLetter finds the job with the given ID in the named tier's
// dead-letter list, removes one occurrence, and pushes it back onto the
// tier's live queue with Retries reset to zero. It is the operator's
// explicit escape hatch, distinct from automatic worker retry.
func RequeueDeadLetter(ctx context.Context, cfg *config.Config, rdb *redis.Client, tierAlias, jobID string) error {
	dlKey, err := resolveDeadLetter(cfg, tierAlias)
	if err != nil {
		return err
	}
	items, err := rdb.LRange(ctx, dlKey, 0, -1).Result()
	if err != nil {
		return err
	}
	var destKey, matched, requeued string
	for _, item := range items {
		if tierAlias == "extract" {
			job, perr := queue.UnmarshalExtractionJob(item)
			if perr != nil || job.ID != jobID {
				continue
			}
			job.Retries = 0
			payload, merr := job.Marshal()
			if merr != nil {
				return merr
			}
			matched = item
			requeued = payload
			destKey = cfg.Extraction.QueueKey
			break
		}
		job, perr := queue.UnmarshalAggregationJob(item)
		if perr != nil || job.ID != jobID {
			continue
		}
		job.Retries = 0
		payload, merr := job.Marshal()
		if merr != nil {
			return merr
		}
		matched = item
		requeued = payload
		destKey = fmt.Sprintf(cfg.Aggregation.QueueKeyPattern, string(job.Tier))
		break
	}
	if matched == "" {
		return fmt.Errorf("job %q not found in %s dead-letter list", jobID, tierAlias)
	}
	if err := rdb.LRem(ctx, dlKey, 1, matched).Err(); err != nil {
		return fmt.Errorf("remove from dead-letter: %w", err)
	}
	if err := rdb.LPush(ctx, destKey, requeued).Err(); err != nil {
		return fmt.Errorf("requeue to %s: %w", destKey, err)
	}
	return nil
}

func resolveQueue(cfg *config.Config, alias string) (string, error) {
	a := strings.ToLower(alias)
	if strings.HasSuffix(a, "_dead_letter") {
		return resolveDeadLetter(cfg, strings.TrimSuffix(a, "_dead_letter"))
	}
	if a == "extract" {
		return cfg.Extraction.QueueKey, nil
	}
	for _, tier := range aggregationTiers {
		if a == tier {
			return fmt.Sprintf(cfg.Aggregation.QueueKeyPattern, tier), nil
		}
	}
	if strings.HasPrefix(alias, "pipeline:") {
		return alias, nil
	}
	opts, _ := json.Marshal(append([]string{"extract"}, aggregationTiers...))
	return "", fmt.Errorf("unknown queue alias %q; known: %s, any suffixed _dead_letter, or a full key starting with pipeline:", alias, string(opts))
}

func resolveDeadLetter(cfg *config.Config, tierAlias string) (string, error) {
	a := strings.ToLower(tierAlias)
	if a == "extract" {
		return cfg.Extraction.DeadLetterList, nil
	}
	for _, tier := range aggregationTiers {
		if a == tier {
			return fmt.Sprintf(cfg.Aggregation.DeadLetterListPattern, tier), nil
		}
	}
	opts, _ := json.Marshal(append([]string{"extract"}, aggregationTiers...))
	return "", fmt.Errorf("unknown tier alias %q; known: %s", tierAlias, string(opts))
}

// PurgeAll deletes every managed queue, dead-letter, processing-list, and
// heartbeat key. Intended for test/dev environments between runs.
func PurgeAll(ctx context.Context, cfg *config.Config, rdb *redis.Client) (int64, error) {
	var deleted int64
	keys := []string{cfg.Extraction.QueueKey, cfg.Extraction.DeadLetterList}
	for _, tier := range aggregationTiers {
		keys = append(keys,
			fmt.Sprintf(cfg.Aggregation.QueueKeyPattern, tier),
			fmt.Sprintf(cfg.Aggregation.DeadLetterListPattern, tier),
		)
	}
	uniq := map[string]struct{}{}
	ek := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := uniq[k]; ok {
			continue
		}
		uniq[k] = struct{}{}
		ek = append(ek, k)
	}
	if len(ek) > 0 {
		n, err := rdb.Del(ctx, ek...).Result()
		if err != nil {
			return deleted, err
		}
		deleted += n
	}
	for _, pattern := range []string{
		"pipeline:extract:worker:*:processing",
		"pipeline:extract:worker:*:heartbeat",
		"pipeline:agg:*:worker:*:processing",
		"pipeline:agg:*:worker:*:heartbeat",
	} {
		var cursor uint64
		for {
			ks, cur, err := rdb.Scan(ctx, cursor, pattern, 500).Result()
			if err != nil {
				return deleted, err
			}
			cursor = cur
			if len(ks) > 0 {
				n, err := rdb.Del(ctx, ks...).Result()
				if err != nil {
					return deleted, err
				}
				deleted += n
			}
			if cursor == 0 {
				break
			}
		}
	}
	return deleted, nil
}

// BenchResult reports the synthetic enqueue throughput of the extraction
// queue path, used to smoke-test the pipeline's tiering logic without
// spending real LLM calls (a worker/stub consumer must be running
// separately to actually drain and process these jobs).
type BenchResult struct {
	Count      int           `json:"count"`
	Duration   time.Duration `json:"duration"`
	Throughput float64       `json:"throughput_jobs_per_sec"`
}

// Bench enqueues count synthetic extraction jobs at the given rate.
func Bench(ctx context.Context, cfg *config.Config, rdb *redis.Client, count int, rate int) (BenchResult, error) {
	res := BenchResult{Count: count}
	if count <= 0 {
		return res, errors.New("count must be > 0")
	}
	if rate <= 0 {
		rate = 100
	}
	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()
	start := time.Now()
	for i := 0; i < count; i++ {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-ticker.C:
		}
		date := time.Now().AddDate(0, 0, -i).Format("2006-01-02")
		job := queue.NewExtractionJob(date, fmt.Sprintf("journals/bench-%d.md", i), fmt.Sprintf("bench-hash-%d", i), "", "")
		payload, err := job.Marshal()
		if err != nil {
			return res, err
		}
		if err := rdb.LPush(ctx, cfg.Extraction.QueueKey, payload).Err(); err != nil {
			return res, err
		}
	}
	res.Duration = time.Since(start)
	if res.Duration > 0 {
		res.Throughput = float64(count) / res.Duration.Seconds()
	}
	return res, nil
}

// KeysStats summarizes managed Redis keys and queue lengths.
type KeysStats struct {
	QueueLengths    map[string]int64 `json:"queue_lengths"`
	ProcessingLists int64            `json:"processing_lists"`
	ProcessingItems int64            `json:"processing_items"`
	Heartbeats      int64            `json:"heartbeats"`
}

// StatsKeys scans for managed keys and returns counts and lengths.
func StatsKeys(ctx context.Context, cfg *config.Config, rdb *redis.Client) (KeysStats, error) {
	out := KeysStats{QueueLengths: map[string]int64{}}
	stats, err := Stats(ctx, cfg, rdb)
	if err != nil {
		return out, err
	}
	out.QueueLengths = stats.Queues
	out.Heartbeats = stats.Heartbeats
	names := make([]string, 0, len(stats.ProcessingLists))
	for k := range stats.ProcessingLists {
		names = append(names, k)
	}
	sort.Strings(names)
	out.ProcessingLists = int64(len(names))
	for _, k := range names {
		out.ProcessingItems += stats.ProcessingLists[k]
	}
	return out, nil
}
