// Copyright 2025 James Ross

// Package aggregator runs the pool of workers that consume aggregation
// jobs (C6): one worker body, polymorphic over the four tiers
// (weekly/monthly/quarterly/synthesis), producing one artifact per job
// per §4.6. The consume loop mirrors the extractor's, which itself
// mirrors the teacher's worker pool shape.
package aggregator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/AutumnsGrove/YearlyReview/internal/artifacts"
	"github.com/AutumnsGrove/YearlyReview/internal/breaker"
	"github.com/AutumnsGrove/YearlyReview/internal/config"
	"github.com/AutumnsGrove/YearlyReview/internal/contentcache"
	"github.com/AutumnsGrove/YearlyReview/internal/llmgateway"
	"github.com/AutumnsGrove/YearlyReview/internal/obs"
	"github.com/AutumnsGrove/YearlyReview/internal/persistence"
	"github.com/AutumnsGrove/YearlyReview/internal/pipelineerrors"
	"github.com/AutumnsGrove/YearlyReview/internal/promptlib"
	"github.com/AutumnsGrove/YearlyReview/internal/queue"
)

// Notifier is the coordinator's nudge hook, same contract as the extractor's.
type Notifier interface {
	NotifyJobDone(jobType string)
}

// Worker is the aggregation worker pool, one instance per tier.
type Worker struct {
	tier     queue.Tier
	cfg      *config.Config
	rdb      *redis.Client
	log      *zap.Logger
	cb       *breaker.CircuitBreaker
	cache    *contentcache.Cache
	store    *persistence.Store
	gateway  *llmgateway.Gateway
	notifier Notifier
	baseID   string
}

// New builds an aggregation worker pool for one tier.
func New(tier queue.Tier, cfg *config.Config, rdb *redis.Client, log *zap.Logger, cache *contentcache.Cache, store *persistence.Store, gateway *llmgateway.Gateway, notifier Notifier) *Worker {
	cb := breaker.New(cfg.CircuitBreaker.Window, cfg.CircuitBreaker.CooldownPeriod, cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.MinSamples)
	host, _ := os.Hostname()
	base := fmt.Sprintf("%s-%d-%d-%s", host, os.Getpid(), time.Now().UnixNano(), tier)
	return &Worker{tier: tier, cfg: cfg, rdb: rdb, log: log, cb: cb, cache: cache, store: store, gateway: gateway, notifier: notifier, baseID: base}
}

// Run starts cfg.Aggregation.CountPerTier consumer goroutines for this tier and
// blocks until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Aggregation.CountPerTier; i++ {
		wg.Add(1)
		id := fmt.Sprintf("%s-%d", w.baseID, i)
		go func(workerID string) {
			defer wg.Done()
			obs.WorkerActive.WithLabelValues("aggregator:" + string(w.tier)).Inc()
			defer obs.WorkerActive.WithLabelValues("aggregator:" + string(w.tier)).Dec()
			w.runOne(ctx, workerID)
		}(id)
	}
	wg.Wait()
	return nil
}

func (w *Worker) queueKey() string   { return fmt.Sprintf(w.cfg.Aggregation.QueueKeyPattern, w.tier) }
func (w *Worker) deadLetterKey() string {
	return fmt.Sprintf(w.cfg.Aggregation.DeadLetterListPattern, w.tier)
}

func (w *Worker) runOne(ctx context.Context, workerID string) {
	procList := fmt.Sprintf(w.cfg.Aggregation.ProcessingListPattern, w.tier, workerID)
	hbKey := fmt.Sprintf(w.cfg.Aggregation.HeartbeatKeyPattern, w.tier, workerID)
	srcQueue := w.queueKey()

	for ctx.Err() == nil {
		if !w.cb.Allow() {
			time.Sleep(w.cfg.Aggregation.BreakerPause)
			continue
		}

		payload, err := w.rdb.BRPopLPush(ctx, srcQueue, procList, w.cfg.Aggregation.BRPopLPushTimeout).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Warn("aggregator BRPOPLPUSH error", obs.String("tier", string(w.tier)), obs.Err(err))
			time.Sleep(50 * time.Millisecond)
			continue
		}

		obs.AggregationsDispatched.WithLabelValues(string(w.tier)).Inc()
		_ = w.rdb.Set(ctx, hbKey, payload, w.cfg.Aggregation.HeartbeatTTL).Err()

		ok := w.processJob(ctx, procList, hbKey, srcQueue, payload)

		prev := w.cb.State()
		w.cb.Record(ok)
		if curr := w.cb.State(); prev != curr && curr == breaker.Open {
			obs.CircuitBreakerTrips.Inc()
		}
	}
}

func (w *Worker) processJob(ctx context.Context, procList, hbKey, srcQueue, payload string) bool {
	job, err := queue.UnmarshalAggregationJob(payload)
	if err != nil {
		w.log.Error("invalid aggregation job payload", obs.Err(err))
		_ = w.rdb.LRem(ctx, procList, 1, payload).Err()
		_ = w.rdb.Del(ctx, hbKey).Err()
		return false
	}

	ctx, span := obs.ContextWithAggregationJobSpan(ctx, job.ID, string(job.Tier), job.RangeID, job.TraceID, job.SpanID, job.Retries)
	defer span.End()

	start := time.Now()
	aggErr := w.aggregate(ctx, job)
	obs.AddSpanAttributes(ctx, obs.KeyValue("processing.duration_ms", time.Since(start).Milliseconds()))

	if aggErr == nil {
		obs.SetSpanSuccess(ctx)
		obs.AggregationsCompleted.WithLabelValues(string(w.tier)).Inc()
		_ = w.rdb.LRem(ctx, procList, 1, payload).Err()
		_ = w.rdb.Del(ctx, hbKey).Err()
		w.notify(string(w.tier))
		return true
	}

	obs.RecordError(ctx, aggErr)
	kind, _ := pipelineerrors.KindOf(aggErr)

	if !pipelineerrors.Retryable(kind) || job.Retries >= w.cfg.Aggregation.MaxRetries {
		w.deadLetter(ctx, procList, hbKey, payload, job, aggErr)
		return false
	}

	job.Retries++
	bo := backoff(job.Retries, w.cfg.Aggregation.Backoff.Base, w.cfg.Aggregation.Backoff.Max)
	select {
	case <-ctx.Done():
	case <-time.After(bo):
	}

	payload2, _ := job.Marshal()
	_ = w.rdb.LPush(ctx, srcQueue, payload2).Err()
	_ = w.rdb.LRem(ctx, procList, 1, payload).Err()
	_ = w.rdb.Del(ctx, hbKey).Err()
	w.log.Warn("aggregation retried", obs.String("tier", string(w.tier)), obs.String("range_id", job.RangeID), obs.Int("retries", job.Retries), obs.Err(aggErr))
	return false
}

func (w *Worker) deadLetter(ctx context.Context, procList, hbKey, payload string, job queue.AggregationJob, cause error) {
	_ = w.rdb.LPush(ctx, w.deadLetterKey(), payload).Err()
	_ = w.rdb.LRem(ctx, procList, 1, payload).Err()
	_ = w.rdb.Del(ctx, hbKey).Err()
	_ = w.store.UpsertJobStatus(ctx, persistence.JobStatus{ID: jobStatusID(job.Tier, job.RangeID), JobType: string(job.Tier), Status: "dead_lettered", BodyJSON: "{}"})
	obs.AggregationsDeadLetter.WithLabelValues(string(w.tier)).Inc()
	w.log.Error("aggregation dead-lettered", obs.String("tier", string(w.tier)), obs.String("range_id", job.RangeID), obs.Err(cause))
	w.notify(string(w.tier))
}

func (w *Worker) notify(jobType string) {
	if w.notifier != nil {
		w.notifier.NotifyJobDone(jobType)
	}
}

// aggregate implements §4.6's five-step algorithm for one job: load the
// canonical input set, compute the input-hash, check cache/persistence,
// call the LLM, validate, and persist.
func (w *Worker) aggregate(ctx context.Context, job queue.AggregationJob) error {
	members, err := w.loadInputs(ctx, job)
	if err != nil {
		return pipelineerrors.New(pipelineerrors.TransientNetwork, "aggregator.aggregate", err)
	}

	// A date range with zero inputs produces no artifact; the job still
	// succeeds rather than failing, since there is nothing to summarize.
	if len(members) == 0 {
		depErr := pipelineerrors.New(pipelineerrors.DependencyMissing, "aggregator.aggregate", fmt.Errorf("range %s/%s has no inputs", job.Tier, job.RangeID))
		w.log.Warn("aggregation range has no inputs, skipping LLM call", obs.String("tier", string(job.Tier)), obs.String("range_id", job.RangeID), obs.Err(depErr))
		return w.markSucceeded(ctx, job, "{}")
	}

	inputHash := computeInputHash(members, promptlib.PromptVersion)
	cacheKey := w.cache.AggregationKey(string(job.Tier), job.RangeID, inputHash)

	if body, hit, err := w.cache.Get(ctx, cacheKey); err == nil && hit {
		if ok := w.revalidate(job.Tier, body); ok {
			if err := w.persist(ctx, job.Tier, job.RangeID, body); err != nil {
				return pipelineerrors.New(pipelineerrors.TransientNetwork, "aggregator.aggregate", err)
			}
			return w.markSucceeded(ctx, job, body)
		}
	}

	if existing, err := w.getPersisted(ctx, job.Tier, job.RangeID); err == nil && existing != "" && w.revalidate(job.Tier, existing) {
		_ = w.cache.Put(ctx, cacheKey, existing, 0)
		return w.markSucceeded(ctx, job, existing)
	}

	bodies := make([]string, len(members))
	for i, m := range members {
		bodies[i] = m.Body
	}

	messages := []llmgateway.Message{
		{Role: "system", Content: w.systemPrompt()},
		{Role: "user", Content: w.userPrompt(job, bodies)},
	}
	opts := llmgateway.CallOptions{Temperature: w.cfg.LLM.Temperature, JSONMode: w.cfg.LLM.JSONMode}

	text, err := w.gateway.Call(ctx, messages, opts)
	if err != nil {
		return err
	}

	normalized, verr := w.validateAndNormalize(job.Tier, text)
	if verr != nil {
		text, err = w.gateway.Call(ctx, messages, opts)
		if err != nil {
			return err
		}
		normalized, verr = w.validateAndNormalize(job.Tier, text)
		if verr != nil {
			return verr
		}
	}

	if err := w.persist(ctx, job.Tier, job.RangeID, normalized); err != nil {
		return pipelineerrors.New(pipelineerrors.TransientNetwork, "aggregator.aggregate", err)
	}
	_ = w.cache.Put(ctx, cacheKey, normalized, 0)
	return w.markSucceeded(ctx, job, normalized)
}

func (w *Worker) loadInputs(ctx context.Context, job queue.AggregationJob) ([]persistence.RangeMember, error) {
	switch job.Tier {
	case queue.TierWeekly:
		weekEnd := addDays(job.RangeStart, 6)
		return w.store.GetExtractionsInRangeKeyed(ctx, job.RangeStart, weekEnd)
	case queue.TierMonthly:
		return w.store.GetWeeklySummariesForMonthKeyed(ctx, job.RangeStart, job.RangeEnd)
	case queue.TierQuarterly:
		return w.store.GetMonthlySummariesForQuarterKeyed(ctx, monthsOfQuarter(job.RangeID))
	case queue.TierSynthesis:
		return w.store.GetAllQuarterlyNotepadsKeyed(ctx)
	default:
		return nil, fmt.Errorf("unknown tier %q", job.Tier)
	}
}

func (w *Worker) getPersisted(ctx context.Context, tier queue.Tier, rangeID string) (string, error) {
	switch tier {
	case queue.TierWeekly:
		return w.store.GetWeeklySummary(ctx, rangeID)
	case queue.TierMonthly:
		return w.store.GetMonthlySummary(ctx, rangeID)
	case queue.TierQuarterly:
		return w.store.GetQuarterlyNotepad(ctx, rangeID)
	case queue.TierSynthesis:
		return w.store.GetSynthesis(ctx)
	default:
		return "", fmt.Errorf("unknown tier %q", tier)
	}
}

func (w *Worker) revalidate(tier queue.Tier, body string) bool {
	_, err := w.validateAndNormalize(tier, body)
	return err == nil
}

func (w *Worker) validateAndNormalize(tier queue.Tier, text string) (string, error) {
	switch tier {
	case queue.TierWeekly:
		v, err := artifacts.ParseWeeklySummary(text)
		if err != nil {
			return "", err
		}
		return marshalOrSchemaErr(v)
	case queue.TierMonthly:
		v, err := artifacts.ParseMonthlySummary(text)
		if err != nil {
			return "", err
		}
		return marshalOrSchemaErr(v)
	case queue.TierQuarterly:
		v, err := artifacts.ParseQuarterlyNotepad(text)
		if err != nil {
			return "", err
		}
		return marshalOrSchemaErr(v)
	case queue.TierSynthesis:
		v, err := artifacts.ParseSynthesis(text)
		if err != nil {
			return "", err
		}
		return marshalOrSchemaErr(v)
	default:
		return "", fmt.Errorf("unknown tier %q", tier)
	}
}

func marshalOrSchemaErr(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", pipelineerrors.New(pipelineerrors.SchemaValidation, "aggregator.marshal", err)
	}
	return string(b), nil
}

func (w *Worker) persist(ctx context.Context, tier queue.Tier, rangeID, body string) error {
	switch tier {
	case queue.TierWeekly:
		return w.store.StoreWeeklySummary(ctx, rangeID, body)
	case queue.TierMonthly:
		return w.store.StoreMonthlySummary(ctx, rangeID, body)
	case queue.TierQuarterly:
		return w.store.StoreQuarterlyNotepad(ctx, rangeID, body)
	case queue.TierSynthesis:
		return w.store.StoreSynthesis(ctx, body)
	default:
		return fmt.Errorf("unknown tier %q", tier)
	}
}

func (w *Worker) systemPrompt() string {
	switch w.tier {
	case queue.TierWeekly:
		return promptlib.WeeklySystemPrompt()
	case queue.TierMonthly:
		return promptlib.MonthlySystemPrompt()
	case queue.TierQuarterly:
		return promptlib.QuarterlySystemPrompt()
	case queue.TierSynthesis:
		return promptlib.SynthesisSystemPrompt()
	default:
		return ""
	}
}

func (w *Worker) userPrompt(job queue.AggregationJob, bodies []string) string {
	joined := joinJSONArray(bodies)
	switch w.tier {
	case queue.TierWeekly:
		return promptlib.WeeklyUserPrompt(job.RangeStart, job.RangeEnd, joined)
	case queue.TierMonthly:
		return promptlib.MonthlyUserPrompt(job.RangeID, joined)
	case queue.TierQuarterly:
		return promptlib.QuarterlyUserPrompt(job.RangeID, joined)
	case queue.TierSynthesis:
		return promptlib.SynthesisUserPrompt(joined)
	default:
		return ""
	}
}

func (w *Worker) markSucceeded(ctx context.Context, job queue.AggregationJob, bodyJSON string) error {
	if err := w.store.UpsertJobStatus(ctx, persistence.JobStatus{ID: jobStatusID(job.Tier, job.RangeID), JobType: string(job.Tier), Status: "succeeded", BodyJSON: bodyJSON}); err != nil {
		return pipelineerrors.New(pipelineerrors.TransientNetwork, "aggregator.markSucceeded", err)
	}
	return nil
}

// computeInputHash hashes the ordered concatenation of each input's
// natural key and its body's own hash, plus the prompt-version tag, so
// that a prompt change or an input change both invalidate the cache.
func computeInputHash(members []persistence.RangeMember, promptVersion string) string {
	sorted := make([]persistence.RangeMember, len(members))
	copy(sorted, members)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	h := sha256.New()
	for _, m := range sorted {
		bodyHash := sha256.Sum256([]byte(m.Body))
		fmt.Fprintf(h, "%s:%s;", m.Key, hex.EncodeToString(bodyHash[:]))
	}
	fmt.Fprintf(h, "prompt:%s", promptVersion)
	return hex.EncodeToString(h.Sum(nil))
}

func joinJSONArray(bodies []string) string {
	return "[" + joinComma(bodies) + "]"
}

func joinComma(items []string) string {
	out := ""
	for i, s := range items {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}

func addDays(date string, days int) string {
	t, err := time.Parse("2006-01-02", date)
	if err != nil {
		return date
	}
	return t.AddDate(0, 0, days).Format("2006-01-02")
}

// monthsOfQuarter returns the three "YYYY-MM" months in a "YYYY-QN" quarter.
func monthsOfQuarter(quarter string) []string {
	var year int
	var q int
	if _, err := fmt.Sscanf(quarter, "%d-Q%d", &year, &q); err != nil {
		return nil
	}
	first := (q-1)*3 + 1
	months := make([]string, 3)
	for i := 0; i < 3; i++ {
		months[i] = fmt.Sprintf("%04d-%02d", year, first+i)
	}
	return months
}

// jobStatusID keys job_status rows by the aggregation's natural key
// (tier + range-id) rather than the job envelope's uuid, so the
// coordinator can look up "is this range done" directly.
func jobStatusID(tier queue.Tier, rangeID string) string {
	return fmt.Sprintf("%s:%s", tier, rangeID)
}

func backoff(retries int, base, max time.Duration) time.Duration {
	d := time.Duration(1<<uint(retries-1)) * base
	if d > max || d < 0 {
		return max
	}
	return d
}
