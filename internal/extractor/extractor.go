// Copyright 2025 James Ross

// Package extractor runs the pool of workers that consume extraction jobs
// (C5): one journal entry in, one persisted Extraction record out. The
// consume loop (BRPOPLPUSH, heartbeat, processing list, backoff-then-
// dead-letter) follows the teacher's worker pool shape exactly; only the
// per-job work differs.
package extractor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
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
	"github.com/AutumnsGrove/YearlyReview/internal/objectstore"
	"github.com/AutumnsGrove/YearlyReview/internal/persistence"
	"github.com/AutumnsGrove/YearlyReview/internal/pipelineerrors"
	"github.com/AutumnsGrove/YearlyReview/internal/promptlib"
	"github.com/AutumnsGrove/YearlyReview/internal/queue"
)

// Notifier is the coordinator's nudge hook: workers call it after every
// job outcome so the coordinator can re-evaluate tier completion without
// the extractor ever counting completions itself.
type Notifier interface {
	NotifyJobDone(jobType string)
}

// Worker is the extraction worker pool.
type Worker struct {
	cfg      *config.Config
	rdb      *redis.Client
	log      *zap.Logger
	cb       *breaker.CircuitBreaker
	cache    *contentcache.Cache
	store    *persistence.Store
	objStore *objectstore.Adapter
	gateway  *llmgateway.Gateway
	notifier Notifier
	baseID   string
}

// New builds an extraction worker pool.
func New(cfg *config.Config, rdb *redis.Client, log *zap.Logger, cache *contentcache.Cache, store *persistence.Store, objStore *objectstore.Adapter, gateway *llmgateway.Gateway, notifier Notifier) *Worker {
	cb := breaker.New(cfg.CircuitBreaker.Window, cfg.CircuitBreaker.CooldownPeriod, cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.MinSamples)
	host, _ := os.Hostname()
	base := fmt.Sprintf("%s-%d-%d", host, os.Getpid(), time.Now().UnixNano())
	return &Worker{cfg: cfg, rdb: rdb, log: log, cb: cb, cache: cache, store: store, objStore: objStore, gateway: gateway, notifier: notifier, baseID: base}
}

// Run starts cfg.Extraction.Count consumer goroutines and blocks until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Extraction.Count; i++ {
		wg.Add(1)
		id := fmt.Sprintf("%s-%d", w.baseID, i)
		go func(workerID string) {
			defer wg.Done()
			obs.WorkerActive.WithLabelValues("extractor").Inc()
			defer obs.WorkerActive.WithLabelValues("extractor").Dec()
			w.runOne(ctx, workerID)
		}(id)
	}
	wg.Wait()
	return nil
}

func (w *Worker) runOne(ctx context.Context, workerID string) {
	procList := fmt.Sprintf(w.cfg.Extraction.ProcessingListPattern, workerID)
	hbKey := fmt.Sprintf(w.cfg.Extraction.HeartbeatKeyPattern, workerID)

	for ctx.Err() == nil {
		if !w.cb.Allow() {
			time.Sleep(w.cfg.Extraction.BreakerPause)
			continue
		}

		payload, err := w.rdb.BRPopLPush(ctx, w.cfg.Extraction.QueueKey, procList, w.cfg.Extraction.BRPopLPushTimeout).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Warn("extractor BRPOPLPUSH error", obs.Err(err))
			time.Sleep(50 * time.Millisecond)
			continue
		}

		obs.ExtractionsConsumed.Inc()
		_ = w.rdb.Set(ctx, hbKey, payload, w.cfg.Extraction.HeartbeatTTL).Err()

		ok := w.processJob(ctx, workerID, procList, hbKey, payload)

		prev := w.cb.State()
		w.cb.Record(ok)
		if curr := w.cb.State(); prev != curr && curr == breaker.Open {
			obs.CircuitBreakerTrips.Inc()
		}
	}
}

func (w *Worker) processJob(ctx context.Context, workerID, procList, hbKey, payload string) bool {
	job, err := queue.UnmarshalExtractionJob(payload)
	if err != nil {
		w.log.Error("invalid extraction job payload", obs.Err(err))
		_ = w.rdb.LRem(ctx, procList, 1, payload).Err()
		_ = w.rdb.Del(ctx, hbKey).Err()
		return false
	}

	ctx, span := obs.ContextWithExtractionJobSpan(ctx, job.ID, job.EntryDate, job.ContentHash, job.TraceID, job.SpanID, job.Retries)
	defer span.End()

	start := time.Now()
	extractErr := w.extract(ctx, job)
	obs.AddSpanAttributes(ctx, obs.KeyValue("processing.duration_ms", time.Since(start).Milliseconds()))

	if extractErr == nil {
		obs.SetSpanSuccess(ctx)
		obs.ExtractionsCompleted.Inc()
		_ = w.rdb.LRem(ctx, procList, 1, payload).Err()
		_ = w.rdb.Del(ctx, hbKey).Err()
		w.notify("extraction")
		return true
	}

	obs.RecordError(ctx, extractErr)
	kind, _ := pipelineerrors.KindOf(extractErr)

	if !pipelineerrors.Retryable(kind) || job.Retries >= w.cfg.Extraction.MaxRetries {
		w.deadLetter(ctx, workerID, procList, hbKey, payload, job, extractErr)
		return false
	}

	job.Retries++
	bo := backoff(job.Retries, w.cfg.Extraction.Backoff.Base, w.cfg.Extraction.Backoff.Max)
	select {
	case <-ctx.Done():
	case <-time.After(bo):
	}

	obs.ExtractionsRetried.Inc()
	payload2, _ := job.Marshal()
	_ = w.rdb.LPush(ctx, w.cfg.Extraction.QueueKey, payload2).Err()
	_ = w.rdb.LRem(ctx, procList, 1, payload).Err()
	_ = w.rdb.Del(ctx, hbKey).Err()
	w.log.Warn("extraction retried", obs.String("id", job.ID), obs.Int("retries", job.Retries), obs.Err(extractErr))
	return false
}

func (w *Worker) deadLetter(ctx context.Context, workerID, procList, hbKey, payload string, job queue.ExtractionJob, cause error) {
	_ = w.rdb.LPush(ctx, w.cfg.Extraction.DeadLetterList, payload).Err()
	_ = w.rdb.LRem(ctx, procList, 1, payload).Err()
	_ = w.rdb.Del(ctx, hbKey).Err()
	_ = w.store.UpsertJobStatus(ctx, persistence.JobStatus{ID: jobStatusID(job.EntryDate), JobType: "extraction", Status: "dead_lettered", BodyJSON: "{}"})
	obs.ExtractionsDeadLetter.Inc()
	w.log.Error("extraction dead-lettered", obs.String("id", job.ID), obs.String("entry_date", job.EntryDate), obs.Err(cause))
	w.notify("extraction")
}

func (w *Worker) notify(jobType string) {
	if w.notifier != nil {
		w.notifier.NotifyJobDone(jobType)
	}
}

// extract implements §4.5's six-step algorithm: cache check, persistence
// check, object-store read + content-hash verification, LLM call, parse
// and validate, persist and ack.
func (w *Worker) extract(ctx context.Context, job queue.ExtractionJob) error {
	cacheKey := w.cache.ExtractionKey(job.EntryDate, job.ContentHash)

	if body, hit, err := w.cache.Get(ctx, cacheKey); err == nil && hit {
		if _, verr := artifacts.ParseExtraction(body); verr == nil {
			if err := w.store.StoreExtraction(ctx, job.EntryDate, body); err != nil {
				return pipelineerrors.New(pipelineerrors.TransientNetwork, "extractor.extract", err)
			}
			return w.markSucceeded(ctx, job, body)
		}
	}

	if body, err := w.store.GetExtraction(ctx, job.EntryDate); err == nil && body != "" {
		if _, verr := artifacts.ParseExtraction(body); verr == nil {
			_ = w.cache.Put(ctx, cacheKey, body, 0)
			return w.markSucceeded(ctx, job, body)
		}
	}

	raw, err := w.objStore.GetEntry(ctx, job.ObjectKey)
	if err != nil {
		return pipelineerrors.New(pipelineerrors.TransientNetwork, "extractor.extract", err)
	}

	actualHash := sha256Hex(raw)
	if actualHash != job.ContentHash {
		return pipelineerrors.New(pipelineerrors.ContentDrift, "extractor.extract",
			fmt.Errorf("entry %s: manifest hash %s does not match object-store content hash %s", job.EntryDate, job.ContentHash, actualHash))
	}

	messages := []llmgateway.Message{
		{Role: "system", Content: promptlib.ExtractionSystemPrompt()},
		{Role: "user", Content: promptlib.ExtractionUserPrompt(job.EntryDate, string(raw))},
	}
	opts := llmgateway.CallOptions{Temperature: w.cfg.LLM.Temperature, JSONMode: w.cfg.LLM.JSONMode}

	text, err := w.gateway.Call(ctx, messages, opts)
	if err != nil {
		return err
	}

	extraction, verr := artifacts.ParseExtraction(text)
	if verr != nil {
		// one identical retry, per §7's SchemaValidation row
		text, err = w.gateway.Call(ctx, messages, opts)
		if err != nil {
			return err
		}
		extraction, verr = artifacts.ParseExtraction(text)
		if verr != nil {
			return verr
		}
	}

	bodyJSON, err := json.Marshal(extraction)
	if err != nil {
		return pipelineerrors.New(pipelineerrors.SchemaValidation, "extractor.extract", err)
	}

	if err := w.store.StoreExtraction(ctx, job.EntryDate, string(bodyJSON)); err != nil {
		return pipelineerrors.New(pipelineerrors.TransientNetwork, "extractor.extract", err)
	}
	_ = w.cache.Put(ctx, cacheKey, string(bodyJSON), 0)
	return w.markSucceeded(ctx, job, string(bodyJSON))
}

func (w *Worker) markSucceeded(ctx context.Context, job queue.ExtractionJob, bodyJSON string) error {
	if err := w.store.UpsertJobStatus(ctx, persistence.JobStatus{ID: jobStatusID(job.EntryDate), JobType: "extraction", Status: "succeeded", BodyJSON: bodyJSON}); err != nil {
		return pipelineerrors.New(pipelineerrors.TransientNetwork, "extractor.markSucceeded", err)
	}
	return nil
}

// jobStatusID keys job_status rows by the extraction's natural key
// (entry date) rather than the job envelope's uuid, so the coordinator
// can look up "is this date done" directly instead of tracking job ids.
func jobStatusID(entryDate string) string {
	return fmt.Sprintf("extraction:%s", entryDate)
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func backoff(retries int, base, max time.Duration) time.Duration {
	d := time.Duration(1<<uint(retries-1)) * base
	if d > max || d < 0 {
		return max
	}
	return d
}
