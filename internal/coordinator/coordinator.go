// Copyright 2025 James Ross

// Package coordinator owns the pipeline's state machine (C7): the single
// durable progression from idle through extraction and the four
// aggregation tiers to complete, driven by push notifications from
// workers rather than by counting completion events.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/AutumnsGrove/YearlyReview/internal/config"
	"github.com/AutumnsGrove/YearlyReview/internal/manifest"
	"github.com/AutumnsGrove/YearlyReview/internal/objectstore"
	"github.com/AutumnsGrove/YearlyReview/internal/persistence"
	"github.com/AutumnsGrove/YearlyReview/internal/pipelineerrors"
	"github.com/AutumnsGrove/YearlyReview/internal/queue"
)

// Phase names the coordinator's top-level state.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseExtracting  Phase = "extracting"
	PhaseAggregating Phase = "aggregating"
	PhaseComplete    Phase = "complete"
)

// State is the JSON body persisted as the singleton pipeline_state row.
type State struct {
	Phase            Phase    `json:"phase"`
	CurrentTier      string   `json:"current_tier,omitempty"`
	TotalEntries     int      `json:"total_entries"`
	ProcessedEntries int      `json:"processed_entries"`
	ExpectedWeeks    []string `json:"expected_weeks,omitempty"`
	ExpectedMonths   []string `json:"expected_months,omitempty"`
	ExpectedQuarters []string `json:"expected_quarters,omitempty"`
	StartedAt        string   `json:"started_at,omitempty"`
	CompletedAt      string   `json:"completed_at,omitempty"`
	Warnings         []string `json:"warnings,omitempty"`
}

// Coordinator owns the pipeline_state singleton and drives tier transitions.
type Coordinator struct {
	cfg      *config.Config
	store    *persistence.Store
	rdb      *redis.Client
	objStore *objectstore.Adapter
	log      *zap.Logger
}

// New builds a Coordinator.
func New(cfg *config.Config, store *persistence.Store, rdb *redis.Client, objStore *objectstore.Adapter, log *zap.Logger) *Coordinator {
	return &Coordinator{cfg: cfg, store: store, rdb: rdb, objStore: objStore, log: log}
}

// Start implements the idle -> extracting transition of §4.7: read and
// validate the manifest, enqueue one extraction job per entry, and
// persist the initial pipeline state.
func (c *Coordinator) Start(ctx context.Context) error {
	current, err := c.load(ctx)
	if err != nil {
		return err
	}
	if current.Phase != "" && current.Phase != PhaseIdle {
		return pipelineerrors.New(pipelineerrors.InvalidTransition, "coordinator.Start",
			fmt.Errorf("cannot start from phase %q; call Reset first", current.Phase))
	}

	raw, err := c.objStore.GetManifest(ctx)
	if err != nil {
		return pipelineerrors.New(pipelineerrors.ManifestInvalid, "coordinator.Start", err)
	}
	m, err := manifest.Parse(raw)
	if err != nil {
		return pipelineerrors.New(pipelineerrors.ManifestInvalid, "coordinator.Start", err)
	}
	if err := m.Validate(); err != nil {
		return pipelineerrors.New(pipelineerrors.ManifestInvalid, "coordinator.Start", err)
	}

	for _, e := range m.Entries {
		job := queue.NewExtractionJob(e.Date, e.R2Key, e.ContentHash, "", "")
		payload, err := job.Marshal()
		if err != nil {
			return fmt.Errorf("marshal extraction job for %s: %w", e.Date, err)
		}
		if err := c.rdb.LPush(ctx, c.cfg.Extraction.QueueKey, payload).Err(); err != nil {
			return fmt.Errorf("enqueue extraction job for %s: %w", e.Date, err)
		}
	}

	state := &State{
		Phase:         PhaseExtracting,
		TotalEntries:  len(m.Entries),
		ExpectedWeeks: enumerateWeeks(m.Dates(), time.Weekday(c.cfg.Aggregation.WeekStartWeekday)),
		StartedAt:     time.Now().UTC().Format(time.RFC3339),
	}
	return c.save(ctx, state)
}

// Status returns the current pipeline state.
func (c *Coordinator) Status(ctx context.Context) (State, error) {
	return c.load(ctx)
}

// Reset transitions to idle from any phase, clearing pipeline state.
// Artifacts already persisted in the tier tables are left untouched.
func (c *Coordinator) Reset(ctx context.Context) error {
	return c.save(ctx, &State{Phase: PhaseIdle})
}

// NotifyJobDone is the push-driven re-evaluation hook: workers call this
// in-process (same binary, "-role all") after every job outcome, or the
// caller relays a pub/sub message here. Either path re-derives tier
// completion from persistence rather than counting events.
func (c *Coordinator) NotifyJobDone(jobType string) {
	ctx := context.Background()
	if err := c.reevaluate(ctx); err != nil {
		c.log.Error("coordinator re-evaluation failed", zap.String("job_type", jobType), zap.Error(err))
	}
}

// PublishJobDone notifies the coordinator via Redis pub/sub, for
// deployments running workers and coordinator as separate processes.
func (c *Coordinator) PublishJobDone(ctx context.Context, jobType string) error {
	return c.rdb.Publish(ctx, c.cfg.Coordinator.PubSubChannel, jobType).Err()
}

// Subscribe listens on the coordinator's pub/sub channel and re-evaluates
// on every message, until ctx is canceled.
func (c *Coordinator) Subscribe(ctx context.Context) {
	sub := c.rdb.Subscribe(ctx, c.cfg.Coordinator.PubSubChannel)
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			c.NotifyJobDone(msg.Payload)
		}
	}
}

func (c *Coordinator) reevaluate(ctx context.Context) error {
	state, err := c.load(ctx)
	if err != nil {
		return err
	}

	switch state.Phase {
	case PhaseExtracting:
		return c.reevaluateExtracting(ctx, state)
	case PhaseAggregating:
		return c.reevaluateAggregating(ctx, state)
	default:
		return nil
	}
}

func (c *Coordinator) reevaluateExtracting(ctx context.Context, state State) error {
	var dates []string
	raw, err := c.objStore.GetManifest(ctx)
	if err != nil {
		return err
	}
	m, err := manifest.Parse(raw)
	if err != nil {
		return err
	}
	for _, e := range m.Entries {
		dates = append(dates, e.Date)
	}

	done, _ := countDone(ctx, c.store, "extraction:", dates)
	state.ProcessedEntries = done
	if done < state.TotalEntries {
		return c.save(ctx, &state)
	}

	weeks := state.ExpectedWeeks
	for _, week := range weeks {
		if err := c.enqueueAggregation(ctx, queue.TierWeekly, week, week, addDays(week, 6)); err != nil {
			return err
		}
	}

	next := State{
		Phase:         PhaseAggregating,
		CurrentTier:   string(queue.TierWeekly),
		TotalEntries:  state.TotalEntries,
		ExpectedWeeks: weeks,
		StartedAt:     state.StartedAt,
	}
	return c.save(ctx, &next)
}

func (c *Coordinator) reevaluateAggregating(ctx context.Context, state State) error {
	switch queue.Tier(state.CurrentTier) {
	case queue.TierWeekly:
		return c.advanceTier(ctx, state, state.ExpectedWeeks, "weekly:", func(next *State) error {
			months := enumerateMonths(state.ExpectedWeeks)
			next.ExpectedMonths = months
			next.CurrentTier = string(queue.TierMonthly)
			for _, month := range months {
				if err := c.enqueueAggregation(ctx, queue.TierMonthly, month, month, nextMonth(month)); err != nil {
					return err
				}
			}
			return nil
		})
	case queue.TierMonthly:
		return c.advanceTier(ctx, state, state.ExpectedMonths, "monthly:", func(next *State) error {
			quarters := enumerateQuarters(state.ExpectedMonths)
			next.ExpectedQuarters = quarters
			next.CurrentTier = string(queue.TierQuarterly)
			for _, quarter := range quarters {
				if err := c.enqueueAggregation(ctx, queue.TierQuarterly, quarter, "", ""); err != nil {
					return err
				}
			}
			return nil
		})
	case queue.TierQuarterly:
		return c.advanceTier(ctx, state, state.ExpectedQuarters, "quarterly:", func(next *State) error {
			next.CurrentTier = string(queue.TierSynthesis)
			return c.enqueueAggregation(ctx, queue.TierSynthesis, "main", "", "")
		})
	case queue.TierSynthesis:
		done, warnings := countDone(ctx, c.store, "synthesis:", []string{"main"})
		if done < 1 {
			return nil
		}
		state.CompletedAt = time.Now().UTC().Format(time.RFC3339)
		state.Phase = PhaseComplete
		state.Warnings = append(state.Warnings, warnings...)
		return c.save(ctx, &state)
	default:
		return fmt.Errorf("unknown current tier %q", state.CurrentTier)
	}
}

// advanceTier checks whether every expected range-id of the current tier
// is succeeded or dead-lettered and, if so, applies onComplete to build
// and persist the next state (which enqueues the following tier's jobs).
func (c *Coordinator) advanceTier(ctx context.Context, state State, expected []string, prefix string, onComplete func(*State) error) error {
	done, warnings := countDone(ctx, c.store, prefix, expected)
	if done < len(expected) {
		return c.save(ctx, &state)
	}

	next := state
	next.Warnings = append(next.Warnings, warnings...)
	if err := onComplete(&next); err != nil {
		return err
	}
	return c.save(ctx, &next)
}

func (c *Coordinator) enqueueAggregation(ctx context.Context, tier queue.Tier, rangeID, rangeStart, rangeEnd string) error {
	job := queue.NewAggregationJob(tier, rangeID, rangeStart, rangeEnd, "", "")
	payload, err := job.Marshal()
	if err != nil {
		return fmt.Errorf("marshal aggregation job %s/%s: %w", tier, rangeID, err)
	}
	key := fmt.Sprintf(c.cfg.Aggregation.QueueKeyPattern, tier)
	if err := c.rdb.LPush(ctx, key, payload).Err(); err != nil {
		return fmt.Errorf("enqueue aggregation job %s/%s: %w", tier, rangeID, err)
	}
	return nil
}

// countDone returns how many of the given natural keys have a job_status
// row (prefixed per the jobStatusID convention) in a terminal state, and
// collects a warning for each one that is dead-lettered.
func countDone(ctx context.Context, store *persistence.Store, prefix string, keys []string) (int, []string) {
	done := 0
	var warnings []string
	for _, key := range keys {
		job, ok, err := store.GetJobStatus(ctx, prefix+key)
		if err != nil || !ok {
			continue
		}
		switch job.Status {
		case "succeeded":
			done++
		case "dead_lettered":
			done++
			warnings = append(warnings, fmt.Sprintf("%s%s dead-lettered", prefix, key))
		}
	}
	return done, warnings
}

func (c *Coordinator) load(ctx context.Context) (State, error) {
	raw, err := c.store.GetPipelineState(ctx)
	if err != nil {
		return State{}, err
	}
	if raw == "" {
		return State{Phase: PhaseIdle}, nil
	}
	var s State
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return State{}, pipelineerrors.New(pipelineerrors.InvalidTransition, "coordinator.load", err)
	}
	return s, nil
}

func (c *Coordinator) save(ctx context.Context, s *State) error {
	body, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return c.store.PutPipelineState(ctx, string(body))
}

// enumerateWeeks returns the sorted, de-duplicated set of week-start
// dates (in "2006-01-02" form) covering every date in dates, aligned to
// startWeekday.
func enumerateWeeks(dates []time.Time, startWeekday time.Weekday) []string {
	seen := make(map[string]struct{})
	for _, d := range dates {
		ws := alignToWeekStart(d, startWeekday)
		seen[ws.Format("2006-01-02")] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func alignToWeekStart(d time.Time, startWeekday time.Weekday) time.Time {
	delta := int(d.Weekday()) - int(startWeekday)
	if delta < 0 {
		delta += 7
	}
	return d.AddDate(0, 0, -delta)
}

// enumerateMonths maps each week-start to "week-start's month" per the
// spec's own resolution of the ambiguous week/month boundary case, and
// returns the sorted, de-duplicated set of "YYYY-MM" strings.
func enumerateMonths(weekStarts []string) []string {
	seen := make(map[string]struct{})
	for _, ws := range weekStarts {
		t, err := time.Parse("2006-01-02", ws)
		if err != nil {
			continue
		}
		seen[t.Format("2006-01")] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// enumerateQuarters returns the sorted, de-duplicated set of "YYYY-QN"
// strings covering the given months.
func enumerateQuarters(months []string) []string {
	seen := make(map[string]struct{})
	for _, m := range months {
		seen[quarterOf(m)] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func quarterOf(month string) string {
	var year, m int
	if _, err := fmt.Sscanf(month, "%d-%d", &year, &m); err != nil {
		return month
	}
	q := (m-1)/3 + 1
	return fmt.Sprintf("%04d-Q%d", year, q)
}

func addDays(date string, days int) string {
	t, err := time.Parse("2006-01-02", date)
	if err != nil {
		return date
	}
	return t.AddDate(0, 0, days).Format("2006-01-02")
}

func nextMonth(month string) string {
	t, err := time.Parse("2006-01", month)
	if err != nil {
		return month
	}
	return t.AddDate(0, 1, 0).Format("2006-01")
}
