// Copyright 2025 James Ross
// Package queue defines the job envelopes carried on the extraction and
// aggregation Redis lists, following the teacher's plain JSON-tagged
// job-struct convention.
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Tier identifies which aggregation pass a job belongs to.
type Tier string

const (
	TierWeekly     Tier = "weekly"
	TierMonthly    Tier = "monthly"
	TierQuarterly  Tier = "quarterly"
	TierSynthesis  Tier = "synthesis"
)

// ExtractionJob carries one entry through the extractor worker.
type ExtractionJob struct {
	ID           string `json:"id"`
	EntryDate    string `json:"entry_date"`
	ObjectKey    string `json:"object_key"`
	ContentHash  string `json:"content_hash"`
	Retries      int    `json:"retries"`
	CreationTime string `json:"creation_time"`
	TraceID      string `json:"trace_id"`
	SpanID       string `json:"span_id"`
}

// NewExtractionJob builds an ExtractionJob with a fresh ID and timestamp.
func NewExtractionJob(entryDate, objectKey, contentHash, traceID, spanID string) ExtractionJob {
	return ExtractionJob{
		ID:           uuid.New().String(),
		EntryDate:    entryDate,
		ObjectKey:    objectKey,
		ContentHash:  contentHash,
		CreationTime: time.Now().UTC().Format(time.RFC3339Nano),
		TraceID:      traceID,
		SpanID:       spanID,
	}
}

func (j ExtractionJob) Marshal() (string, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return "", fmt.Errorf("marshal extraction job: %w", err)
	}
	return string(b), nil
}

func UnmarshalExtractionJob(payload string) (ExtractionJob, error) {
	var j ExtractionJob
	if err := json.Unmarshal([]byte(payload), &j); err != nil {
		return ExtractionJob{}, fmt.Errorf("unmarshal extraction job: %w", err)
	}
	return j, nil
}

// AggregationJob carries one range through the aggregator worker.
type AggregationJob struct {
	ID           string `json:"id"`
	Tier         Tier   `json:"tier"`
	RangeID      string `json:"range_id"`
	RangeStart   string `json:"range_start"`
	RangeEnd     string `json:"range_end"`
	Retries      int    `json:"retries"`
	CreationTime string `json:"creation_time"`
	TraceID      string `json:"trace_id"`
	SpanID       string `json:"span_id"`
}

// NewAggregationJob builds an AggregationJob with a fresh ID and timestamp.
func NewAggregationJob(tier Tier, rangeID, rangeStart, rangeEnd, traceID, spanID string) AggregationJob {
	return AggregationJob{
		ID:           uuid.New().String(),
		Tier:         tier,
		RangeID:      rangeID,
		RangeStart:   rangeStart,
		RangeEnd:     rangeEnd,
		CreationTime: time.Now().UTC().Format(time.RFC3339Nano),
		TraceID:      traceID,
		SpanID:       spanID,
	}
}

func (j AggregationJob) Marshal() (string, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return "", fmt.Errorf("marshal aggregation job: %w", err)
	}
	return string(b), nil
}

func UnmarshalAggregationJob(payload string) (AggregationJob, error) {
	var j AggregationJob
	if err := json.Unmarshal([]byte(payload), &j); err != nil {
		return AggregationJob{}, fmt.Errorf("unmarshal aggregation job: %w", err)
	}
	return j, nil
}
