// Copyright 2025 James Ross
// Package manifest loads and validates the entry manifest produced
// upstream of this pipeline (§6 of the design).
package manifest

import (
	"encoding/json"
	"fmt"
	"time"
)

// EntryRef identifies one raw journal entry in the object store.
type EntryRef struct {
	Date         string `json:"date"`
	OriginalPath string `json:"originalPath"`
	R2Key        string `json:"r2Key"`
	WordCount    int    `json:"wordCount"`
	ContentHash  string `json:"contentHash"`
}

// DateRange is the manifest's declared span.
type DateRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Manifest is the JSON object produced alongside the entries bucket.
type Manifest struct {
	GeneratedAt  string     `json:"generatedAt"`
	TotalEntries int        `json:"totalEntries"`
	DateRange    DateRange  `json:"dateRange"`
	Entries      []EntryRef `json:"entries"`
}

// Parse decodes raw manifest bytes.
func Parse(data []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	return m, nil
}

// Validate enforces §6's invariants: ascending date order, unique dates,
// and an entry count consistent with TotalEntries.
func (m Manifest) Validate() error {
	if len(m.Entries) == 0 {
		return fmt.Errorf("manifest has no entries")
	}
	if m.TotalEntries != 0 && m.TotalEntries != len(m.Entries) {
		return fmt.Errorf("manifest totalEntries=%d does not match %d entries", m.TotalEntries, len(m.Entries))
	}
	seen := make(map[string]struct{}, len(m.Entries))
	var prev time.Time
	for i, e := range m.Entries {
		if e.Date == "" {
			return fmt.Errorf("entry %d: empty date", i)
		}
		d, err := time.Parse("2006-01-02", e.Date)
		if err != nil {
			return fmt.Errorf("entry %d: invalid date %q: %w", i, e.Date, err)
		}
		if _, dup := seen[e.Date]; dup {
			return fmt.Errorf("entry %d: duplicate date %q", i, e.Date)
		}
		seen[e.Date] = struct{}{}
		if i > 0 && !d.After(prev) {
			return fmt.Errorf("entry %d: date %q is not strictly after previous entry %q", i, e.Date, prev.Format("2006-01-02"))
		}
		if e.R2Key == "" {
			return fmt.Errorf("entry %d (%s): empty object-store key", i, e.Date)
		}
		if e.ContentHash == "" {
			return fmt.Errorf("entry %d (%s): empty content hash", i, e.Date)
		}
		prev = d
	}
	return nil
}

// Dates returns the entries' dates in ascending order (as parsed
// time.Time values truncated to the day) for downstream window enumeration.
func (m Manifest) Dates() []time.Time {
	out := make([]time.Time, 0, len(m.Entries))
	for _, e := range m.Entries {
		d, err := time.Parse("2006-01-02", e.Date)
		if err != nil {
			continue
		}
		out = append(out, d)
	}
	return out
}
