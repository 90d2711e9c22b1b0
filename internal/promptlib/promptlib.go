// Copyright 2025 James Ross

// Package promptlib builds the system and user prompts for every pipeline
// tier. Every function here is pure: no I/O, no package-level mutable
// state, no clock reads. Changing PromptVersion changes the input-hash of
// every aggregation cache key, so a prompt edit is a deliberate, versioned
// act for the aggregation tiers. Extraction cache keys are built from the
// entry date and content hash only and do not change with PromptVersion.
package promptlib

import (
	"fmt"
	"strings"
)

// PromptVersion tags every prompt produced by this package. It is folded
// into aggregation input hashes so that a wording or schema change
// invalidates stale aggregation cache entries instead of silently reusing
// them. It is not part of the extraction cache key, so cached extractions
// are reused across a PromptVersion change.
const PromptVersion = "v1"

// ExtractionSystemPrompt is the fixed system prompt for the per-entry
// extraction call.
func ExtractionSystemPrompt() string {
	return `You are a careful, conservative personal-journal analyst. You read one dated journal entry at a time and extract a single structured record from it. You never invent facts that are not supported by the text. You never moralize or add commentary outside the requested fields.

Score conservatively: a mood_score or energy_level of 1 or 10 requires unambiguous textual evidence of an extreme; when in doubt, prefer the middle of the range. Leave a field null when the entry does not address it - do not guess.

Respond with a single JSON object and nothing else. No markdown code fences, no leading or trailing prose.`
}

// ExtractionUserPrompt builds the user-turn prompt for one journal entry.
func ExtractionUserPrompt(date, content string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Entry date: %s\n\n", date)
	b.WriteString("Entry text:\n")
	b.WriteString("---\n")
	b.WriteString(content)
	b.WriteString("\n---\n\n")
	b.WriteString(`Extract a JSON object with exactly these fields:

{
  "mood_score": integer 1-10,
  "energy_level": integer 1-10,
  "sleep_mentioned": boolean,
  "sleep_quality": integer 1-10 or null (only if sleep_mentioned is true),
  "medication_mentioned": boolean,
  "hormone_therapy_mentioned": boolean,
  "people_mentioned": [
    { "name": string, "relationship": string, "sentiment": string, "interaction_mode": string }
  ],
  "activities": [string],
  "events": [string],
  "dominant_themes": [string],            // at most 5 entries
  "identity_markers": [string],
  "key_quotes": [string],                 // at most 3 entries, verbatim from the entry
  "summary": string                       // 2-3 sentences
}

CRITICAL RULES:
- dominant_themes MUST have at most 5 entries.
- key_quotes MUST have at most 3 entries and each MUST be copied verbatim from the entry text.
- Every numeric field MUST be an integer in 1-10, or null where the schema allows null.
- Output ONLY the JSON object. No prose before or after, no markdown fences.`)
	return b.String()
}

// WeeklySystemPrompt is the fixed system prompt for the weekly aggregation tier.
func WeeklySystemPrompt() string {
	return `You are a personal-journal aggregation analyst. You receive a set of per-entry extractions spanning seven consecutive calendar days and produce one weekly summary. Base every claim strictly on the provided extractions; do not invent details absent from them.

Respond with a single JSON object and nothing else.`
}

// WeeklyUserPrompt builds the user-turn prompt for a weekly aggregation job.
// extractionsJSON is the canonically-ordered, concatenated JSON of the
// window's extractions (already produced by the caller).
func WeeklyUserPrompt(weekStart, weekEnd, extractionsJSON string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Week: %s through %s\n\n", weekStart, weekEnd)
	b.WriteString("Extractions for this week, in ascending date order:\n")
	b.WriteString(extractionsJSON)
	b.WriteString("\n\n")
	b.WriteString(`Produce a JSON object with exactly these fields:

{
  "mood_average": number,
  "energy_average": number,
  "trend": "improving" | "declining" | "stable" | "volatile",
  "people_seen": [ { "name": string, "count": integer, "mean_sentiment": number } ],
  "dominant_themes": [string],
  "notable_events": [string],
  "cycle_pattern_note": string or null,
  "narrative": string   // one paragraph
}

CRITICAL RULES:
- trend MUST be exactly one of the four listed values.
- mean_sentiment is the arithmetic mean of that person's per-mention sentiment across the week.
- If the window's extractions are empty, still return the object with empty arrays, zeroed averages, trend "stable", and an empty narrative.
- Output ONLY the JSON object.`)
	return b.String()
}

// MonthlySystemPrompt is the fixed system prompt for the monthly aggregation tier.
func MonthlySystemPrompt() string {
	return `You are a personal-journal aggregation analyst. You receive a set of weekly summaries whose week-start dates fall within one calendar month and produce one monthly summary. Base every claim strictly on the provided weekly summaries.

Respond with a single JSON object and nothing else.`
}

// MonthlyUserPrompt builds the user-turn prompt for a monthly aggregation job.
func MonthlyUserPrompt(month, weeklySummariesJSON string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Month: %s\n\n", month)
	b.WriteString("Weekly summaries whose week-start falls in this month, in ascending order:\n")
	b.WriteString(weeklySummariesJSON)
	b.WriteString("\n\n")
	b.WriteString(`Produce a JSON object with exactly these fields:

{
  "happiness_index": number,
  "trajectory": "improving" | "declining" | "stable" | "volatile",
  "relationship_health": [ { "category": string, "score": number } ],
  "top_themes": [string],
  "milestones": [string],
  "challenges": [string],
  "wins": [string],
  "medication_notes": string or null,
  "sleep_pattern_summary": string or null,
  "narrative": string   // 2-3 paragraphs
}

CRITICAL RULES:
- If no weekly summaries fall in this month, return the object with empty arrays, zeroed happiness_index, trajectory "stable", and an empty narrative.
- Output ONLY the JSON object, no prose or markdown fences.`)
	return b.String()
}

// QuarterlySystemPrompt is the fixed system prompt for the quarterly aggregation tier.
func QuarterlySystemPrompt() string {
	return `You are a personal-journal aggregation analyst. You receive the three monthly summaries of one calendar quarter and produce one quarterly notepad: a longer-form chapter synthesizing the quarter's trajectory. Base every claim strictly on the provided monthly summaries.

Respond with a single JSON object and nothing else.`
}

// QuarterlyUserPrompt builds the user-turn prompt for a quarterly aggregation job.
func QuarterlyUserPrompt(quarter, monthlySummariesJSON string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Quarter: %s\n\n", quarter)
	b.WriteString("Monthly summaries for this quarter's three months, in ascending order:\n")
	b.WriteString(monthlySummariesJSON)
	b.WriteString("\n\n")
	b.WriteString(`Produce a JSON object with exactly these fields:

{
  "trajectory_points": [ { "month": string, "happiness_index": number } ],
  "chapter_title": string,
  "opening_state": string,
  "closing_state": string,
  "most_mentioned_people": [ { "name": string, "trajectory": string } ],
  "narrative": string   // 4-6 paragraphs
}

CRITICAL RULES:
- trajectory_points MUST have exactly one entry per constituent month, in ascending order.
- chapter_title is a short evocative title for the quarter, grounded in its actual events.
- Output ONLY the JSON object, no prose or markdown fences.`)
	return b.String()
}

// SynthesisSystemPrompt is the fixed system prompt for the terminal
// synthesis tier.
func SynthesisSystemPrompt() string {
	return `You are a personal-journal aggregation analyst producing the final two-year synthesis: a single retrospective drawing on all eight quarterly notepads. Base every claim strictly on the provided notepads; do not speculate beyond what they support. When a given period has no data for a topic (e.g. a medication with no entries in some quarter), omit that period's key from the relevant block entirely rather than inventing a placeholder value.

Respond with a single JSON object and nothing else.`
}

// SynthesisUserPrompt builds the user-turn prompt for the singleton
// synthesis job.
func SynthesisUserPrompt(quarterlyNotepadsJSON string) string {
	var b strings.Builder
	b.WriteString("All eight quarterly notepads, in calendar order:\n")
	b.WriteString(quarterlyNotepadsJSON)
	b.WriteString("\n\n")
	b.WriteString(`Produce a JSON object with exactly these fields:

{
  "thesis": string,                  // one sentence
  "pre_milestone_narrative": string,
  "post_milestone_narrative": string,
  "quarterly_metrics": [ { "quarter": string, "happiness_index": number } ],
  "weekly_pattern_notes": [string],
  "seasonal_pattern_notes": [string],
  "medication_correlations": { "<medication-name>": string },   // omit a medication's key entirely for periods with no data, do not fabricate
  "relationship_arcs": [ { "name": string, "arc": string } ],
  "milestones_timeline": [ { "date": string, "description": string } ],
  "strengths": [string],
  "challenges": [string],
  "growth": [string],
  "executive_summary": string,
  "narrative": string   // full-length retrospective
}

CRITICAL RULES:
- quarterly_metrics MUST have exactly eight entries, one per input notepad, in calendar order.
- medication_correlations keys are medication names found anywhere in the inputs; a medication with no data in a given period is simply not mentioned for that period inside its narrative value, not given a null or placeholder entry.
- Output ONLY the JSON object, no prose or markdown fences.`)
	return b.String()
}
