// Copyright 2025 James Ross

// Package artifacts defines the Go shapes of every tier's output record
// and validates raw LLM JSON text against a JSON-schema contract before
// it crosses the persistence boundary. Validation always runs, even on a
// cache hit, since a cached body could predate a prompt/schema change.
package artifacts

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/AutumnsGrove/YearlyReview/internal/pipelineerrors"
)

func validateAgainstSchema(op, schemaJSON, bodyJSON string) error {
	schemaLoader := gojsonschema.NewStringLoader(schemaJSON)
	docLoader := gojsonschema.NewStringLoader(bodyJSON)

	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return pipelineerrors.New(pipelineerrors.SchemaValidation, op, fmt.Errorf("schema validation error: %w", err))
	}
	if !result.Valid() {
		var msgs []string
		for _, re := range result.Errors() {
			msgs = append(msgs, re.String())
		}
		return pipelineerrors.New(pipelineerrors.SchemaValidation, op, fmt.Errorf("%d violation(s): %v", len(msgs), msgs))
	}
	return nil
}

// PersonMention is one person referenced in a journal entry.
type PersonMention struct {
	Name            string `json:"name"`
	Relationship    string `json:"relationship"`
	Sentiment       string `json:"sentiment"`
	InteractionMode string `json:"interaction_mode"`
}

// Extraction is the tier-0 structured record derived from one journal entry.
type Extraction struct {
	MoodScore               int             `json:"mood_score"`
	EnergyLevel             int             `json:"energy_level"`
	SleepMentioned          bool            `json:"sleep_mentioned"`
	SleepQuality            *int            `json:"sleep_quality"`
	MedicationMentioned     bool            `json:"medication_mentioned"`
	HormoneTherapyMentioned bool            `json:"hormone_therapy_mentioned"`
	PeopleMentioned         []PersonMention `json:"people_mentioned"`
	Activities              []string        `json:"activities"`
	Events                  []string        `json:"events"`
	DominantThemes          []string        `json:"dominant_themes"`
	IdentityMarkers         []string        `json:"identity_markers"`
	KeyQuotes               []string        `json:"key_quotes"`
	Summary                 string          `json:"summary"`
}

const extractionSchema = `{
  "type": "object",
  "required": ["mood_score", "energy_level", "sleep_mentioned", "medication_mentioned", "hormone_therapy_mentioned", "summary"],
  "properties": {
    "mood_score": {"type": "integer", "minimum": 1, "maximum": 10},
    "energy_level": {"type": "integer", "minimum": 1, "maximum": 10},
    "sleep_mentioned": {"type": "boolean"},
    "sleep_quality": {"type": ["integer", "null"], "minimum": 1, "maximum": 10},
    "medication_mentioned": {"type": "boolean"},
    "hormone_therapy_mentioned": {"type": "boolean"},
    "people_mentioned": {"type": "array", "items": {"type": "object"}},
    "activities": {"type": "array", "items": {"type": "string"}},
    "events": {"type": "array", "items": {"type": "string"}},
    "dominant_themes": {"type": "array", "maxItems": 5, "items": {"type": "string"}},
    "identity_markers": {"type": "array", "items": {"type": "string"}},
    "key_quotes": {"type": "array", "maxItems": 3, "items": {"type": "string"}},
    "summary": {"type": "string"}
  }
}`

// ParseExtraction validates bodyJSON against the extraction schema and
// unmarshals it. Validation always runs, even for cached bodies.
func ParseExtraction(bodyJSON string) (Extraction, error) {
	if err := validateAgainstSchema("artifacts.ParseExtraction", extractionSchema, bodyJSON); err != nil {
		return Extraction{}, err
	}
	var e Extraction
	if err := json.Unmarshal([]byte(bodyJSON), &e); err != nil {
		return Extraction{}, pipelineerrors.New(pipelineerrors.SchemaValidation, "artifacts.ParseExtraction", err)
	}
	return e, nil
}

// PersonSentiment is one person's aggregate sentiment within a window.
type PersonSentiment struct {
	Name          string  `json:"name"`
	Count         int     `json:"count"`
	MeanSentiment float64 `json:"mean_sentiment"`
}

// WeeklySummary spans seven consecutive calendar days.
type WeeklySummary struct {
	MoodAverage      float64           `json:"mood_average"`
	EnergyAverage    float64           `json:"energy_average"`
	Trend            string            `json:"trend"`
	PeopleSeen       []PersonSentiment `json:"people_seen"`
	DominantThemes   []string          `json:"dominant_themes"`
	NotableEvents    []string          `json:"notable_events"`
	CyclePatternNote *string           `json:"cycle_pattern_note"`
	Narrative        string            `json:"narrative"`
}

const weeklySchema = `{
  "type": "object",
  "required": ["mood_average", "energy_average", "trend", "narrative"],
  "properties": {
    "mood_average": {"type": "number"},
    "energy_average": {"type": "number"},
    "trend": {"type": "string", "enum": ["improving", "declining", "stable", "volatile"]},
    "people_seen": {"type": "array", "items": {"type": "object"}},
    "dominant_themes": {"type": "array", "items": {"type": "string"}},
    "notable_events": {"type": "array", "items": {"type": "string"}},
    "cycle_pattern_note": {"type": ["string", "null"]},
    "narrative": {"type": "string"}
  }
}`

// ParseWeeklySummary validates and unmarshals a weekly aggregation body.
func ParseWeeklySummary(bodyJSON string) (WeeklySummary, error) {
	if err := validateAgainstSchema("artifacts.ParseWeeklySummary", weeklySchema, bodyJSON); err != nil {
		return WeeklySummary{}, err
	}
	var w WeeklySummary
	if err := json.Unmarshal([]byte(bodyJSON), &w); err != nil {
		return WeeklySummary{}, pipelineerrors.New(pipelineerrors.SchemaValidation, "artifacts.ParseWeeklySummary", err)
	}
	return w, nil
}

// RelationshipHealth is a per-relationship-category health score.
type RelationshipHealth struct {
	Category string  `json:"category"`
	Score    float64 `json:"score"`
}

// MonthlySummary spans one calendar month.
type MonthlySummary struct {
	HappinessIndex      float64               `json:"happiness_index"`
	Trajectory          string                `json:"trajectory"`
	RelationshipHealth  []RelationshipHealth  `json:"relationship_health"`
	TopThemes           []string              `json:"top_themes"`
	Milestones          []string              `json:"milestones"`
	Challenges          []string              `json:"challenges"`
	Wins                []string              `json:"wins"`
	MedicationNotes     *string               `json:"medication_notes"`
	SleepPatternSummary *string               `json:"sleep_pattern_summary"`
	Narrative           string                `json:"narrative"`
}

const monthlySchema = `{
  "type": "object",
  "required": ["happiness_index", "trajectory", "narrative"],
  "properties": {
    "happiness_index": {"type": "number"},
    "trajectory": {"type": "string", "enum": ["improving", "declining", "stable", "volatile"]},
    "relationship_health": {"type": "array", "items": {"type": "object"}},
    "top_themes": {"type": "array", "items": {"type": "string"}},
    "milestones": {"type": "array", "items": {"type": "string"}},
    "challenges": {"type": "array", "items": {"type": "string"}},
    "wins": {"type": "array", "items": {"type": "string"}},
    "medication_notes": {"type": ["string", "null"]},
    "sleep_pattern_summary": {"type": ["string", "null"]},
    "narrative": {"type": "string"}
  }
}`

// ParseMonthlySummary validates and unmarshals a monthly aggregation body.
func ParseMonthlySummary(bodyJSON string) (MonthlySummary, error) {
	if err := validateAgainstSchema("artifacts.ParseMonthlySummary", monthlySchema, bodyJSON); err != nil {
		return MonthlySummary{}, err
	}
	var m MonthlySummary
	if err := json.Unmarshal([]byte(bodyJSON), &m); err != nil {
		return MonthlySummary{}, pipelineerrors.New(pipelineerrors.SchemaValidation, "artifacts.ParseMonthlySummary", err)
	}
	return m, nil
}

// TrajectoryPoint is one constituent month's happiness index within a quarter.
type TrajectoryPoint struct {
	Month           string  `json:"month"`
	HappinessIndex  float64 `json:"happiness_index"`
}

// PersonTrajectory is one person's mention trajectory across a quarter.
type PersonTrajectory struct {
	Name       string `json:"name"`
	Trajectory string `json:"trajectory"`
}

// QuarterlyNotepad spans three consecutive calendar months.
type QuarterlyNotepad struct {
	TrajectoryPoints    []TrajectoryPoint  `json:"trajectory_points"`
	ChapterTitle        string             `json:"chapter_title"`
	OpeningState        string             `json:"opening_state"`
	ClosingState        string             `json:"closing_state"`
	MostMentionedPeople []PersonTrajectory `json:"most_mentioned_people"`
	Narrative           string             `json:"narrative"`
}

const quarterlySchema = `{
  "type": "object",
  "required": ["chapter_title", "opening_state", "closing_state", "narrative"],
  "properties": {
    "trajectory_points": {"type": "array", "items": {"type": "object"}},
    "chapter_title": {"type": "string"},
    "opening_state": {"type": "string"},
    "closing_state": {"type": "string"},
    "most_mentioned_people": {"type": "array", "items": {"type": "object"}},
    "narrative": {"type": "string"}
  }
}`

// ParseQuarterlyNotepad validates and unmarshals a quarterly aggregation body.
func ParseQuarterlyNotepad(bodyJSON string) (QuarterlyNotepad, error) {
	if err := validateAgainstSchema("artifacts.ParseQuarterlyNotepad", quarterlySchema, bodyJSON); err != nil {
		return QuarterlyNotepad{}, err
	}
	var q QuarterlyNotepad
	if err := json.Unmarshal([]byte(bodyJSON), &q); err != nil {
		return QuarterlyNotepad{}, pipelineerrors.New(pipelineerrors.SchemaValidation, "artifacts.ParseQuarterlyNotepad", err)
	}
	return q, nil
}

// QuarterlyMetric is one quarter's headline metric in the synthesis.
type QuarterlyMetric struct {
	Quarter        string  `json:"quarter"`
	HappinessIndex float64 `json:"happiness_index"`
}

// RelationshipArc is one person's arc across the full two-year span.
type RelationshipArc struct {
	Name string `json:"name"`
	Arc  string `json:"arc"`
}

// Milestone is one dated entry in the synthesis's milestone timeline.
type Milestone struct {
	Date        string `json:"date"`
	Description string `json:"description"`
}

// Synthesis is the singleton two-year retrospective.
type Synthesis struct {
	Thesis                 string                 `json:"thesis"`
	PreMilestoneNarrative  string                 `json:"pre_milestone_narrative"`
	PostMilestoneNarrative string                 `json:"post_milestone_narrative"`
	QuarterlyMetrics       []QuarterlyMetric      `json:"quarterly_metrics"`
	WeeklyPatternNotes     []string               `json:"weekly_pattern_notes"`
	SeasonalPatternNotes   []string               `json:"seasonal_pattern_notes"`
	MedicationCorrelations map[string]string      `json:"medication_correlations"`
	RelationshipArcs       []RelationshipArc      `json:"relationship_arcs"`
	MilestonesTimeline     []Milestone            `json:"milestones_timeline"`
	Strengths              []string               `json:"strengths"`
	Challenges             []string               `json:"challenges"`
	Growth                 []string               `json:"growth"`
	ExecutiveSummary       string                 `json:"executive_summary"`
	Narrative              string                 `json:"narrative"`
}

const synthesisSchema = `{
  "type": "object",
  "required": ["thesis", "executive_summary", "narrative"],
  "properties": {
    "thesis": {"type": "string"},
    "pre_milestone_narrative": {"type": "string"},
    "post_milestone_narrative": {"type": "string"},
    "quarterly_metrics": {"type": "array", "items": {"type": "object"}},
    "weekly_pattern_notes": {"type": "array", "items": {"type": "string"}},
    "seasonal_pattern_notes": {"type": "array", "items": {"type": "string"}},
    "medication_correlations": {"type": "object"},
    "relationship_arcs": {"type": "array", "items": {"type": "object"}},
    "milestones_timeline": {"type": "array", "items": {"type": "object"}},
    "strengths": {"type": "array", "items": {"type": "string"}},
    "challenges": {"type": "array", "items": {"type": "string"}},
    "growth": {"type": "array", "items": {"type": "string"}},
    "executive_summary": {"type": "string"},
    "narrative": {"type": "string"}
  }
}`

// ParseSynthesis validates and unmarshals the singleton synthesis body.
func ParseSynthesis(bodyJSON string) (Synthesis, error) {
	if err := validateAgainstSchema("artifacts.ParseSynthesis", synthesisSchema, bodyJSON); err != nil {
		return Synthesis{}, err
	}
	var s Synthesis
	if err := json.Unmarshal([]byte(bodyJSON), &s); err != nil {
		return Synthesis{}, pipelineerrors.New(pipelineerrors.SchemaValidation, "artifacts.ParseSynthesis", err)
	}
	return s, nil
}
