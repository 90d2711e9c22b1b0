package artifacts

import (
	"errors"
	"testing"

	"github.com/AutumnsGrove/YearlyReview/internal/pipelineerrors"
)

func TestParseExtractionValid(t *testing.T) {
	body := `{
		"mood_score": 7, "energy_level": 6, "sleep_mentioned": true, "sleep_quality": 8,
		"medication_mentioned": false, "hormone_therapy_mentioned": false,
		"people_mentioned": [], "activities": ["walk"], "events": [],
		"dominant_themes": ["rest"], "identity_markers": [], "key_quotes": ["it was a good day"],
		"summary": "A calm, restorative day."
	}`
	e, err := ParseExtraction(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.MoodScore != 7 || e.EnergyLevel != 6 {
		t.Fatalf("unexpected parsed values: %+v", e)
	}
}

func TestParseExtractionRejectsOutOfRangeScore(t *testing.T) {
	body := `{
		"mood_score": 15, "energy_level": 6, "sleep_mentioned": false,
		"medication_mentioned": false, "hormone_therapy_mentioned": false,
		"summary": "x"
	}`
	_, err := ParseExtraction(body)
	if err == nil {
		t.Fatal("expected schema validation error for out-of-range mood_score")
	}
	if kind, ok := pipelineerrors.KindOf(err); !ok || kind != pipelineerrors.SchemaValidation {
		t.Fatalf("expected SchemaValidation kind, got %v", kind)
	}
}

func TestParseExtractionRejectsTooManyThemes(t *testing.T) {
	body := `{
		"mood_score": 5, "energy_level": 5, "sleep_mentioned": false,
		"medication_mentioned": false, "hormone_therapy_mentioned": false,
		"dominant_themes": ["a","b","c","d","e","f"],
		"summary": "x"
	}`
	_, err := ParseExtraction(body)
	if err == nil {
		t.Fatal("expected schema validation error for dominant_themes > 5")
	}
}

func TestParseWeeklySummaryRejectsBadTrend(t *testing.T) {
	body := `{"mood_average": 5, "energy_average": 5, "trend": "chaotic", "narrative": "x"}`
	_, err := ParseWeeklySummary(body)
	if err == nil {
		t.Fatal("expected schema validation error for invalid trend enum")
	}
}

func TestParseWeeklySummaryValid(t *testing.T) {
	body := `{"mood_average": 5.5, "energy_average": 6.0, "trend": "stable", "narrative": "An even week."}`
	w, err := ParseWeeklySummary(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.Trend != "stable" {
		t.Fatalf("unexpected trend: %s", w.Trend)
	}
}

func TestParseMalformedJSONIsSchemaValidation(t *testing.T) {
	_, err := ParseExtraction(`not json`)
	var pe *pipelineerrors.Error
	if !errors.As(err, &pe) || pe.Kind != pipelineerrors.SchemaValidation {
		t.Fatal("expected a pipelineerrors.Error of kind SchemaValidation")
	}
}
