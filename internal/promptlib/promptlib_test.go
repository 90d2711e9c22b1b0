package promptlib

import "testing"

func TestExtractionPromptsAreStable(t *testing.T) {
	sys1 := ExtractionSystemPrompt()
	sys2 := ExtractionSystemPrompt()
	if sys1 != sys2 {
		t.Fatal("ExtractionSystemPrompt must be pure and deterministic")
	}
	user := ExtractionUserPrompt("2025-03-03", "Had a quiet day.")
	if user == "" {
		t.Fatal("expected non-empty user prompt")
	}
	if got := ExtractionUserPrompt("2025-03-03", "Had a quiet day."); got != user {
		t.Fatal("ExtractionUserPrompt must be pure and deterministic")
	}
}

func TestTierSystemPromptsNonEmpty(t *testing.T) {
	prompts := []string{
		WeeklySystemPrompt(),
		MonthlySystemPrompt(),
		QuarterlySystemPrompt(),
		SynthesisSystemPrompt(),
	}
	for i, p := range prompts {
		if p == "" {
			t.Fatalf("tier system prompt %d is empty", i)
		}
	}
}

func TestTierUserPromptsEmbedInputs(t *testing.T) {
	if got := WeeklyUserPrompt("2025-03-03", "2025-03-09", "[]"); got == "" {
		t.Fatal("expected non-empty weekly prompt")
	}
	if got := MonthlyUserPrompt("2025-03", "[]"); got == "" {
		t.Fatal("expected non-empty monthly prompt")
	}
	if got := QuarterlyUserPrompt("2025-Q1", "[]"); got == "" {
		t.Fatal("expected non-empty quarterly prompt")
	}
	if got := SynthesisUserPrompt("[]"); got == "" {
		t.Fatal("expected non-empty synthesis prompt")
	}
}

func TestPromptVersionIsStable(t *testing.T) {
	if PromptVersion == "" {
		t.Fatal("PromptVersion must not be empty")
	}
}
