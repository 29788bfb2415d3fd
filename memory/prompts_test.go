package memory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/quillmind/mnemo/memory"
)

func TestParseExtraction_PlainArray(t *testing.T) {
	raw := `[{"subject": "user", "predicate": "prefers_language", "object": "Python", "confidence": 0.8}]`
	facts, err := memory.ParseExtractionOutput(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(facts) != 1 {
		t.Fatalf("expected 1 fact, got %d", len(facts))
	}
	f := facts[0]
	if f.Subject != "user" || f.Predicate != "prefers_language" || f.Object != "Python" {
		t.Fatalf("unexpected fact: %+v", f)
	}
	if f.Confidence != 0.8 {
		t.Fatalf("unexpected confidence: %f", f.Confidence)
	}
}

func TestParseExtraction_CodeFenceAndProse(t *testing.T) {
	raw := "Here are the extracted facts:\n```json\n" +
		`[{"subject": "user", "predicate": "timezone", "object": "CET", "confidence": 1.5},` +
		`{"subject": "", "predicate": "ignored", "object": "x"},` +
		`{"subject": "user", "predicate": "role", "object": "engineer"}]` +
		"\n```\nLet me know if you need more."
	facts, err := memory.ParseExtractionOutput(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(facts) != 2 {
		t.Fatalf("expected 2 valid facts, got %d", len(facts))
	}
	if facts[0].Confidence != 1.0 {
		t.Fatalf("confidence above 1 should clamp, got %f", facts[0].Confidence)
	}
	if facts[1].Confidence != 0.5 {
		t.Fatalf("missing confidence should default to 0.5, got %f", facts[1].Confidence)
	}
}

func TestParseExtraction_NoArray(t *testing.T) {
	_, err := memory.ParseExtractionOutput("I could not find any facts in this summary.")
	if err == nil {
		t.Fatal("expected a parse error")
	}
	var parseErr *memory.ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected ParseError, got %T", err)
	}
	if parseErr.Stage != "extraction" {
		t.Fatalf("unexpected stage: %s", parseErr.Stage)
	}
}

func TestLLMResolver_MapsAnswers(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		answer string
		want   memory.Decision
	}{
		{"KEEP_A", memory.DecisionKeepExisting},
		{"The answer is KEEP_B.", memory.DecisionKeepCandidate},
		{"```\nMERGE\n```", memory.DecisionMerge},
		{"UNSURE", memory.DecisionInconclusive},
		{"something else entirely", memory.DecisionInconclusive},
	}
	for _, tc := range cases {
		resolver := memory.NewLLMResolver(fixedGenerator(tc.answer), 20)
		got, err := resolver.Resolve(ctx, memory.SemanticFact{Subject: "user", Predicate: "p", Object: "a"},
			memory.SemanticFact{Subject: "user", Predicate: "p", Object: "b"})
		if err != nil {
			t.Fatalf("resolve(%q): %v", tc.answer, err)
		}
		if got != tc.want {
			t.Fatalf("resolve(%q) = %v, want %v", tc.answer, got, tc.want)
		}
	}
}

func TestLLMResolver_GeneratorFailureIsInconclusive(t *testing.T) {
	resolver := memory.NewLLMResolver(failingGenerator{}, 20)
	got, err := resolver.Resolve(context.Background(),
		memory.SemanticFact{Subject: "user", Predicate: "p", Object: "a"},
		memory.SemanticFact{Subject: "user", Predicate: "p", Object: "b"})
	if err == nil {
		t.Fatal("expected an error")
	}
	if got != memory.DecisionInconclusive {
		t.Fatalf("failed resolution must be inconclusive, got %v", got)
	}
	var genErr *memory.GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("expected GenerationError, got %T", err)
	}
}

// fixedGenerator returns the same text for every prompt.
type fixedGenerator string

func (g fixedGenerator) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	return string(g), nil
}
