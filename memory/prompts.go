package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Prompt construction and output parsing for the Generator-driven stages.
// Model output is untrusted input: every parser tolerates code fences,
// surrounding prose, and partially malformed entries.

func buildSummaryPrompt(records []InteractionRecord) string {
	var sb strings.Builder
	sb.WriteString("You are maintaining long-term memory for an AI assistant.\n\n")
	fmt.Fprintf(&sb, "Summarize the following %d interactions into a concise episodic memory:\n", len(records))
	sb.WriteString("- Focus on key facts, user preferences, and important context\n")
	sb.WriteString("- Remove redundant information\n")
	sb.WriteString("- Keep specific details that might be referenced later\n\n")
	sb.WriteString("Interactions:\n")
	sb.WriteString(formatInteractions(records))
	sb.WriteString("\n\nProvide a 2-3 sentence summary.")
	return sb.String()
}

func buildMergePrompt(a, b string) string {
	var sb strings.Builder
	sb.WriteString("You are maintaining episodic memory for an AI assistant.\n\n")
	sb.WriteString("These two memory summaries cover overlapping ground. Merge them into one summary that keeps every distinct fact and preference, without repetition:\n\n")
	fmt.Fprintf(&sb, "Summary A:\n%s\n\nSummary B:\n%s\n\n", a, b)
	sb.WriteString("Provide the merged summary only, 2-4 sentences.")
	return sb.String()
}

func buildExtractionPrompt(summary string) string {
	var sb strings.Builder
	sb.WriteString("Extract atomic knowledge from this memory summary.\n\n")
	sb.WriteString("Each entry is one fact about a subject: an attribute, a preference, or a stated fact.\n")
	sb.WriteString("Return a JSON array and nothing else:\n")
	sb.WriteString(`[{"subject": "user", "predicate": "prefers_language", "object": "Python", "confidence": 0.8}]`)
	sb.WriteString("\n\nConfidence is 0.0-1.0, reflecting how directly the summary states the fact.\n\n")
	fmt.Fprintf(&sb, "Summary:\n%s", summary)
	return sb.String()
}

func buildResolutionPrompt(existing, candidate SemanticFact) string {
	var sb strings.Builder
	sb.WriteString("Two remembered facts about the same subject conflict.\n\n")
	fmt.Fprintf(&sb, "Fact A (confidence %.2f, recorded %s): %s %s %s\n",
		existing.Confidence, existing.UpdatedAt.Format("2006-01-02"),
		existing.Subject, existing.Predicate, existing.Object)
	fmt.Fprintf(&sb, "Fact B (confidence %.2f, recorded %s): %s %s %s\n\n",
		candidate.Confidence, candidate.UpdatedAt.Format("2006-01-02"),
		candidate.Subject, candidate.Predicate, candidate.Object)
	sb.WriteString("Which should remain active? Answer with exactly one of:\n")
	sb.WriteString("KEEP_A, KEEP_B, MERGE, UNSURE")
	return sb.String()
}

func formatInteractions(records []InteractionRecord) string {
	var parts []string
	for i, rec := range records {
		parts = append(parts, fmt.Sprintf("%d. %s", i+1, rec.Format()))
	}
	return strings.Join(parts, "\n")
}

// normalizeOutput trims whitespace and strips a surrounding code fence.
func normalizeOutput(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		// Drop an optional language tag on the opening fence.
		if idx := strings.IndexByte(s, '\n'); idx >= 0 {
			first := strings.TrimSpace(s[:idx])
			if len(first) <= 10 && !strings.ContainsAny(first, "{[") {
				s = s[idx+1:]
			}
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

// parseExtraction parses the extraction stage's output into fact candidates.
// Entries missing a subject or predicate are skipped; confidence is clamped
// to (0, 1] with a 0.5 default.
func parseExtraction(raw string) ([]SemanticFact, error) {
	cleaned := normalizeOutput(raw)

	// The model sometimes wraps the array in prose; take the outermost
	// bracket pair.
	start := strings.IndexByte(cleaned, '[')
	end := strings.LastIndexByte(cleaned, ']')
	if start < 0 || end <= start {
		return nil, &ParseError{Stage: "extraction", Raw: raw, Err: fmt.Errorf("no JSON array found")}
	}

	var entries []struct {
		Subject    string  `json:"subject"`
		Predicate  string  `json:"predicate"`
		Object     string  `json:"object"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(cleaned[start:end+1]), &entries); err != nil {
		return nil, &ParseError{Stage: "extraction", Raw: raw, Err: err}
	}

	var facts []SemanticFact
	for _, e := range entries {
		if strings.TrimSpace(e.Subject) == "" || strings.TrimSpace(e.Predicate) == "" {
			continue
		}
		conf := e.Confidence
		if conf <= 0 {
			conf = 0.5
		}
		if conf > 1 {
			conf = 1
		}
		facts = append(facts, SemanticFact{
			Subject:    strings.TrimSpace(e.Subject),
			Predicate:  strings.TrimSpace(e.Predicate),
			Object:     strings.TrimSpace(e.Object),
			Confidence: conf,
		})
	}
	return facts, nil
}

// parseResolution maps the resolution prompt's answer to a Decision.
// Anything unrecognized is inconclusive.
func parseResolution(raw string) Decision {
	answer := strings.ToUpper(normalizeOutput(raw))
	switch {
	case strings.Contains(answer, "KEEP_A"):
		return DecisionKeepExisting
	case strings.Contains(answer, "KEEP_B"):
		return DecisionKeepCandidate
	case strings.Contains(answer, "MERGE"):
		return DecisionMerge
	default:
		return DecisionInconclusive
	}
}

// LLMResolver compares two conflicting facts in natural language using the
// Generator. An unrecognized answer is reported as inconclusive so the
// caller's default policy takes over.
type LLMResolver struct {
	gen       Generator
	maxTokens int
}

// NewLLMResolver wraps a Generator as a contradiction resolver.
func NewLLMResolver(gen Generator, maxTokens int) *LLMResolver {
	if maxTokens <= 0 {
		maxTokens = 20
	}
	return &LLMResolver{gen: gen, maxTokens: maxTokens}
}

// Resolve implements Resolver.
func (r *LLMResolver) Resolve(ctx context.Context, existing, candidate SemanticFact) (Decision, error) {
	out, err := r.gen.Generate(ctx, buildResolutionPrompt(existing, candidate), r.maxTokens)
	if err != nil {
		return DecisionInconclusive, &GenerationError{Stage: "resolution", Err: err}
	}
	return parseResolution(out), nil
}
