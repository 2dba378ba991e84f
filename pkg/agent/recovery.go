package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"pocketmind/pkg/llm"
	"pocketmind/pkg/tools"
)

// GenericClarification is surfaced when the strategist's answer is unusable.
const GenericClarification = "I couldn't get usable results for that. Could you rephrase it, or point me to a specific site or source?"

// FallbackConfidence is the confidence of the fallback strategy.
const FallbackConfidence = 0.3

const recoveryContract = `{ "recoveryPossible": bool, "reasoning": string,
  "alternatives": [{"tool": string, "args": {...}, "reasoning": string, "priority": int}],
  "userQuestion": string | null, "confidence": float }`

// Failure describes the step that failed validation.
type Failure struct {
	Tool   string
	Args   *Arguments
	Output string
	Reason string
	Query  string
	Hints  ResourceHints
}

// RecoveryStrategist runs the diagnostic second pass after a validation failure.
type RecoveryStrategist struct {
	Client       llm.LLMClient
	Registry     *tools.ToolRegistry
	Model        string
	Temperature  float64
	PreviewChars int
}

// FallbackStrategy is returned whenever the model's answer cannot be parsed.
func FallbackStrategy() RecoveryStrategy {
	q := GenericClarification
	return RecoveryStrategy{
		RecoveryPossible: false,
		Reasoning:        "recovery answer could not be parsed",
		UserQuestion:     &q,
		Confidence:       FallbackConfidence,
	}
}

// Propose asks the model how to recover from f. Only transport problems are
// returned as errors.
func (r *RecoveryStrategist) Propose(ctx context.Context, f Failure) (RecoveryStrategy, error) {
	msgs := []llm.Message{
		llm.NewSystemMessage(r.prompt()),
		llm.NewUserMessage(r.describe(f)),
	}

	out, err := llm.Generate(ctx, r.Client, msgs, llm.Options{
		Model:       r.Model,
		Temperature: llm.Temp(r.Temperature),
		JSON:        true,
	})
	if err != nil && !errors.Is(err, llm.ErrEmptyCompletion) {
		return RecoveryStrategy{}, newError(KindTransport, "recover", err)
	}

	raw := ""
	if out != nil {
		raw = out.Text
	}
	strategy, ok := ParseRecovery(raw)
	if !ok {
		slog.WarnContext(ctx, "⚠️ Recovery output unparseable, asking the user instead", "error", newError(KindParse, "recover", errNoObject))
		return FallbackStrategy(), nil
	}
	return r.sanitize(ctx, strategy), nil
}

func (r *RecoveryStrategist) sanitize(ctx context.Context, s RecoveryStrategy) RecoveryStrategy {
	switch {
	case s.Confidence < 0:
		s.Confidence = 0
	case s.Confidence > 1:
		s.Confidence = 1
	}

	kept := s.Alternatives[:0:0]
	for _, alt := range s.Alternatives {
		if !r.Registry.Has(alt.Tool) {
			slog.WarnContext(ctx, "⚠️ Dropping unknown tool from recovery", "tool", alt.Tool)
			continue
		}
		kept = append(kept, alt)
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Priority < kept[j].Priority })
	s.Alternatives = kept
	if len(kept) == 0 {
		s.Alternatives = nil
	}

	if s.UserQuestion != nil && strings.TrimSpace(*s.UserQuestion) == "" {
		s.UserQuestion = nil
	}
	return s
}

func (r *RecoveryStrategist) prompt() string {
	var sb strings.Builder
	sb.WriteString("A tool step of a mobile assistant produced unusable output. Diagnose it and propose a recovery.\n")
	sb.WriteString("Reply with exactly one JSON object and nothing else, matching:\n")
	sb.WriteString(recoveryContract)
	sb.WriteString("\n\nRules:\n")
	sb.WriteString("- Propose alternatives only with tools from the catalog; lower priority runs first.\n")
	sb.WriteString("- If no tool can help, set recoveryPossible=false and ask the user one short question in userQuestion.\n")
	sb.WriteString("- confidence is your estimate (0..1) that the alternatives will succeed.\n\n")
	sb.WriteString("Tool catalog:\n")
	sb.WriteString(Catalog(r.Registry))
	return sb.String()
}

func (r *RecoveryStrategist) describe(f Failure) string {
	n := r.PreviewChars
	if n <= 0 {
		n = 600
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "User request: %s\n", f.Query)
	fmt.Fprintf(&sb, "Failed tool: %s\n", f.Tool)
	if f.Args.Len() > 0 {
		if b, err := json.Marshal(f.Args); err == nil {
			fmt.Fprintf(&sb, "Arguments: %s\n", b)
		}
	}
	fmt.Fprintf(&sb, "Why it was rejected: %s\n", f.Reason)
	fmt.Fprintf(&sb, "Output preview:\n%s\n", preview(f.Output, n))
	if h := describeHints(f.Hints); h != "" {
		fmt.Fprintf(&sb, "Device constraints: %s\n", h)
	}
	return sb.String()
}

func describeHints(h ResourceHints) string {
	var parts []string
	if h.Network != "" {
		parts = append(parts, "network "+h.Network)
	}
	if h.Metered {
		parts = append(parts, "metered connection, prefer small downloads")
	}
	if h.BatteryPercent > 0 {
		parts = append(parts, fmt.Sprintf("battery %d%%", h.BatteryPercent))
	}
	if h.LowPower {
		parts = append(parts, "low power mode")
	}
	return strings.Join(parts, "; ")
}
