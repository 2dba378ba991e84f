package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"pocketmind/pkg/llm"
	"pocketmind/pkg/tools"
)

const decisionContract = `{ "requiresTools": bool,
  "reasoning": string,
  "invocations": [{"tool": string, "args": {...}, "reasoning": string}],
  "directResponse": string | null }`

// DecisionEngine runs the first reasoning pass of a turn.
type DecisionEngine struct {
	Client      llm.LLMClient
	Registry    *tools.ToolRegistry
	Model       string
	Temperature float64
}

// Decide asks the model whether tools are needed for query. Malformed model
// output never fails the call; only transport problems are returned, as
// *Error of KindTransport.
func (d *DecisionEngine) Decide(ctx context.Context, query, summary string) (Decision, error) {
	msgs := []llm.Message{
		llm.NewSystemMessage(d.prompt(summary)),
		llm.NewUserMessage(query),
	}

	out, err := llm.Generate(ctx, d.Client, msgs, llm.Options{
		Model:       d.Model,
		Temperature: llm.Temp(d.Temperature),
		JSON:        true,
	})
	if err != nil && !errors.Is(err, llm.ErrEmptyCompletion) {
		return Decision{}, newError(KindTransport, "decide", err)
	}

	raw := ""
	if out != nil {
		raw = out.Text
	}
	decision, ok := ParseDecision(raw)
	if !ok {
		slog.WarnContext(ctx, "⚠️ Decision output unparseable, answering without tools", "error", newError(KindParse, "decide", errNoObject), "raw", preview(raw, 200))
		return Decision{}, nil
	}
	if decision.ReasoningTrace == "" && out != nil {
		decision.ReasoningTrace = out.Thinking
	}
	return d.filterUnknown(ctx, decision), nil
}

// filterUnknown drops invocations of tools the registry does not have.
// A decision whose plan ends up empty no longer requires tools.
func (d *DecisionEngine) filterUnknown(ctx context.Context, decision Decision) Decision {
	if !decision.RequiresTools {
		decision.Invocations = nil
		return decision
	}
	if len(decision.Invocations) == 0 {
		slog.WarnContext(ctx, "⚠️ Decision requires tools but planned none")
		decision.RequiresTools = false
		return decision
	}

	kept := decision.Invocations[:0:0]
	for _, inv := range decision.Invocations {
		if !d.Registry.Has(inv.Tool) {
			slog.WarnContext(ctx, "⚠️ Dropping unknown tool from plan", "tool", inv.Tool)
			continue
		}
		kept = append(kept, inv)
	}
	decision.Invocations = kept
	if len(kept) == 0 {
		decision.RequiresTools = false
		decision.Invocations = nil
	}
	return decision
}

func (d *DecisionEngine) prompt(summary string) string {
	var sb strings.Builder
	sb.WriteString("You are the planning step of a mobile assistant. Decide whether the user's message needs tools.\n")
	sb.WriteString("Reply with exactly one JSON object and nothing else, matching:\n")
	sb.WriteString(decisionContract)
	sb.WriteString("\n\nRules:\n")
	sb.WriteString("- If no tool is needed, set requiresTools=false and put the full answer in directResponse.\n")
	sb.WriteString("- Otherwise list the invocations in the order they must run.\n")
	sb.WriteString("- A tool that consumes a type receives the output of the previous step that produces it; leave that argument empty.\n")
	sb.WriteString("- Only use tools from the catalog.\n\n")
	sb.WriteString("Tool catalog:\n")
	sb.WriteString(Catalog(d.Registry))

	if summary != "" {
		sb.WriteString("\nConversation so far:\n")
		sb.WriteString(summary)
		sb.WriteString("\n")
	}
	return sb.String()
}

// Catalog renders the registry for prompts: name, risk, description, schema
// and declared chain types.
func Catalog(reg *tools.ToolRegistry) string {
	all := reg.GetAll()
	if len(all) == 0 {
		return "(no tools available)\n"
	}

	var sb strings.Builder
	for _, t := range all {
		fmt.Fprintf(&sb, "- %s (risk: %s): %s\n", t.Name(), t.RiskLevel(), t.Description())
		if schema, err := json.Marshal(tools.Schema(t)); err == nil {
			fmt.Fprintf(&sb, "  args: %s\n", schema)
		}
		io := tools.IOOf(t)
		if io.Consumes != "" {
			fmt.Fprintf(&sb, "  consumes: %s (into %q)\n", io.Consumes, io.Slot)
		}
		if io.Produces != "" {
			fmt.Fprintf(&sb, "  produces: %s\n", io.Produces)
		}
	}
	return sb.String()
}

// Summarize condenses prior exchanges into a short transcript, newest last.
func Summarize(history []HistoryEntry, depth int) string {
	if depth <= 0 || len(history) == 0 {
		return ""
	}
	if len(history) > depth {
		history = history[len(history)-depth:]
	}

	var sb strings.Builder
	for _, h := range history {
		fmt.Fprintf(&sb, "User: %s\n", preview(h.UserText, 200))
		if h.Response != "" {
			fmt.Fprintf(&sb, "Assistant: %s\n", preview(h.Response, 300))
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// preview cuts s to at most n runes.
func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
