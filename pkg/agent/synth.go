package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"pocketmind/pkg/llm"
)

// maxToolContextChars bounds each tool output quoted into the synthesis prompt.
const maxToolContextChars = 8000

// Synthesizer streams the final answer of a turn.
type Synthesizer struct {
	Client       llm.LLMClient
	Model        string
	Temperature  float64
	SystemPrompt string
}

// Synthesis is the accumulated result of a synthesis stream.
type Synthesis struct {
	Content   string
	Reasoning string
	Usage     *llm.LLMUsage
}

// Stream calls the model and reports every visible and reasoning delta
// through onDelta as it arrives. Inline reasoning markup never reaches
// Content. Failures are *Error of KindTransport.
func (s *Synthesizer) Stream(ctx context.Context, req Request, summary string, records []ToolExecutionRecord, onDelta func(visible, reasoning string)) (Synthesis, error) {
	msgs := []llm.Message{
		llm.NewSystemMessage(s.prompt(summary, records)),
		llm.NewUserMessage(req.Text),
	}

	ch, err := s.Client.StreamChat(ctx, msgs, llm.Options{
		Model:       s.Model,
		Temperature: llm.Temp(s.Temperature),
	})
	if err != nil {
		return Synthesis{}, newError(KindTransport, "synthesize", err)
	}

	var (
		splitter ReasoningSplitter
		native   strings.Builder
		out      Synthesis
	)
	emit := func(vis, rsn string) {
		if onDelta != nil && (vis != "" || rsn != "") {
			onDelta(vis, rsn)
		}
	}

	for {
		select {
		case <-ctx.Done():
			go drain(ch)
			return Synthesis{}, newError(KindTransport, "synthesize", ctx.Err())
		case chunk, ok := <-ch:
			if !ok {
				// provider 在 ctx 結束時會直接關閉 channel
				if err := ctx.Err(); err != nil {
					return Synthesis{}, newError(KindTransport, "synthesize", err)
				}
				emit(splitter.Flush())
				out.Content = strings.TrimSpace(splitter.Visible())
				out.Reasoning = strings.TrimSpace(native.String() + splitter.Reasoning())
				return out, nil
			}
			if chunk.Error != "" {
				if chunk.Fatal {
					go drain(ch)
					var cause error = errors.New(chunk.Error)
					if chunk.RawError != nil {
						cause = fmt.Errorf("%s: %w", chunk.Error, chunk.RawError)
					}
					return Synthesis{}, newError(KindTransport, "synthesize", cause)
				}
				slog.WarnContext(ctx, "⚠️ Non-fatal stream error", "error", chunk.Error)
			}
			for _, b := range chunk.ContentBlocks {
				switch b.Type {
				case llm.BlockTypeText:
					emit(splitter.Write(b.Text))
				case llm.BlockTypeThinking:
					native.WriteString(b.Text)
					emit("", b.Text)
				}
			}
			if chunk.Usage != nil {
				out.Usage = chunk.Usage
			}
		}
	}
}

func drain(ch <-chan llm.StreamChunk) {
	for range ch {
	}
}

func (s *Synthesizer) prompt(summary string, records []ToolExecutionRecord) string {
	var sb strings.Builder
	if s.SystemPrompt != "" {
		sb.WriteString(s.SystemPrompt)
		sb.WriteString("\n\n")
	}
	if summary != "" {
		sb.WriteString("Conversation so far:\n")
		sb.WriteString(summary)
		sb.WriteString("\n\n")
	}

	if len(records) > 0 {
		sb.WriteString("Tool results for this request (only validated results are reliable):\n")
		for i, r := range records {
			switch {
			case r.Validated:
				fmt.Fprintf(&sb, "[%d] %s (ok):\n%s\n", i+1, r.Tool, preview(r.Output, maxToolContextChars))
			case r.Success:
				fmt.Fprintf(&sb, "[%d] %s (unusable: %s)\n", i+1, r.Tool, r.ValidationReason)
			default:
				fmt.Fprintf(&sb, "[%d] %s (failed: %s)\n", i+1, r.Tool, r.Error)
			}
		}
		sb.WriteString("\nAnswer the user from the validated results. Do not invent content that is not there.\n")
	}
	return sb.String()
}

// terminalMessage is the local answer when tools ran but nothing usable came back.
func terminalMessage(records []ToolExecutionRecord, strategy *RecoveryStrategy) string {
	seen := map[string]bool{}
	var names []string
	for _, r := range records {
		if !seen[r.Tool] {
			seen[r.Tool] = true
			names = append(names, r.Tool)
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "I tried %s but couldn't get usable results.", strings.Join(names, ", "))
	if len(records) > 0 {
		last := records[len(records)-1]
		reason := last.ValidationReason
		if reason == "" {
			reason = last.Error
		}
		if reason != "" {
			fmt.Fprintf(&sb, " (%s: %s)", last.Tool, reason)
		}
	}
	if strategy != nil && strategy.UserQuestion != nil {
		sb.WriteString("\n\n")
		sb.WriteString(*strategy.UserQuestion)
	}
	return sb.String()
}
