package openailm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"pocketmind/pkg/llm"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/responses"
	"github.com/openai/openai-go/v3/shared"
)

// Client is a wrapper around the official OpenAI Go SDK (Responses API).
// It also works against OpenAI-compatible gateways through BaseURL.
type Client struct {
	client       *openai.Client
	provider     string
	model        string
	debugEnabled bool
	options      map[string]any
}

// NewClient creates a new OpenAI client
func NewClient(provider string, apiKey string, model string, baseURL string, options map[string]any, extra ...option.RequestOption) *Client {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}

	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	opts = append(opts, extra...)

	client := openai.NewClient(opts...)

	return &Client{
		client:   &client,
		provider: provider,
		model:    model,
		options:  options,
	}
}

func (c *Client) Provider() string {
	return c.provider
}

func (c *Client) SetDebug(enabled bool) {
	c.debugEnabled = enabled
}

func (c *Client) IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())

	// Transient: network-level issues
	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "timeout") {
		return true
	}

	// Transient: server-side temporary failures
	if strings.Contains(msg, "429") ||
		strings.Contains(msg, "500 internal") ||
		strings.Contains(msg, "502 bad gateway") ||
		strings.Contains(msg, "503 service unavailable") ||
		strings.Contains(msg, "overloaded") {
		return true
	}

	// Everything else (400 Bad Request, 401 Unauthorized, etc.) is non-transient
	return false
}

// buildRequest maps the messages and per-call options to Responses API params.
func (c *Client) buildRequest(messages []llm.Message, opts llm.Options) (responses.ResponseNewParams, []option.RequestOption) {
	model := c.model
	if opts.Model != "" {
		model = opts.Model
	}

	params := responses.ResponseNewParams{
		Model: model,
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: c.convertMessages(messages),
		},
	}

	var reqOpts []option.RequestOption

	// Handle unified "thinking_effort" option
	if effortStr, ok := c.options["thinking_effort"].(string); ok && effortStr != "" && effortStr != "off" {
		var effort shared.ReasoningEffort
		switch effortStr {
		case "low":
			effort = shared.ReasoningEffortLow
		case "high":
			effort = shared.ReasoningEffortHigh
		default:
			effort = shared.ReasoningEffortMedium
		}
		params.Reasoning = shared.ReasoningParam{Effort: effort}
	}

	// per-call temperature wins over the group option
	if opts.Temperature != nil {
		reqOpts = append(reqOpts, option.WithJSONSet("temperature", *opts.Temperature))
	} else if t, ok := c.options["temperature"].(float64); ok {
		reqOpts = append(reqOpts, option.WithJSONSet("temperature", t))
	}

	if p, ok := c.options["top_p"].(float64); ok {
		reqOpts = append(reqOpts, option.WithJSONSet("top_p", p))
	}

	if opts.MaxTokens > 0 {
		reqOpts = append(reqOpts, option.WithJSONSet("max_output_tokens", opts.MaxTokens))
	}

	if opts.JSON {
		reqOpts = append(reqOpts, option.WithJSONSet("text", map[string]any{
			"format": map[string]any{"type": "json_object"},
		}))
	}

	return params, reqOpts
}

func (c *Client) StreamChat(ctx context.Context, messages []llm.Message, opts llm.Options) (<-chan llm.StreamChunk, error) {
	chunkCh := make(chan llm.StreamChunk, 100)
	params, reqOpts := c.buildRequest(messages, opts)

	go func() {
		defer close(chunkCh)

		stream := c.client.Responses.NewStreaming(ctx, params, reqOpts...)
		defer stream.Close()

		var lastFinishReason string
		var lastUsage *llm.LLMUsage

		debugger := llm.NewStreamDebugger(ctx, c.provider, c.debugEnabled)
		defer debugger.Close()

		emit := func(chunk llm.StreamChunk) bool {
			select {
			case chunkCh <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for stream.Next() {
			event := stream.Current()
			debugger.WriteString(event.RawJSON())

			switch variant := event.AsAny().(type) {
			case responses.ResponseTextDeltaEvent:
				if !emit(llm.NewTextChunk(variant.Delta)) {
					return
				}

			case responses.ResponseReasoningTextDeltaEvent:
				if !emit(llm.NewThinkingChunk(variant.Delta)) {
					return
				}

			case responses.ResponseReasoningSummaryTextDeltaEvent:
				if !emit(llm.NewThinkingChunk(variant.Delta)) {
					return
				}

			case responses.ResponseCompletedEvent:
				lastFinishReason = llm.StopReasonStop
				if variant.Response.Usage.TotalTokens > 0 {
					lastUsage = &llm.LLMUsage{
						PromptTokens:     int(variant.Response.Usage.InputTokens),
						CompletionTokens: int(variant.Response.Usage.OutputTokens),
						TotalTokens:      int(variant.Response.Usage.TotalTokens),
						ThoughtsTokens:   int(variant.Response.Usage.OutputTokensDetails.ReasoningTokens),
						CachedTokens:     int(variant.Response.Usage.InputTokensDetails.CachedTokens),
						StopReason:       llm.StopReasonStop,
					}
				}

			case responses.ResponseFailedEvent:
				emit(llm.NewErrorChunk("API Response Failed", fmt.Errorf("response failed: %s", variant.Response.Error.Message), true))
				return

			case responses.ResponseIncompleteEvent:
				lastFinishReason = llm.StopReasonLength

			case responses.ResponseErrorEvent:
				emit(llm.NewErrorChunk(fmt.Sprintf("API Error: %s", variant.Message), fmt.Errorf("%s: %s", variant.Code, variant.Message), true))
				return
			}
		}

		if err := stream.Err(); err != nil {
			slog.ErrorContext(ctx, "Stream error", "provider", c.provider, "error", err)
			emit(llm.NewErrorChunk(fmt.Sprintf("Stream error: %v", err), err, true))
			return
		}

		reason := llm.StopReasonStop
		if lastFinishReason != "" {
			reason = lastFinishReason
		}
		emit(llm.NewFinalChunk(reason, lastUsage))
		llm.LogUsage(params.Model, lastUsage)
	}()

	return chunkCh, nil
}

func (c *Client) convertMessages(messages []llm.Message) []responses.ResponseInputItemUnionParam {
	items := make([]responses.ResponseInputItemUnionParam, 0, len(messages))

	for _, m := range messages {
		text := m.GetTextContent()
		switch m.Role {
		case "system":
			items = append(items, responses.ResponseInputItemParamOfMessage(text, responses.EasyInputMessageRoleSystem))
		case "user":
			items = append(items, responses.ResponseInputItemParamOfMessage(text, responses.EasyInputMessageRoleUser))
		case "assistant":
			if text != "" {
				items = append(items, responses.ResponseInputItemParamOfMessage(text, responses.EasyInputMessageRoleAssistant))
			}
		}
	}

	return items
}
