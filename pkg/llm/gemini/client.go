package gemini

import (
	"context"
	"fmt"
	"log"
	"strings"

	"pocketmind/pkg/llm"

	"google.golang.org/genai"
)

// GeminiClient Google Gemini API client
type GeminiClient struct {
	client       *genai.Client
	model        string
	useThought   bool
	debugEnabled bool
}

// SetDebug implements llm.DebugSetter
func (g *GeminiClient) SetDebug(enabled bool) {
	g.debugEnabled = enabled
}

// NewGeminiClient creates a Gemini client with a single model and API key.
// cc lets tests point the SDK at a fake endpoint.
func NewGeminiClient(ctx context.Context, apiKey string, model string, useThought bool, cc *genai.ClientConfig) (*GeminiClient, error) {
	if cc == nil {
		cc = &genai.ClientConfig{}
	}
	cc.APIKey = apiKey
	cc.Backend = genai.BackendGeminiAPI

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiClient{
		client:     client,
		model:      model,
		useThought: useThought,
	}, nil
}

func (g *GeminiClient) Provider() string {
	return "gemini"
}

// formatModality formats ModalityTokenCount array for logging
func formatModality(details []*genai.ModalityTokenCount) string {
	if len(details) == 0 {
		return "0"
	}
	var res []string
	for _, d := range details {
		res = append(res, fmt.Sprintf("%v: %d", d.Modality, d.TokenCount))
	}
	return strings.Join(res, " | ")
}

// generateConfig maps the per-call options onto the SDK config.
func (g *GeminiClient) generateConfig(system *genai.Content, opts llm.Options) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: system,
	}
	if g.useThought {
		cfg.ThinkingConfig = &genai.ThinkingConfig{IncludeThoughts: true}
	}
	if opts.Temperature != nil {
		t := float32(*opts.Temperature)
		cfg.Temperature = &t
	}
	if opts.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(opts.MaxTokens)
	}
	if opts.JSON {
		cfg.ResponseMIMEType = "application/json"
	}
	return cfg
}

// StreamChat implements llm.LLMClient.StreamChat
func (g *GeminiClient) StreamChat(ctx context.Context, messages []llm.Message, opts llm.Options) (<-chan llm.StreamChunk, error) {
	contents, systemInstruction := g.convertMessages(messages)

	model := g.model
	if opts.Model != "" {
		model = opts.Model
	}

	chunkCh := make(chan llm.StreamChunk, 100)
	startResultCh := make(chan error, 1)

	log.Printf("[Gemini] 🌊 Streaming with model: %s...", model)

	go func() {
		defer close(chunkCh)

		iter := g.client.Models.GenerateContentStream(ctx, model, contents, g.generateConfig(systemInstruction, opts))

		started := false
		var lastUsage *llm.LLMUsage

		debugger := llm.NewStreamDebugger(ctx, "gemini", g.debugEnabled)
		defer debugger.Close()

		emit := func(chunk llm.StreamChunk) bool {
			select {
			case chunkCh <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for resp, err := range iter {
			if resp != nil {
				debugger.WriteJSON(resp)
			}
			if err != nil {
				// The SDK iterator can yield data together with the error;
				// only a bare error ends the stream.
				if resp == nil {
					log.Printf("Gemini Stream Error: %v", err)
					if !started {
						startResultCh <- err
					} else {
						emit(llm.NewErrorChunk(fmt.Sprintf("Stream interrupted: %v", err), err, true))
					}
					return
				}
				log.Printf("Gemini Stream Error (with data): %v", err)
			}

			if !started {
				started = true
				startResultCh <- nil
			}

			// Capture Usage Metadata (usually in the last chunk)
			if resp.UsageMetadata != nil {
				u := resp.UsageMetadata
				lastUsage = &llm.LLMUsage{
					PromptTokens:     int(u.PromptTokenCount),
					PromptDetail:     formatModality(u.PromptTokensDetails),
					CompletionTokens: int(u.CandidatesTokenCount),
					CompletionDetail: formatModality(u.CandidatesTokensDetails),
					TotalTokens:      int(u.TotalTokenCount),
					ThoughtsTokens:   int(u.ThoughtsTokenCount),
					CachedTokens:     int(u.CachedContentTokenCount),
				}
			}

			for _, candidate := range resp.Candidates {
				if candidate.FinishReason != "" && lastUsage != nil {
					lastUsage.StopReason = normalizeFinishReason(candidate.FinishReason)
				}

				if candidate.Content == nil {
					continue
				}
				var blocks []llm.ContentBlock
				for _, part := range candidate.Content.Parts {
					if part.Text == "" {
						continue
					}
					if part.Thought {
						blocks = append(blocks, llm.NewThinkingBlock(part.Text))
					} else {
						blocks = append(blocks, llm.NewTextBlock(part.Text))
					}
				}
				if len(blocks) > 0 {
					if !emit(llm.StreamChunk{ContentBlocks: blocks}) {
						return
					}
				}
			}
		}

		if !started {
			// empty stream without error
			startResultCh <- nil
		}

		reason := llm.StopReasonStop
		if lastUsage != nil && lastUsage.StopReason != "" {
			reason = lastUsage.StopReason
		}
		emit(llm.NewFinalChunk(reason, lastUsage))
		llm.LogUsage(model, lastUsage)
	}()

	select {
	case err := <-startResultCh:
		if err != nil {
			return nil, err
		}
		return chunkCh, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func normalizeFinishReason(r genai.FinishReason) string {
	switch r {
	case genai.FinishReasonStop:
		return llm.StopReasonStop
	case genai.FinishReasonMaxTokens:
		return llm.StopReasonLength
	default:
		return string(r)
	}
}

// convertMessages converts message list to GenAI format
func (g *GeminiClient) convertMessages(messages []llm.Message) ([]*genai.Content, *genai.Content) {
	var genaiContents []*genai.Content
	var systemInstruction *genai.Content

	for _, msg := range messages {
		if msg.Role == "system" {
			if text := msg.GetTextContent(); text != "" {
				if systemInstruction == nil {
					systemInstruction = &genai.Content{}
				}
				systemInstruction.Parts = append(systemInstruction.Parts, &genai.Part{Text: text})
			}
			continue
		}

		role := "user"
		if msg.Role == "assistant" {
			role = "model"
		}

		var parts []*genai.Part
		for _, block := range msg.Content {
			if block.Text == "" {
				continue
			}
			switch block.Type {
			case llm.BlockTypeText:
				parts = append(parts, &genai.Part{Text: block.Text})
			case llm.BlockTypeThinking:
				parts = append(parts, &genai.Part{Text: block.Text, Thought: true})
			}
		}

		if len(parts) > 0 {
			genaiContents = append(genaiContents, &genai.Content{
				Role:  role,
				Parts: parts,
			})
		}
	}

	return genaiContents, systemInstruction
}

// IsTransientError implements the llm.LLMClient interface
func (g *GeminiClient) IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	errMsg := strings.ToLower(err.Error())

	// 1. Google API common 503 Service Unavailable / Overloaded
	if strings.Contains(errMsg, "503") || strings.Contains(errMsg, "overloaded") {
		return true
	}

	// 2. 429 Too Many Requests (Rate Limit)
	if strings.Contains(errMsg, "429") || strings.Contains(errMsg, "resource exhausted") {
		return true
	}

	// 3. 500 Internal Error (Occasional Google Gemini crashes)
	if strings.Contains(errMsg, "500") || strings.Contains(errMsg, "internal error") {
		return true
	}

	return false
}
