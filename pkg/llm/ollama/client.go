package ollama

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"pocketmind/pkg/llm"

	"github.com/ollama/ollama/api"
)

// OllamaClient Ollama API client
type OllamaClient struct {
	client       *api.Client
	model        string
	options      map[string]any
	debugEnabled bool
}

// SetDebug implements llm.DebugSetter
func (o *OllamaClient) SetDebug(enabled bool) {
	o.debugEnabled = enabled
}

// NewOllamaClient creates an Ollama client
func NewOllamaClient(model string, baseURL string, options map[string]any) (*OllamaClient, error) {
	// Custom Transport to ensure no timeouts are imposed by the client;
	// the engine bounds every call through its context instead.
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	customClient := &http.Client{
		Transport: &JSONFixingRoundTripper{Proxied: transport},
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	slog.Info("Ollama client initialized", "model", model, "base_url", baseURL)

	return &OllamaClient{
		client:  api.NewClient(u, customClient),
		model:   model,
		options: options,
	}, nil
}

func (o *OllamaClient) Provider() string {
	return "ollama"
}

// requestOptions merges the group options with the per-call overrides.
func (o *OllamaClient) requestOptions(opts llm.Options) map[string]any {
	merged := make(map[string]any, len(o.options)+2)
	maps.Copy(merged, o.options)
	// thinking_effort is our unified key, Ollama takes `think` on the request instead
	delete(merged, "thinking_effort")
	if opts.Temperature != nil {
		merged["temperature"] = *opts.Temperature
	}
	if opts.MaxTokens > 0 {
		merged["num_predict"] = opts.MaxTokens
	}
	return merged
}

func (o *OllamaClient) StreamChat(ctx context.Context, messages []llm.Message, opts llm.Options) (<-chan llm.StreamChunk, error) {
	apiMessages := o.convertMessages(messages)

	model := o.model
	if opts.Model != "" {
		model = opts.Model
	}

	chunkCh := make(chan llm.StreamChunk, 100)
	startResultCh := make(chan error, 1)

	go func() {
		defer close(chunkCh)

		streamVal := true
		req := &api.ChatRequest{
			Model:    model,
			Messages: apiMessages,
			Options:  o.requestOptions(opts),
			Stream:   &streamVal,
		}
		if opts.JSON {
			req.Format = []byte(`"json"`)
		}

		started := false
		var thoughtsCount int

		debugger := llm.NewStreamDebugger(ctx, "ollama", o.debugEnabled)
		defer debugger.Close()

		chunkIdx := 0

		err := o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
			chunkIdx++
			debugger.WriteJSON(resp)

			// First callback indicates success
			if !started {
				started = true
				startResultCh <- nil
			}

			if resp.Message.Thinking != "" {
				thoughtsCount++
				if !send(ctx, chunkCh, llm.NewThinkingChunk(resp.Message.Thinking)) {
					return ctx.Err()
				}
			}

			if resp.Message.Content != "" {
				if !send(ctx, chunkCh, llm.NewTextChunk(resp.Message.Content)) {
					return ctx.Err()
				}
			}

			if resp.Done {
				usage := &llm.LLMUsage{
					PromptTokens:     resp.PromptEvalCount,
					CompletionTokens: resp.EvalCount,
					TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
					ThoughtsTokens:   thoughtsCount,
					StopReason:       resp.DoneReason,
				}

				if resp.DoneReason == llm.StopReasonLength {
					slog.WarnContext(ctx, "Response truncated due to length", "provider", "ollama")
				}

				send(ctx, chunkCh, llm.NewFinalChunk(resp.DoneReason, usage))
				llm.LogUsage(model, usage)
			}

			return nil
		})

		if err != nil {
			slog.ErrorContext(ctx, "Stream error", "provider", "ollama", "model", model, "chunks", chunkIdx, "error", err)
			if !started {
				startResultCh <- err
				return
			}
			send(ctx, chunkCh, llm.NewErrorChunk(fmt.Sprintf("Stream interrupted: %v", err), err, true))
		} else if !started {
			startResultCh <- nil
		}
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

// send delivers a chunk unless the consumer is gone.
func send(ctx context.Context, ch chan<- llm.StreamChunk, c llm.StreamChunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// convertMessages converts messages to Ollama API format
func (o *OllamaClient) convertMessages(messages []llm.Message) []api.Message {
	ollamaMsgs := make([]api.Message, 0, len(messages))

	for _, m := range messages {
		ollamaMsgs = append(ollamaMsgs, api.Message{
			Role:     m.Role,
			Content:  m.GetTextContent(),
			Thinking: m.GetThinkingContent(),
		})
	}

	return ollamaMsgs
}

// IsTransientError implements the llm.LLMClient interface
func (o *OllamaClient) IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	errMsg := strings.ToLower(err.Error())

	// 1. Connection related errors (Connection refused, reset)
	if strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "connection reset") {
		return true
	}

	// 2. High load / model still loading
	if strings.Contains(errMsg, "overloaded") || strings.Contains(errMsg, "server busy") {
		return true
	}

	return false
}

//----------------------------------------------------------------
// JSONFixingRoundTripper - Interceptor that fixes illegal JSON escapes
//----------------------------------------------------------------

// JSONFixingRoundTripper intercepts response and fixes illegal escapes (e.g., \$)
// that small local models occasionally emit inside the NDJSON stream.
type JSONFixingRoundTripper struct {
	Proxied http.RoundTripper
}

func (j *JSONFixingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := j.Proxied.RoundTrip(req)
	if err != nil {
		return resp, err
	}

	ct := resp.Header.Get("Content-Type")
	if strings.Contains(ct, "application/json") || strings.Contains(ct, "application/x-ndjson") {
		resp.Body = &jsonFixingReadCloser{body: resp.Body}
	}
	return resp, nil
}

type jsonFixingReadCloser struct {
	body io.ReadCloser
}

var illegalEscapeRegex = regexp.MustCompile(`\\([^\/\\bfnrtu"])`)

func (j *jsonFixingReadCloser) Read(p []byte) (n int, err error) {
	n, err = j.body.Read(p)
	if n > 0 {
		content := string(p[:n])
		fixed := illegalEscapeRegex.ReplaceAllString(content, "$1")
		if len(fixed) < len(content) {
			// only single backslashes are removed, so the result always fits in p
			copy(p, fixed)
			n = len(fixed)
		}
	}
	return n, err
}

func (j *jsonFixingReadCloser) Close() error {
	return j.body.Close()
}
