package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"pocketmind/pkg/llm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

func TestConvertMessagesSplitsSystemInstruction(t *testing.T) {
	g := &GeminiClient{}
	contents, sys := g.convertMessages([]llm.Message{
		llm.NewSystemMessage("be brief"),
		llm.NewUserMessage("hi"),
		{Role: "assistant", Content: []llm.ContentBlock{llm.NewThinkingBlock("hmm"), llm.NewTextBlock("hello")}},
		llm.NewUserMessage(""),
	})

	require.NotNil(t, sys)
	assert.Equal(t, "be brief", sys.Parts[0].Text)
	require.Len(t, contents, 2)
	assert.Equal(t, "user", contents[0].Role)
	assert.Equal(t, "model", contents[1].Role)
	assert.True(t, contents[1].Parts[0].Thought)
	assert.Equal(t, "hello", contents[1].Parts[1].Text)
}

func TestGenerateConfigMapsOptions(t *testing.T) {
	g := &GeminiClient{useThought: true}
	cfg := g.generateConfig(nil, llm.Options{Temperature: llm.Temp(0.25), MaxTokens: 256, JSON: true})

	require.NotNil(t, cfg.Temperature)
	assert.InDelta(t, 0.25, *cfg.Temperature, 1e-6)
	assert.EqualValues(t, 256, cfg.MaxOutputTokens)
	assert.Equal(t, "application/json", cfg.ResponseMIMEType)
	require.NotNil(t, cfg.ThinkingConfig)
	assert.True(t, cfg.ThinkingConfig.IncludeThoughts)
}

func TestStreamChatAgainstFakeEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"role\":\"model\",\"parts\":[{\"text\":\"weighing\",\"thought\":true}]}}]}\n\n")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"role\":\"model\",\"parts\":[{\"text\":\"Answer\"}]},\"finishReason\":\"STOP\"}],\"usageMetadata\":{\"promptTokenCount\":3,\"candidatesTokenCount\":1,\"totalTokenCount\":4}}\n\n")
	}))
	defer srv.Close()

	g, err := NewGeminiClient(context.Background(), "key", "gemini-test", true, &genai.ClientConfig{
		HTTPOptions: genai.HTTPOptions{BaseURL: srv.URL},
	})
	require.NoError(t, err)

	out, err := llm.Generate(context.Background(), g, []llm.Message{llm.NewUserMessage("q")}, llm.Options{})
	require.NoError(t, err)
	assert.Equal(t, "Answer", out.Text)
	assert.Equal(t, "weighing", out.Thinking)
	require.NotNil(t, out.Usage)
	assert.Equal(t, 4, out.Usage.TotalTokens)
}

func TestIsTransientError(t *testing.T) {
	g := &GeminiClient{}
	assert.True(t, g.IsTransientError(errors.New("Error 503, Message: The model is overloaded")))
	assert.True(t, g.IsTransientError(errors.New("RESOURCE EXHAUSTED")))
	assert.False(t, g.IsTransientError(errors.New("Error 400, API key not valid")))
}
