package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"pocketmind/pkg/llm"
	"pocketmind/pkg/tools"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	decideModel  = "decide"
	recoverModel = "recover"
	synthModel   = "synth"
)

// reply is one scripted model answer.
type reply struct {
	chunks []llm.StreamChunk
	err    error
	hang   bool
}

func text(parts ...string) reply {
	r := reply{}
	for _, p := range parts {
		r.chunks = append(r.chunks, llm.NewTextChunk(p))
	}
	r.chunks = append(r.chunks, llm.NewFinalChunk(llm.StopReasonStop, nil))
	return r
}

// fakeLLM answers by Options.Model. The last reply of a model repeats.
type fakeLLM struct {
	mu      sync.Mutex
	scripts map[string][]reply
	calls   map[string]int
	prompts map[string][]string
}

func newFakeLLM() *fakeLLM {
	return &fakeLLM{
		scripts: map[string][]reply{},
		calls:   map[string]int{},
		prompts: map[string][]string{},
	}
}

func (f *fakeLLM) on(model string, replies ...reply) *fakeLLM {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[model] = append(f.scripts[model], replies...)
	return f
}

func (f *fakeLLM) callsOf(model string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[model]
}

func (f *fakeLLM) promptsOf(model string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prompts[model]...)
}

func (f *fakeLLM) StreamChat(ctx context.Context, messages []llm.Message, opts llm.Options) (<-chan llm.StreamChunk, error) {
	f.mu.Lock()
	f.calls[opts.Model]++
	var sb strings.Builder
	for _, m := range messages {
		sb.WriteString(m.GetTextContent())
		sb.WriteString("\n")
	}
	f.prompts[opts.Model] = append(f.prompts[opts.Model], sb.String())

	r := text("ok")
	if q := f.scripts[opts.Model]; len(q) > 0 {
		r = q[0]
		if len(q) > 1 {
			f.scripts[opts.Model] = q[1:]
		}
	}
	f.mu.Unlock()

	if r.err != nil {
		return nil, r.err
	}

	ch := make(chan llm.StreamChunk)
	go func() {
		defer close(ch)
		if r.hang {
			<-ctx.Done()
			return
		}
		for _, c := range r.chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (f *fakeLLM) IsTransientError(error) bool { return false }

// scriptTool is a configurable in-memory tool.
type scriptTool struct {
	name     string
	io       tools.IO
	params   map[string]any
	required []string
	run      func(ctx context.Context, args map[string]any) (*tools.Result, error)

	mu   sync.Mutex
	seen []map[string]any
}

func (s *scriptTool) Name() string                 { return s.name }
func (s *scriptTool) Description() string          { return "test tool " + s.name }
func (s *scriptTool) RiskLevel() tools.RiskLevel   { return tools.RiskLow }
func (s *scriptTool) Parameters() map[string]any   { return s.params }
func (s *scriptTool) RequiredParameters() []string { return s.required }
func (s *scriptTool) IO() tools.IO                 { return s.io }

func (s *scriptTool) Execute(ctx context.Context, args map[string]any) (*tools.Result, error) {
	s.mu.Lock()
	s.seen = append(s.seen, args)
	s.mu.Unlock()
	return s.run(ctx, args)
}

func (s *scriptTool) calls() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.seen...)
}

func ok(out string) (*tools.Result, error) {
	return &tools.Result{Success: true, Output: out}, nil
}

// fetchTool serves pages by url; unknown urls get a 404 page.
func fetchTool(pages map[string]string) *scriptTool {
	return &scriptTool{
		name:     "fetch",
		io:       tools.IO{Class: tools.ClassFetch, Produces: "html"},
		params:   map[string]any{"url": map[string]any{"type": "string"}},
		required: []string{"url"},
		run: func(ctx context.Context, args map[string]any) (*tools.Result, error) {
			url, _ := args["url"].(string)
			if page, found := pages[url]; found {
				return ok(page)
			}
			return ok("HTTP 404 Not Found\n<html><body>nothing at " + url + "</body></html>")
		},
	}
}

func extractTool(fn func(html string) string) *scriptTool {
	return &scriptTool{
		name:     "extract",
		io:       tools.IO{Class: tools.ClassExtraction, Consumes: "html", Produces: "text", Slot: "html"},
		params:   map[string]any{"html": map[string]any{"type": "string"}},
		required: []string{"html"},
		run: func(ctx context.Context, args map[string]any) (*tools.Result, error) {
			h, _ := args["html"].(string)
			return ok(fn(h))
		},
	}
}

func genericTool(name string, run func(ctx context.Context, args map[string]any) (*tools.Result, error)) *scriptTool {
	return &scriptTool{name: name, run: run}
}

func failingTool(name string) *scriptTool {
	return genericTool(name, func(context.Context, map[string]any) (*tools.Result, error) {
		return nil, errors.New("device offline")
	})
}

func newRegistry(t *testing.T, ts ...tools.Tool) *tools.ToolRegistry {
	t.Helper()
	reg := tools.NewToolRegistry()
	if err := reg.Register(ts...); err != nil {
		t.Fatal(err)
	}
	return reg
}

func testSettings() Settings {
	s := DefaultSettings()
	s.DecisionModel = decideModel
	s.RecoveryModel = recoverModel
	s.SynthesisModel = synthModel
	s.LLMTimeout = 2 * time.Second
	s.ToolTimeout = time.Second
	return s
}

// stateRecorder collects the state of every transition.
type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) observe(t Turn) {
	r.mu.Lock()
	r.states = append(r.states, t.State)
	r.mu.Unlock()
}

func (r *stateRecorder) get() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

// memStore is an in-test TurnStore.
type memStore struct {
	mu    sync.Mutex
	turns []Turn
}

func (s *memStore) Save(_ context.Context, t Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, t)
	return nil
}

func (s *memStore) LoadRecent(_ context.Context, conv string, limit int) ([]Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Turn
	for _, t := range s.turns {
		if t.ConversationID == conv {
			out = append(out, t)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func decisionJSON(invocations ...string) string {
	return fmt.Sprintf(`{"requiresTools": true, "reasoning": "need data", "invocations": [%s], "directResponse": null}`, strings.Join(invocations, ","))
}
