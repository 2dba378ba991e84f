package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"pocketmind/pkg/tools"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const slashdotHTML = `<html><body><article><h1>Slashdot</h1><p>Linux 7.0 released with a new scheduler.</p></article></body></html>`

const slashdotText = "Linux 7.0 released with a new scheduler. The maintainers say boot times dropped by a third.\n\nRust drivers landed too."

func newTestEngine(client *fakeLLM, reg *tools.ToolRegistry, rec *stateRecorder, opts ...Option) *Engine {
	all := append([]Option{WithSettings(testSettings())}, opts...)
	if rec != nil {
		all = append(all, WithObserver(rec.observe))
	}
	return New(client, reg, all...)
}

func TestScenarioDirectResponseInFences(t *testing.T) {
	client := newFakeLLM().on(decideModel, text("```json\n{\"requiresTools\":false,\"directResponse\":\"Hi!\"}\n```"))
	rec := &stateRecorder{}
	e := newTestEngine(client, newRegistry(t, fetchTool(nil)), rec)

	turn := e.Run(context.Background(), Request{ConversationID: "c1", Text: "hello"})

	assert.Equal(t, StateComplete, turn.State)
	assert.Equal(t, "Hi!", turn.FinalContent)
	assert.Empty(t, turn.ToolExecutions)
	assert.Equal(t, []State{StateThinking, StateComplete}, rec.get())
	assert.Equal(t, 0, client.callsOf(synthModel))
}

func TestNoToolsGoesStraightToSynthesis(t *testing.T) {
	client := newFakeLLM().
		on(decideModel, text(`{"requiresTools": false, "directResponse": null}`)).
		on(synthModel, text("<thi", "nk>user greets</think>Hel", "lo there"))
	rec := &stateRecorder{}
	e := newTestEngine(client, newRegistry(t, fetchTool(nil)), rec)

	turn := e.Run(context.Background(), Request{Text: "hey"})

	assert.Equal(t, "Hello there", turn.FinalContent)
	assert.Contains(t, turn.ReasoningTrace, "user greets")
	assert.NotContains(t, turn.FinalContent, "think")
	assert.Empty(t, turn.ToolExecutions)
	assert.Equal(t, []State{StateThinking, StateComplete}, rec.get())
}

func TestScenarioFetchThenExtract(t *testing.T) {
	fetch := fetchTool(map[string]string{"https://slashdot.org": slashdotHTML})
	extract := extractTool(func(string) string { return slashdotText })
	client := newFakeLLM().
		on(decideModel, text(decisionJSON(
			`{"tool": "fetch", "args": {"url": "https://slashdot.org"}, "reasoning": "get the page"}`,
			`{"tool": "extract", "args": {}, "reasoning": "read it"}`,
		))).
		on(synthModel, text("Top story: ", "Linux 7.0 released."))
	rec := &stateRecorder{}
	e := newTestEngine(client, newRegistry(t, fetch, extract), rec)

	turn := e.Run(context.Background(), Request{Text: "What's on Slashdot?"})

	require.Len(t, turn.ToolExecutions, 2)
	first, second := turn.ToolExecutions[0], turn.ToolExecutions[1]
	assert.True(t, first.Validated)
	assert.True(t, second.Validated)
	assert.True(t, second.Chained)
	html, _ := second.Args.Get("html")
	assert.Equal(t, slashdotHTML, html)
	assert.Equal(t, slashdotHTML, extract.calls()[0]["html"])

	assert.Equal(t, "Top story: Linux 7.0 released.", turn.FinalContent)
	assert.Equal(t, []State{StateThinking, StateExecutingTool, StateComplete}, rec.get())
	assert.Equal(t, 0, client.callsOf(recoverModel))
	assert.Contains(t, client.promptsOf(synthModel)[0], "Rust drivers landed too.")
}

func TestScenarioCodeHeavyExtractRecoversOnce(t *testing.T) {
	codeHeavy := strings.Repeat("<script>x</script>", 6) + "<p>" + strings.Repeat("z", 3000)
	fetch := fetchTool(map[string]string{"https://slashdot.org": slashdotHTML})
	extract := extractTool(func(string) string { return codeHeavy })
	client := newFakeLLM().
		on(decideModel, text(decisionJSON(
			`{"tool": "fetch", "args": {"url": "https://slashdot.org"}}`,
			`{"tool": "extract", "args": {}}`,
		))).
		on(recoverModel, text(`{"recoveryPossible": true, "reasoning": "page is script heavy",
			"alternatives": [{"tool": "fetch", "args": {"url": "https://m.slashdot.org"}, "reasoning": "mobile site", "priority": 1}],
			"userQuestion": null, "confidence": 0.6}`))
	e := newTestEngine(client, newRegistry(t, fetch, extract), nil)

	turn := e.Run(context.Background(), Request{Text: "What's on Slashdot?"})

	require.Len(t, turn.ToolExecutions, 3)
	assert.False(t, turn.ToolExecutions[1].Validated)
	assert.Contains(t, turn.ToolExecutions[1].ValidationReason, "code")

	retry := turn.ToolExecutions[2]
	assert.True(t, retry.Recovery)
	assert.Equal(t, "fetch", retry.Tool)
	url, _ := retry.Args.Get("url")
	assert.Equal(t, "https://m.slashdot.org", url)
	// the alternate url 404s, which fails validation again without a second recovery call
	assert.False(t, retry.Validated)

	assert.Equal(t, 1, client.callsOf(recoverModel))
	assert.Equal(t, 1, turn.RecoveryCycles)
	require.NotNil(t, turn.Recovery)
	assert.InDelta(t, 0.6, turn.Recovery.Confidence, 1e-9)
	assert.Equal(t, StateComplete, turn.State)

	// 替代頁面無效，extract 不重跑，也不做 synthesis
	assert.Len(t, extract.calls(), 1)
	assert.Equal(t, 0, client.callsOf(synthModel))
	assert.Contains(t, turn.FinalContent, "couldn't get usable results")
}

func TestExtractRunsAgainOnRecoveredPage(t *testing.T) {
	const desktop = `<html><body><div id="app"><p>Stories load after the scripts run on the desktop site.</p></div></body></html>`
	codeHeavy := strings.Repeat("<script>x</script>", 6) + "<p>" + strings.Repeat("z", 3000)
	fetch := fetchTool(map[string]string{
		"https://slashdot.org":   desktop,
		"https://m.slashdot.org": slashdotHTML,
	})
	extract := extractTool(func(html string) string {
		if html == slashdotHTML {
			return slashdotText
		}
		return codeHeavy
	})
	client := newFakeLLM().
		on(decideModel, text(decisionJSON(
			`{"tool": "fetch", "args": {"url": "https://slashdot.org"}}`,
			`{"tool": "extract", "args": {}}`,
		))).
		on(recoverModel, text(`{"recoveryPossible": true, "reasoning": "desktop site is scripts",
			"alternatives": [{"tool": "fetch", "args": {"url": "https://m.slashdot.org"}}], "confidence": 0.8}`)).
		on(synthModel, text("Linux 7.0 is out."))
	e := newTestEngine(client, newRegistry(t, fetch, extract), nil)

	turn := e.Run(context.Background(), Request{Text: "What's on Slashdot?"})

	require.Len(t, turn.ToolExecutions, 4)
	var order []string
	for _, r := range turn.ToolExecutions {
		order = append(order, r.Tool)
	}
	assert.Equal(t, []string{"fetch", "extract", "fetch", "extract"}, order)

	again := turn.ToolExecutions[3]
	assert.True(t, again.Recovery)
	assert.True(t, again.Chained)
	assert.True(t, again.Validated)
	require.Len(t, extract.calls(), 2)
	assert.Equal(t, slashdotHTML, extract.calls()[1]["html"])

	assert.Equal(t, 1, client.callsOf(recoverModel))
	assert.Equal(t, "Linux 7.0 is out.", turn.FinalContent)
	assert.Empty(t, turn.Error)
}

func TestValidFetchDoesNotHideFailedExtraction(t *testing.T) {
	codeHeavy := strings.Repeat("<script>x</script>", 6) + "<p>" + strings.Repeat("z", 3000)
	fetch := fetchTool(map[string]string{"https://slashdot.org": slashdotHTML})
	extract := extractTool(func(string) string { return codeHeavy })
	client := newFakeLLM().
		on(decideModel, text(decisionJSON(
			`{"tool": "fetch", "args": {"url": "https://slashdot.org"}}`,
			`{"tool": "extract", "args": {}}`,
		))).
		on(recoverModel, text(`{"recoveryPossible": false, "reasoning": "no lighter source known",
			"alternatives": [], "userQuestion": "Do you want the headlines or the comments?", "confidence": 0.3}`)).
		on(synthModel, text("should not be used"))
	e := newTestEngine(client, newRegistry(t, fetch, extract), nil)

	turn := e.Run(context.Background(), Request{Text: "What's on Slashdot?"})

	require.Len(t, turn.ToolExecutions, 2)
	assert.True(t, turn.ToolExecutions[0].Validated)
	assert.False(t, turn.ToolExecutions[1].Validated)

	assert.Equal(t, 0, client.callsOf(synthModel))
	assert.Contains(t, turn.FinalContent, "extract")
	assert.Contains(t, turn.FinalContent, "Do you want the headlines or the comments?")
	assert.Contains(t, turn.Error, "recovery_exhausted")
	assert.Equal(t, StateComplete, turn.State)
}

func TestLowConfidenceRecoverySurfacesQuestion(t *testing.T) {
	client := newFakeLLM().
		on(decideModel, text(decisionJSON(`{"tool": "fetch", "args": {"url": "https://nowhere.test"}}`))).
		on(recoverModel, text(`{"recoveryPossible": true, "alternatives": [{"tool": "fetch", "args": {"url": "https://x.test"}}],
			"userQuestion": "Which site did you mean?", "confidence": 0.2}`))
	e := newTestEngine(client, newRegistry(t, fetchTool(nil)), nil)

	turn := e.Run(context.Background(), Request{Text: "open nowhere"})

	require.Len(t, turn.ToolExecutions, 1)
	assert.Equal(t, 0, client.callsOf(synthModel))
	assert.Contains(t, turn.FinalContent, "couldn't get usable results")
	assert.Contains(t, turn.FinalContent, "Which site did you mean?")
	assert.Contains(t, turn.Error, "recovery_exhausted")
}

func TestUnparseableRecoveryFallsBackToQuestion(t *testing.T) {
	client := newFakeLLM().
		on(decideModel, text(decisionJSON(`{"tool": "fetch", "args": {"url": "https://nowhere.test"}}`))).
		on(recoverModel, text("sorry, I cannot help"))
	e := newTestEngine(client, newRegistry(t, fetchTool(nil)), nil)

	turn := e.Run(context.Background(), Request{Text: "open nowhere"})

	require.NotNil(t, turn.Recovery)
	assert.False(t, turn.Recovery.RecoveryPossible)
	assert.InDelta(t, FallbackConfidence, turn.Recovery.Confidence, 1e-9)
	assert.Contains(t, turn.FinalContent, GenericClarification)
}

func TestScenarioThrowingToolDoesNotStopChain(t *testing.T) {
	after := genericTool("clock", func(context.Context, map[string]any) (*tools.Result, error) { return ok("12:00") })
	panicky := genericTool("panicky", func(context.Context, map[string]any) (*tools.Result, error) { panic("nil map") })
	client := newFakeLLM().
		on(decideModel, text(decisionJSON(
			`{"tool": "battery", "args": {}}`,
			`{"tool": "panicky", "args": {}}`,
			`{"tool": "clock", "args": {}}`,
		))).
		on(synthModel, text("It is noon."))
	e := newTestEngine(client, newRegistry(t, failingTool("battery"), panicky, after), nil)

	turn := e.Run(context.Background(), Request{Text: "battery and time?"})

	require.Len(t, turn.ToolExecutions, 3)
	assert.False(t, turn.ToolExecutions[0].Success)
	assert.Contains(t, turn.ToolExecutions[0].Error, "device offline")
	assert.False(t, turn.ToolExecutions[1].Success)
	assert.Contains(t, turn.ToolExecutions[1].Error, "panicked")
	assert.True(t, turn.ToolExecutions[2].Validated)
	assert.Equal(t, 0, client.callsOf(recoverModel))
	assert.Equal(t, "It is noon.", turn.FinalContent)
}

func TestToolTimeoutBecomesFailedRecord(t *testing.T) {
	slow := genericTool("slow", func(ctx context.Context, _ map[string]any) (*tools.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	client := newFakeLLM().on(decideModel, text(decisionJSON(`{"tool": "slow", "args": {}}`)))
	s := testSettings()
	s.ToolTimeouts = map[string]time.Duration{"slow": 30 * time.Millisecond}
	e := New(client, newRegistry(t, slow), WithSettings(s))

	turn := e.Run(context.Background(), Request{Text: "go slow"})

	require.Len(t, turn.ToolExecutions, 1)
	assert.False(t, turn.ToolExecutions[0].Success)
	assert.Contains(t, turn.ToolExecutions[0].Error, "timed out")
	assert.Equal(t, StateComplete, turn.State)
}

func TestUnknownToolsAreDropped(t *testing.T) {
	client := newFakeLLM().
		on(decideModel, text(decisionJSON(`{"tool": "teleport", "args": {}}`))).
		on(synthModel, text("I can't teleport."))
	rec := &stateRecorder{}
	e := newTestEngine(client, newRegistry(t, fetchTool(nil)), rec)

	turn := e.Run(context.Background(), Request{Text: "beam me up"})

	assert.Empty(t, turn.ToolExecutions)
	assert.False(t, turn.Decision.RequiresTools)
	assert.Equal(t, "I can't teleport.", turn.FinalContent)
	assert.Equal(t, []State{StateThinking, StateComplete}, rec.get())
}

func TestTransportErrorForcesComplete(t *testing.T) {
	client := newFakeLLM().on(decideModel, reply{err: errors.New("dial tcp: connection refused")})
	e := newTestEngine(client, newRegistry(t, fetchTool(nil)), nil)

	turn := e.Run(context.Background(), Request{Text: "hi"})

	assert.Equal(t, StateComplete, turn.State)
	assert.Contains(t, turn.FinalContent, "unreachable")
	assert.Contains(t, turn.Error, "connection refused")
}

func TestLLMTimeoutForcesComplete(t *testing.T) {
	client := newFakeLLM().
		on(decideModel, text(`{"requiresTools": false}`)).
		on(synthModel, reply{hang: true})
	s := testSettings()
	s.LLMTimeout = 50 * time.Millisecond
	e := New(client, newRegistry(t, fetchTool(nil)), WithSettings(s))

	turn := e.Run(context.Background(), Request{Text: "hi"})

	assert.Equal(t, StateComplete, turn.State)
	assert.Contains(t, turn.FinalContent, "took too long")
	assert.Contains(t, turn.Error, context.DeadlineExceeded.Error())
}

func TestRecoveryTransportErrorIsFatal(t *testing.T) {
	client := newFakeLLM().
		on(decideModel, text(decisionJSON(`{"tool": "fetch", "args": {"url": "https://nowhere.test"}}`))).
		on(recoverModel, reply{err: errors.New("503 service unavailable")})
	e := newTestEngine(client, newRegistry(t, fetchTool(nil)), nil)

	turn := e.Run(context.Background(), Request{Text: "open nowhere"})

	assert.Equal(t, StateComplete, turn.State)
	assert.Len(t, turn.ToolExecutions, 1)
	assert.Contains(t, turn.FinalContent, "unreachable")
}

func TestUpdatesEndWithCompleteSnapshot(t *testing.T) {
	fetch := fetchTool(map[string]string{"https://slashdot.org": slashdotHTML})
	extract := extractTool(func(string) string { return slashdotText })
	client := newFakeLLM().
		on(decideModel, text(decisionJSON(
			`{"tool": "fetch", "args": {"url": "https://slashdot.org"}}`,
			`{"tool": "extract", "args": {}}`,
		))).
		on(synthModel, text("a", "b", "c"))
	e := newTestEngine(client, newRegistry(t, fetch, extract), nil)

	h := e.Start(context.Background(), Request{Text: "slashdot"})
	var last Turn
	prevRank := 0
	for snap := range h.Updates() {
		require.GreaterOrEqual(t, snap.State.rank(), prevRank)
		prevRank = snap.State.rank()
		last = snap
	}
	assert.Equal(t, StateComplete, last.State)
	assert.Equal(t, "abc", last.FinalContent)
	assert.Equal(t, h.ID, last.ID)
	assert.Equal(t, last.FinalContent, h.Result().FinalContent)
}

func TestSnapshotsAreIndependentCopies(t *testing.T) {
	client := newFakeLLM().
		on(decideModel, text(decisionJSON(`{"tool": "clock", "args": {"tz": "UTC"}}`))).
		on(synthModel, text("noon"))
	clock := genericTool("clock", func(context.Context, map[string]any) (*tools.Result, error) { return ok("12:00") })
	e := newTestEngine(client, newRegistry(t, clock), nil)

	h := e.Start(context.Background(), Request{Text: "time?"})
	first := h.Result()
	first.ToolExecutions[0].Args.Set("tz", "CET")
	first.Decision.Invocations[0].Args.Set("tz", "CET")
	first.ToolExecutions = append(first.ToolExecutions, ToolExecutionRecord{Tool: "ghost"})

	again := h.Result()
	require.Len(t, again.ToolExecutions, 1)
	tz, _ := again.ToolExecutions[0].Args.Get("tz")
	assert.Equal(t, "UTC", tz)
	tz, _ = again.Decision.Invocations[0].Args.Get("tz")
	assert.Equal(t, "UTC", tz)
}

func TestStoreSavesAndFeedsHistory(t *testing.T) {
	store := &memStore{}
	client := newFakeLLM().
		on(decideModel, text(`{"requiresTools": false, "directResponse": "Paris."}`), text(`{"requiresTools": false, "directResponse": "About 2 million."}`))
	e := newTestEngine(client, newRegistry(t, fetchTool(nil)), nil, WithStore(store))

	e.Run(context.Background(), Request{ConversationID: "web:1", Text: "Capital of France?"})
	e.Run(context.Background(), Request{ConversationID: "web:1", Text: "Population?"})

	require.Len(t, store.turns, 2)
	assert.Equal(t, StateComplete, store.turns[0].State)
	prompts := client.promptsOf(decideModel)
	require.Len(t, prompts, 2)
	assert.NotContains(t, prompts[0], "Conversation so far")
	assert.Contains(t, prompts[1], "User: Capital of France?")
	assert.Contains(t, prompts[1], "Assistant: Paris.")
}

func TestDisabledToolsSkipDecision(t *testing.T) {
	client := newFakeLLM().on(synthModel, text("plain answer"))
	s := testSettings()
	s.EnableTools = false
	e := New(client, newRegistry(t, fetchTool(nil)), WithSettings(s))

	turn := e.Run(context.Background(), Request{Text: "hi"})

	assert.Equal(t, 0, client.callsOf(decideModel))
	assert.Equal(t, "plain answer", turn.FinalContent)
}

func TestUpdateSettingsAppliesToNextTurn(t *testing.T) {
	e := New(newFakeLLM(), newRegistry(t), WithSettings(testSettings()))
	s := e.Settings()
	s.MaxRecoveryCycles = 3
	e.UpdateSettings(s)
	assert.Equal(t, 3, e.Settings().MaxRecoveryCycles)
}

func TestConcurrentTurns(t *testing.T) {
	clock := genericTool("clock", func(context.Context, map[string]any) (*tools.Result, error) { return ok("12:00") })
	client := newFakeLLM().
		on(decideModel, text(decisionJSON(`{"tool": "clock", "args": {}}`))).
		on(synthModel, text("noon"))
	e := newTestEngine(client, newRegistry(t, clock), nil)

	handles := make([]*TurnHandle, 8)
	for i := range handles {
		handles[i] = e.Start(context.Background(), Request{Text: "time?"})
	}
	e.Wait()
	for _, h := range handles {
		turn := h.Result()
		assert.Equal(t, StateComplete, turn.State)
		assert.Len(t, turn.ToolExecutions, 1)
	}
}
