package agent

import (
	"fmt"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDecisionBare(t *testing.T) {
	d, ok := ParseDecision(`{"requiresTools": true, "reasoning": "need the page",
		"invocations": [{"tool": "fetch", "args": {"url": "https://slashdot.org", "depth": 1}, "reasoning": "download"}],
		"directResponse": null}`)
	require.True(t, ok)
	assert.True(t, d.RequiresTools)
	assert.Nil(t, d.DirectResponse)
	assert.Equal(t, "need the page", d.ReasoningTrace)
	require.Len(t, d.Invocations, 1)
	assert.Equal(t, "fetch", d.Invocations[0].Tool)
	assert.Equal(t, []string{"url", "depth"}, d.Invocations[0].Args.Keys())
	assert.Equal(t, "download", d.Invocations[0].Reasoning)
}

func TestParseDecisionFencedDirectResponse(t *testing.T) {
	d, ok := ParseDecision("```json\n{\"requiresTools\":false,\"directResponse\":\"Hi!\"}\n```")
	require.True(t, ok)
	assert.False(t, d.RequiresTools)
	require.NotNil(t, d.DirectResponse)
	assert.Equal(t, "Hi!", *d.DirectResponse)
}

func TestParseDecisionSalvage(t *testing.T) {
	// trailing comma and an unquoted value break strict decoding
	raw := `Sure! {"requiresTools": true, "reasoning": "look it up",
		"invocations": [{"tool": "fetch", "args": {"url": "https://a.test"}}, {"tool": "extract", "args": {}},],
		"directResponse": nope}`
	d, ok := ParseDecision(raw)
	require.True(t, ok)
	assert.True(t, d.RequiresTools)
	assert.Equal(t, "look it up", d.ReasoningTrace)
	require.Len(t, d.Invocations, 2)
	assert.Equal(t, "fetch", d.Invocations[0].Tool)
	url, _ := d.Invocations[0].Args.Get("url")
	assert.Equal(t, "https://a.test", url)
	assert.Equal(t, "extract", d.Invocations[1].Tool)
}

func TestParseDecisionSalvageInfersRequiresTools(t *testing.T) {
	d, ok := ParseDecision(`plan: {"tool": "clock", "args": {"tz": "UTC"}} then done`)
	require.True(t, ok)
	assert.True(t, d.RequiresTools)
	require.Len(t, d.Invocations, 1)
}

func TestParseDecisionSalvageDirectResponse(t *testing.T) {
	d, ok := ParseDecision(`{"requiresTools": false, "directResponse": "Line one\nsays \"hi\"", oops}`)
	require.True(t, ok)
	require.NotNil(t, d.DirectResponse)
	assert.Equal(t, "Line one\nsays \"hi\"", *d.DirectResponse)
}

func TestParseDecisionTotalFailure(t *testing.T) {
	for _, raw := range []string{"", "I think you should check the weather.", "{{{", "```\n```", "}{"} {
		d, ok := ParseDecision(raw)
		assert.False(t, ok, raw)
		assert.False(t, d.RequiresTools)
		assert.Nil(t, d.DirectResponse)
		assert.Empty(t, d.Invocations)
	}
}

func TestParseRecovery(t *testing.T) {
	r, ok := ParseRecovery("```json\n" + `{"recoveryPossible": true, "reasoning": "try mobile",
		"alternatives": [{"tool": "fetch", "args": {"url": "https://m.a.test"}, "priority": 2},
		                 {"tool": "fetch", "args": {"url": "https://b.test"}, "priority": 1.0}],
		"userQuestion": null, "confidence": 0.6}` + "\n```")
	require.True(t, ok)
	assert.True(t, r.RecoveryPossible)
	assert.InDelta(t, 0.6, r.Confidence, 1e-9)
	require.Len(t, r.Alternatives, 2)
	assert.Equal(t, 2, r.Alternatives[0].Priority)
	assert.Equal(t, 1, r.Alternatives[1].Priority)
	assert.Nil(t, r.UserQuestion)
}

func TestParseRecoverySalvage(t *testing.T) {
	r, ok := ParseRecovery(`{"recoveryPossible": false, "confidence": "0.35", "userQuestion": "Which city?", }`)
	require.True(t, ok)
	assert.False(t, r.RecoveryPossible)
	assert.InDelta(t, 0.35, r.Confidence, 1e-9)
	require.NotNil(t, r.UserQuestion)
	assert.Equal(t, "Which city?", *r.UserQuestion)

	_, ok = ParseRecovery("no idea")
	assert.False(t, ok)
}

func TestBalancedObjectsIgnoresBracesInStrings(t *testing.T) {
	s := `x {"a": "}{", "b": {"c": 1}} y`
	spans := balancedSpans(s)
	require.Len(t, spans, 2)
	assert.Equal(t, `{"a": "}{", "b": {"c": 1}}`, s[spans[0].start:spans[0].end])
	assert.Equal(t, `{"c": 1}`, s[spans[1].start:spans[1].end])
}

func TestSalvageSkipsObjectsInsideArgs(t *testing.T) {
	raw := `oops {"requiresTools": true, "invocations": [
		{"tool": "x", "args": {"tool": "y", "nested": {"tool": "z"}}},
		{"tool": "w", "args": {}},
	]}`
	d, ok := ParseDecision(raw)
	require.True(t, ok)
	require.Len(t, d.Invocations, 2)
	assert.Equal(t, "x", d.Invocations[0].Tool)
	assert.Equal(t, "w", d.Invocations[1].Tool)
	inner, _ := d.Invocations[0].Args.Get("tool")
	assert.Equal(t, "y", inner)
}

func TestFencedWithProseParsesLikeBare(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("prose + fences do not change the decision", prop.ForAll(
		func(requires bool, tool, url, answer, prose string) bool {
			bare := fmt.Sprintf(`{"requiresTools": %t, "invocations": [{"tool": %s, "args": {"url": %s}, "reasoning": "r"}], "directResponse": %s}`,
				requires, quote(tool), quote(url), quote(answer))
			fenced := prose + "\n```json\n" + bare + "\n```\n" + strings.ReplaceAll(prose, "{", "")

			a, okA := ParseDecision(bare)
			b, okB := ParseDecision(fenced)
			if !okA || !okB || a.RequiresTools != b.RequiresTools || len(a.Invocations) != len(b.Invocations) {
				return false
			}
			if *a.DirectResponse != *b.DirectResponse {
				return false
			}
			for i := range a.Invocations {
				ua, _ := a.Invocations[i].Args.Get("url")
				ub, _ := b.Invocations[i].Args.Get("url")
				if a.Invocations[i].Tool != b.Invocations[i].Tool || ua != ub {
					return false
				}
			}
			return true
		},
		gen.Bool(),
		gen.Identifier(),
		gen.AlphaString(),
		gen.AnyString(),
		gen.AlphaString().Map(func(s string) string { return "Here is my plan: " + s }),
	))

	properties.Property("parsing never panics", prop.ForAll(
		func(raw string) bool {
			ParseDecision(raw)
			ParseRecovery(raw)
			return true
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func TestArgumentsKeepOrderThroughJSON(t *testing.T) {
	a := ArgumentsFrom("z", 1, "a", "two", "m", true)
	b, err := json.Marshal(a)
	require.NoError(t, err)
	assert.Equal(t, `{"z":1,"a":"two","m":true}`, string(b))

	var back Arguments
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, []string{"z", "a", "m"}, back.Keys())

	b, err = json.Marshal(NewArguments())
	require.NoError(t, err)
	assert.Equal(t, "{}", string(b))
}
