package agent

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
)

// Model output is parsed in two stages. Stage one strips code fences, slices
// the first '{' to the last '}' and decodes strictly. Stage two salvages
// individual fields with regexes plus a balanced-brace scan for embedded
// invocation objects. Neither stage panics on garbage input.

var (
	fencePattern = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*(.*?)```")

	requiresToolsPattern    = regexp.MustCompile(`"requiresTools"\s*:\s*(true|false)`)
	directResponsePattern   = regexp.MustCompile(`"directResponse"\s*:\s*("(?:[^"\\]|\\.)*")`)
	reasoningPattern        = regexp.MustCompile(`"reasoning"\s*:\s*("(?:[^"\\]|\\.)*")`)
	recoveryPossiblePattern = regexp.MustCompile(`"recoveryPossible"\s*:\s*(true|false)`)
	confidencePattern       = regexp.MustCompile(`"confidence"\s*:\s*"?([0-9]*\.?[0-9]+)`)
	userQuestionPattern     = regexp.MustCompile(`"userQuestion"\s*:\s*("(?:[^"\\]|\\.)*")`)
)

var errNoObject = errors.New("no JSON object in model output")

// maxScannedObjects bounds the salvage scan on pathological input.
const maxScannedObjects = 256

type wireInvocation struct {
	Tool      string     `json:"tool"`
	Args      *Arguments `json:"args"`
	Reasoning string     `json:"reasoning"`
	Priority  float64    `json:"priority"`
}

func (w wireInvocation) toInvocation() ToolInvocation {
	args := w.Args
	if args == nil {
		args = NewArguments()
	}
	return ToolInvocation{
		Tool:      strings.TrimSpace(w.Tool),
		Args:      args,
		Reasoning: w.Reasoning,
		Priority:  int(w.Priority),
	}
}

type wireDecision struct {
	RequiresTools  *bool            `json:"requiresTools"`
	Invocations    []wireInvocation `json:"invocations"`
	DirectResponse *string          `json:"directResponse"`
	Reasoning      string           `json:"reasoning"`
}

type wireRecovery struct {
	RecoveryPossible *bool            `json:"recoveryPossible"`
	Reasoning        string           `json:"reasoning"`
	Alternatives     []wireInvocation `json:"alternatives"`
	UserQuestion     *string          `json:"userQuestion"`
	Confidence       float64          `json:"confidence"`
}

// stripFences returns the body of the first fenced block, or the input with
// stray fence markers removed.
func stripFences(s string) string {
	if m := fencePattern.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(strings.ReplaceAll(s, "```", ""))
}

// sliceObject cuts s down to first '{' .. last '}'.
func sliceObject(s string) (string, error) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", errNoObject
	}
	return s[start : end+1], nil
}

func decodeStrict(raw string, out any) error {
	obj, err := sliceObject(stripFences(raw))
	if err != nil {
		// 有時 fence 內只是說明文字，JSON 在 fence 外
		if obj, err = sliceObject(raw); err != nil {
			return err
		}
	}
	return json.Unmarshal([]byte(obj), out)
}

// ParseDecision turns raw model output into a Decision. ok is false when
// nothing at all could be recovered; the returned Decision is then the
// safe default (no tools, no direct response).
func ParseDecision(raw string) (Decision, bool) {
	var w wireDecision
	if err := decodeStrict(raw, &w); err == nil && w.RequiresTools != nil {
		return w.toDecision(), true
	}
	return salvageDecision(raw)
}

func (w wireDecision) toDecision() Decision {
	d := Decision{
		DirectResponse: w.DirectResponse,
		ReasoningTrace: w.Reasoning,
	}
	if w.RequiresTools != nil {
		d.RequiresTools = *w.RequiresTools
	}
	for _, wi := range w.Invocations {
		if inv := wi.toInvocation(); inv.Tool != "" {
			d.Invocations = append(d.Invocations, inv)
		}
	}
	return d
}

func salvageDecision(raw string) (Decision, bool) {
	var d Decision
	found := false

	if m := requiresToolsPattern.FindStringSubmatch(raw); m != nil {
		d.RequiresTools = m[1] == "true"
		found = true
	}
	if s, ok := salvageString(directResponsePattern, raw); ok {
		d.DirectResponse = &s
		found = true
	}
	if s, ok := salvageString(reasoningPattern, raw); ok {
		d.ReasoningTrace = s
	}

	invs := salvageInvocations(raw)
	if len(invs) > 0 {
		d.Invocations = invs
		// 有 invocation 但缺 requiresTools 時推定需要工具
		if requiresToolsPattern.FindStringIndex(raw) == nil {
			d.RequiresTools = true
		}
		found = true
	}

	if !found {
		return Decision{}, false
	}
	return d, true
}

// ParseRecovery turns raw model output into a RecoveryStrategy. ok is false
// when nothing could be recovered.
func ParseRecovery(raw string) (RecoveryStrategy, bool) {
	var w wireRecovery
	if err := decodeStrict(raw, &w); err == nil && w.RecoveryPossible != nil {
		r := RecoveryStrategy{
			RecoveryPossible: *w.RecoveryPossible,
			Reasoning:        w.Reasoning,
			UserQuestion:     w.UserQuestion,
			Confidence:       w.Confidence,
		}
		for _, wi := range w.Alternatives {
			if inv := wi.toInvocation(); inv.Tool != "" {
				r.Alternatives = append(r.Alternatives, inv)
			}
		}
		return r, true
	}
	return salvageRecovery(raw)
}

func salvageRecovery(raw string) (RecoveryStrategy, bool) {
	var r RecoveryStrategy
	m := recoveryPossiblePattern.FindStringSubmatch(raw)
	if m == nil {
		return RecoveryStrategy{}, false
	}
	r.RecoveryPossible = m[1] == "true"

	if c := confidencePattern.FindStringSubmatch(raw); c != nil {
		if f, err := strconv.ParseFloat(c[1], 64); err == nil {
			r.Confidence = f
		}
	}
	if s, ok := salvageString(userQuestionPattern, raw); ok {
		r.UserQuestion = &s
	}
	if s, ok := salvageString(reasoningPattern, raw); ok {
		r.Reasoning = s
	}
	r.Alternatives = salvageInvocations(raw)
	return r, true
}

func salvageString(p *regexp.Regexp, raw string) (string, bool) {
	m := p.FindStringSubmatch(raw)
	if m == nil {
		return "", false
	}
	var s string
	if err := json.Unmarshal([]byte(m[1]), &s); err != nil {
		// 無效的跳脫字元，退回去掉引號的原文
		return strings.Trim(m[1], `"`), true
	}
	return s, true
}

// salvageInvocations decodes every balanced {...} object that carries a
// non-empty "tool" field. Objects nested inside an accepted invocation (its
// args) are skipped.
func salvageInvocations(raw string) []ToolInvocation {
	var out []ToolInvocation
	acceptedEnd := -1
	for _, sp := range balancedSpans(raw) {
		if sp.start < acceptedEnd {
			continue
		}
		obj := raw[sp.start:sp.end]
		if !strings.Contains(obj, `"tool"`) {
			continue
		}
		var w wireInvocation
		if err := json.Unmarshal([]byte(obj), &w); err != nil {
			continue
		}
		if inv := w.toInvocation(); inv.Tool != "" {
			out = append(out, inv)
			acceptedEnd = sp.end
		}
	}
	return out
}

type span struct{ start, end int }

// balancedSpans returns the [start,end) range of every brace-balanced
// substring of s that starts at a '{', outer objects before the objects
// nested in them. Braces inside JSON strings are ignored.
func balancedSpans(s string) []span {
	var out []span
	inString, escaped := false, false
	for i := 0; i < len(s) && len(out) < maxScannedObjects; i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			if end := matchBrace(s, i); end > 0 {
				out = append(out, span{start: i, end: end + 1})
			}
		}
	}
	return out
}

func matchBrace(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
