// Package validator judges whether a tool's output is usable. Checks are
// local string heuristics: no model call, no I/O, same input same verdict.
package validator

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"pocketmind/pkg/tools"
)

// Thresholds are the tunable knobs of the heuristics. They have no empirical
// basis beyond "works on the pages we tried"; tune them from system.json.
type Thresholds struct {
	// MinOutputChars 低於此字數視為近乎空白的結果
	MinOutputChars int
	// MaxCodeMarkers 程式碼標記數超過此值才可能判為無效
	MaxCodeMarkers int
	// MinContentMarkers 內容標記數低於此值才可能判為無效
	MinContentMarkers int
	// CodeCheckMinChars 短片段不做程式碼比例檢查
	CodeCheckMinChars int
}

const (
	DefaultMinOutputChars    = 40
	DefaultMaxCodeMarkers    = 5
	DefaultMinContentMarkers = 3
	DefaultCodeCheckMinChars = 1000
)

// DefaultThresholds returns the stock heuristics.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinOutputChars:    DefaultMinOutputChars,
		MaxCodeMarkers:    DefaultMaxCodeMarkers,
		MinContentMarkers: DefaultMinContentMarkers,
		CodeCheckMinChars: DefaultCodeCheckMinChars,
	}
}

// CodeMarkers look like markup or script rather than prose. Matching is
// case-insensitive and counts every occurrence.
var CodeMarkers = []string{
	"<script",
	"<style",
	"function(",
	"function (",
	"=>",
	"var ",
	"document.",
	"window.",
	"@media",
	"{\"",
	"<div",
	"class=\"",
}

// ContentMarkers look like article text.
var ContentMarkers = []string{
	"<p>",
	"<p ",
	"<article",
	"<h1",
	"<h2",
	"<h3",
	"<li",
	"\n\n",
	". ",
}

// ErrorMarkers mean a fetch returned an error page instead of content.
var ErrorMarkers = []string{
	"404 not found",
	"page not found",
	"403 forbidden",
	"access denied",
	"internal server error",
	"bad gateway",
	"service unavailable",
	"connection refused",
	"no such host",
}

// errorStatusPattern matches the status line web_fetch puts in front of a
// non-2xx body, e.g. "HTTP error 429 Too Many Requests".
var errorStatusPattern = regexp.MustCompile(`^\s*http(?: error)? ([13-5]\d\d)\b`)

// Verdict is the validator's answer. Counts are filled for extraction checks.
type Verdict struct {
	Valid          bool
	Reason         string
	CodeMarkers    int
	ContentMarkers int
}

type Validator struct {
	t Thresholds
}

// New 建立 Validator；零值欄位使用預設值
func New(t Thresholds) *Validator {
	d := DefaultThresholds()
	if t.MinOutputChars <= 0 {
		t.MinOutputChars = d.MinOutputChars
	}
	if t.MaxCodeMarkers <= 0 {
		t.MaxCodeMarkers = d.MaxCodeMarkers
	}
	if t.MinContentMarkers <= 0 {
		t.MinContentMarkers = d.MinContentMarkers
	}
	if t.CodeCheckMinChars <= 0 {
		t.CodeCheckMinChars = d.CodeCheckMinChars
	}
	return &Validator{t: t}
}

func (v *Validator) Thresholds() Thresholds { return v.t }

// Validate judges output produced by tool (of the given class) for query.
// query is part of the contract so smarter checks can use it later; the
// current heuristics only look at the output.
func (v *Validator) Validate(class tools.Class, tool, output, query string) Verdict {
	switch class {
	case tools.ClassExtraction:
		return v.extraction(output)
	case tools.ClassFetch:
		return v.fetch(output)
	default:
		if strings.TrimSpace(output) == "" {
			return Verdict{Reason: fmt.Sprintf("%s returned nothing", tool)}
		}
		return Verdict{Valid: true}
	}
}

func (v *Validator) extraction(output string) Verdict {
	n := utf8.RuneCountInString(strings.TrimSpace(output))
	if n < v.t.MinOutputChars {
		return Verdict{Reason: fmt.Sprintf("output too short (%d < %d chars)", n, v.t.MinOutputChars)}
	}

	lower := strings.ToLower(output)
	code := Count(lower, CodeMarkers)
	content := Count(lower, ContentMarkers)
	verdict := Verdict{Valid: true, CodeMarkers: code, ContentMarkers: content}

	// 三個條件同時成立才判定為程式碼而非內容
	if code > v.t.MaxCodeMarkers && content < v.t.MinContentMarkers && n > v.t.CodeCheckMinChars {
		verdict.Valid = false
		verdict.Reason = fmt.Sprintf("looks like code, not content (%d code markers, %d content markers)", code, content)
	}
	return verdict
}

func (v *Validator) fetch(output string) Verdict {
	n := utf8.RuneCountInString(strings.TrimSpace(output))
	if n < v.t.MinOutputChars {
		return Verdict{Reason: fmt.Sprintf("output too short (%d < %d chars)", n, v.t.MinOutputChars)}
	}
	lower := strings.ToLower(output)
	for _, m := range ErrorMarkers {
		if strings.Contains(lower, m) {
			return Verdict{Reason: fmt.Sprintf("error marker %q in response", m)}
		}
	}
	if m := errorStatusPattern.FindStringSubmatch(lower); m != nil {
		return Verdict{Reason: fmt.Sprintf("HTTP status %s", m[1])}
	}
	return Verdict{Valid: true}
}

// Count sums the occurrences of every marker in s. s must already be lower case.
func Count(s string, markers []string) int {
	total := 0
	for _, m := range markers {
		total += strings.Count(s, m)
	}
	return total
}
