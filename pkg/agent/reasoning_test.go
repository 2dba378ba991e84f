package agent

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestSplitReasoning(t *testing.T) {
	cases := []struct {
		in, visible, reasoning string
	}{
		{"plain answer", "plain answer", ""},
		{"<think>hmm</think>Answer", "Answer", "hmm"},
		{"A<thinking>x</thinking>B<reasoning>y</reasoning>C", "ABC", "xy"},
		{"<think>never closed", "", "never closed"},
		{"a < b and <thin", "a < b and <thin", ""},
		{"<think>a</thinking>b</think>c", "c", "a</thinking>b"},
	}
	for _, c := range cases {
		v, r := SplitReasoning(c.in)
		assert.Equal(t, c.visible, v, c.in)
		assert.Equal(t, c.reasoning, r, c.in)
	}
}

func TestSplitterHandlesTagsAcrossChunks(t *testing.T) {
	var s ReasoningSplitter
	var vis string
	for _, chunk := range []string{"Hi <", "thi", "nking>sec", "ret</thin", "king> there"} {
		v, _ := s.Write(chunk)
		vis += v
	}
	v, _ := s.Flush()
	vis += v

	assert.Equal(t, "Hi  there", vis)
	assert.Equal(t, "Hi  there", s.Visible())
	assert.Equal(t, "secret", s.Reasoning())
}

func TestSplitterChunkingDoesNotMatter(t *testing.T) {
	const doc = "Intro <think>step one\nstep two</think>Body text <reasoning>why</reasoning>end < 3"
	wantV, wantR := SplitReasoning(doc)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("any chunking yields the one-shot split", prop.ForAll(
		func(cuts []int) bool {
			var s ReasoningSplitter
			rest := doc
			for _, c := range cuts {
				if c > len(rest) {
					c = len(rest)
				}
				s.Write(rest[:c])
				rest = rest[c:]
			}
			s.Write(rest)
			s.Flush()
			return s.Visible() == wantV && s.Reasoning() == wantR
		},
		gen.SliceOf(gen.IntRange(0, 12)),
	))

	properties.TestingRun(t)
}
