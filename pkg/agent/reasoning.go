package agent

import "strings"

// reasoningTags are the inline markers some models wrap their thinking in.
var reasoningTags = []string{"think", "thinking", "reasoning"}

// ReasoningSplitter separates inline reasoning markup from visible text in a
// chunked stream. Tags split across chunks are held back until they can be
// recognised.
type ReasoningSplitter struct {
	inside   bool
	closeTag string
	pending  string

	visible   strings.Builder
	reasoning strings.Builder
}

// Write consumes the next chunk and returns the newly visible text and the
// newly captured reasoning.
func (s *ReasoningSplitter) Write(chunk string) (visible, reasoning string) {
	buf := s.pending + chunk
	s.pending = ""

	var vis, rsn strings.Builder
	for buf != "" {
		if !s.inside {
			idx, tag := findOpenTag(buf)
			if idx < 0 {
				keep := partialSuffix(buf, openTags())
				vis.WriteString(buf[:len(buf)-keep])
				s.pending = buf[len(buf)-keep:]
				break
			}
			vis.WriteString(buf[:idx])
			s.inside = true
			s.closeTag = "</" + tag + ">"
			buf = buf[idx+len(tag)+2:]
			continue
		}

		idx := strings.Index(buf, s.closeTag)
		if idx < 0 {
			keep := partialSuffix(buf, []string{s.closeTag})
			rsn.WriteString(buf[:len(buf)-keep])
			s.pending = buf[len(buf)-keep:]
			break
		}
		rsn.WriteString(buf[:idx])
		s.inside = false
		buf = buf[idx+len(s.closeTag):]
	}

	s.visible.WriteString(vis.String())
	s.reasoning.WriteString(rsn.String())
	return vis.String(), rsn.String()
}

// Flush releases anything held back at the end of the stream. An unclosed
// reasoning block stays reasoning.
func (s *ReasoningSplitter) Flush() (visible, reasoning string) {
	rest := s.pending
	s.pending = ""
	if s.inside {
		s.reasoning.WriteString(rest)
		return "", rest
	}
	s.visible.WriteString(rest)
	return rest, ""
}

func (s *ReasoningSplitter) Visible() string   { return s.visible.String() }
func (s *ReasoningSplitter) Reasoning() string { return s.reasoning.String() }

// SplitReasoning is the one-shot form of ReasoningSplitter.
func SplitReasoning(text string) (visible, reasoning string) {
	var s ReasoningSplitter
	s.Write(text)
	s.Flush()
	return s.Visible(), s.Reasoning()
}

func openTags() []string {
	out := make([]string, len(reasoningTags))
	for i, t := range reasoningTags {
		out[i] = "<" + t + ">"
	}
	return out
}

// findOpenTag returns the earliest opening tag in buf and its bare name.
func findOpenTag(buf string) (int, string) {
	best, name := -1, ""
	for _, t := range reasoningTags {
		if i := strings.Index(buf, "<"+t+">"); i >= 0 && (best < 0 || i < best) {
			best, name = i, t
		}
	}
	return best, name
}

// partialSuffix is the length of the longest suffix of buf that is a proper
// prefix of one of tags.
func partialSuffix(buf string, tags []string) int {
	longest := 0
	for _, tag := range tags {
		for n := len(tag) - 1; n > longest; n-- {
			if n <= len(buf) && strings.HasSuffix(buf, tag[:n]) {
				longest = n
				break
			}
		}
	}
	return longest
}
