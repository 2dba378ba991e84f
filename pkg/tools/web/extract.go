package web

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"pocketmind/pkg/tools"

	"golang.org/x/net/html"
)

var (
	multiNewlinePattern = regexp.MustCompile(`\n{3,}`)
	multiSpacePattern   = regexp.MustCompile(`[ \t]{2,}`)
)

// skipped elements never carry readable article text
var skipElements = map[string]bool{
	"script": true, "style": true, "noscript": true, "iframe": true,
	"svg": true, "nav": true, "footer": true, "header": true, "form": true,
}

// ExtractTool turns an HTML document into readable plain text.
type ExtractTool struct {
	maxChars int
}

func NewExtractTool(maxChars int) *ExtractTool {
	if maxChars <= 0 {
		maxChars = 20000
	}
	return &ExtractTool{maxChars: maxChars}
}

func (t *ExtractTool) Name() string { return "content_extract" }

func (t *ExtractTool) Description() string {
	return "Extract the readable main text from an HTML document. When it follows web_fetch the HTML is filled in automatically."
}

func (t *ExtractTool) RiskLevel() tools.RiskLevel { return tools.RiskLow }

func (t *ExtractTool) Parameters() map[string]any {
	return map[string]any{
		"html": map[string]any{
			"type":        "string",
			"description": "HTML source to extract from",
		},
	}
}

func (t *ExtractTool) RequiredParameters() []string { return []string{"html"} }

func (t *ExtractTool) IO() tools.IO {
	return tools.IO{Class: tools.ClassExtraction, Consumes: TypeHTML, Produces: TypeText, Slot: "html"}
}

func (t *ExtractTool) Execute(ctx context.Context, args map[string]any) (*tools.Result, error) {
	src, _ := args["html"].(string)
	if strings.TrimSpace(src) == "" {
		return tools.Failure("no html to extract from"), nil
	}

	text, title, err := ExtractText(src)
	if err != nil {
		return nil, fmt.Errorf("failed to parse html: %w", err)
	}

	truncated := false
	if r := []rune(text); len(r) > t.maxChars {
		text = string(r[:t.maxChars])
		truncated = true
	}

	return &tools.Result{
		Success: text != "",
		Output:  text,
		Metadata: map[string]any{
			"title":     title,
			"truncated": truncated,
		},
	}, nil
}

// ExtractText walks the parsed document and returns the visible text and the <title>.
func ExtractText(src string) (string, string, error) {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return "", "", err
	}

	var sb strings.Builder
	var title string
	walk(doc, &sb, &title, 0)
	return cleanText(sb.String()), strings.TrimSpace(title), nil
}

func walk(n *html.Node, sb *strings.Builder, title *string, depth int) {
	if depth > 64 {
		return
	}

	switch n.Type {
	case html.TextNode:
		if text := strings.TrimSpace(n.Data); text != "" {
			sb.WriteString(text)
			sb.WriteString(" ")
		}
	case html.ElementNode:
		if skipElements[n.Data] {
			return
		}
		switch n.Data {
		case "title":
			if n.FirstChild != nil {
				*title = n.FirstChild.Data
			}
			return
		case "p", "div", "section", "article", "h1", "h2", "h3", "h4", "h5", "h6", "tr":
			sb.WriteString("\n\n")
		case "br":
			sb.WriteString("\n")
		case "li":
			sb.WriteString("\n- ")
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, sb, title, depth+1)
	}
}

func cleanText(s string) string {
	s = multiSpacePattern.ReplaceAllString(s, " ")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	s = strings.Join(lines, "\n")
	s = multiNewlinePattern.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
