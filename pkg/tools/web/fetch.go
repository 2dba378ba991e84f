package web

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"pocketmind/pkg/tools"
)

const (
	// TypeHTML is the chain type exchanged between fetch and extract.
	TypeHTML = "html"
	// TypeText is produced by the extractor.
	TypeText = "text"

	defaultMaxBytes  = 2 << 20
	defaultUserAgent = "Mozilla/5.0 (Linux; Android 14) pocketmind/1.0"
)

// FetchTool downloads a URL and returns the raw body.
type FetchTool struct {
	client    *http.Client
	userAgent string
	maxBytes  int64
}

// NewFetchTool 建立 web_fetch；client 為 nil 時使用帶逾時的預設 client
func NewFetchTool(client *http.Client, userAgent string, maxBytes int64) *FetchTool {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	return &FetchTool{client: client, userAgent: userAgent, maxBytes: maxBytes}
}

func (t *FetchTool) Name() string { return "web_fetch" }

func (t *FetchTool) Description() string {
	return "Download a web page over HTTP(S) and return its raw HTML. Use before content_extract."
}

func (t *FetchTool) RiskLevel() tools.RiskLevel { return tools.RiskLow }

func (t *FetchTool) Parameters() map[string]any {
	return map[string]any{
		"url": map[string]any{
			"type":        "string",
			"description": "Absolute http or https URL to download",
			"pattern":     "^https?://",
		},
	}
}

func (t *FetchTool) RequiredParameters() []string { return []string{"url"} }

func (t *FetchTool) IO() tools.IO {
	return tools.IO{Class: tools.ClassFetch, Produces: TypeHTML}
}

func (t *FetchTool) Execute(ctx context.Context, args map[string]any) (*tools.Result, error) {
	return t.ExecuteStream(ctx, args, nil)
}

// ExecuteStream reports connection and download progress through onProgress.
func (t *FetchTool) ExecuteStream(ctx context.Context, args map[string]any, onProgress func(string)) (*tools.Result, error) {
	progress := func(s string) {
		if onProgress != nil {
			onProgress(s)
		}
	}

	url, _ := args["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("url is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", t.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.8")

	progress("connecting to " + req.URL.Host)
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch URL: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	progress(fmt.Sprintf("downloaded %d bytes", len(body)))

	meta := map[string]any{
		"status":       resp.StatusCode,
		"content_type": resp.Header.Get("Content-Type"),
		"bytes":        len(body),
	}

	// 非 2xx 仍算執行成功，錯誤頁交給 validator 判斷
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		slog.WarnContext(ctx, "Fetch returned non-2xx", "url", url, "status", resp.StatusCode)
		return &tools.Result{
			Success:  true,
			Output:   fmt.Sprintf("HTTP error %d %s\n%s", resp.StatusCode, http.StatusText(resp.StatusCode), strings.TrimSpace(string(body))),
			Metadata: meta,
		}, nil
	}

	slog.DebugContext(ctx, "Fetch completed", "url", url, "bytes", len(body))
	return &tools.Result{Success: true, Output: string(body), Metadata: meta}, nil
}
