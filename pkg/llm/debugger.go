package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// DebugRoot is the directory raw provider chunks are written under.
var DebugRoot = filepath.Join("debug", "chunks")

// StreamDebugger handles the creation and writing of debug logs for LLM streams.
// A nil-safe disabled instance is returned whenever debugging is off or the
// file cannot be opened, so providers can call it unconditionally.
type StreamDebugger struct {
	file    *os.File
	enabled bool
}

// NewStreamDebugger creates a new debugger instance.
// Files land in DebugRoot/<provider>/<turn id>.log when the context carries a
// turn id, otherwise in DebugRoot/<provider>/<timestamp>.log.
func NewStreamDebugger(ctx context.Context, provider string, enabled bool) *StreamDebugger {
	if !enabled {
		return &StreamDebugger{}
	}

	debugDir := filepath.Join(DebugRoot, provider)
	if err := os.MkdirAll(debugDir, 0755); err != nil {
		slog.Error("Failed to create debug directory", "dir", debugDir, "error", err)
		return &StreamDebugger{}
	}

	name, _ := ctx.Value(DebugDirContextKey).(string)
	if name == "" {
		name = time.Now().Format("20060102_150405")
	}
	filename := filepath.Join(debugDir, fmt.Sprintf("%s.log", name))

	f, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		slog.Error("Failed to open debug file", "file", filename, "error", err)
		return &StreamDebugger{}
	}

	slog.DebugContext(ctx, "Debug mode ON", "provider", provider, "file", filename)
	return &StreamDebugger{
		file:    f,
		enabled: true,
	}
}

// WriteJSON marshals v and appends it as one line.
func (d *StreamDebugger) WriteJSON(v any) {
	if !d.enabled || d.file == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal debug chunk", "error", err)
		return
	}
	d.WriteString(string(data))
}

// WriteString appends a string to the debug file if enabled.
func (d *StreamDebugger) WriteString(s string) {
	if !d.enabled || d.file == nil {
		return
	}
	if _, err := d.file.WriteString(s + "\n"); err != nil {
		slog.Warn("Failed to write to debug file", "error", err)
	}
}

// Close closes the debug file handle.
func (d *StreamDebugger) Close() {
	if d.file != nil {
		d.file.Close()
		d.file = nil
	}
}
