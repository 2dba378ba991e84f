package monitor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"pocketmind/pkg/llm"
)

// CustomHandler implements slog.Handler to provide [TIME] [LEVEL] [TURN] format
type CustomHandler struct {
	w      io.Writer
	mu     *sync.Mutex
	opts   slog.HandlerOptions
	attrs  []slog.Attr
	prefix string // group 前綴，例如 "store."
}

func NewCustomHandler(w io.Writer, opts slog.HandlerOptions) *CustomHandler {
	if opts.Level == nil {
		opts.Level = slog.LevelInfo
	}
	return &CustomHandler{
		w:    w,
		mu:   &sync.Mutex{},
		opts: opts,
	}
}

func (h *CustomHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.opts.Level.Level()
}

func (h *CustomHandler) Handle(ctx context.Context, r slog.Record) error {
	buf := bytes.NewBuffer(nil)

	// Format: [2006-01-02 15:04:05] [LEVEL] [TURN_ID] Message
	// Or:    [2006-01-02 15:04:05] [LEVEL] Message (outside a turn)
	fmt.Fprintf(buf, "[%s] [%s]",
		r.Time.Format("2006-01-02 15:04:05"),
		r.Level,
	)

	if turnID := TurnID(ctx); turnID != "" {
		fmt.Fprintf(buf, " [%s]", turnID)
	}

	fmt.Fprintf(buf, " %s", r.Message)

	// 1. Stored attributes (from WithAttrs)
	for _, a := range h.attrs {
		h.appendAttr(buf, "", a)
	}

	// 2. Record attributes
	r.Attrs(func(a slog.Attr) bool {
		h.appendAttr(buf, h.prefix, a)
		return true
	})

	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf.Bytes())
	return err
}

// TurnID 取出 engine 放進 context 的 turn id
func TurnID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(llm.DebugDirContextKey).(string)
	return id
}

func (h *CustomHandler) appendAttr(buf *bytes.Buffer, prefix string, a slog.Attr) {
	val := a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}

	if val.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p = prefix + a.Key + "."
		}
		for _, ga := range val.Group() {
			h.appendAttr(buf, p, ga)
		}
		return
	}

	buf.WriteString(" ")
	buf.WriteString(prefix)
	buf.WriteString(a.Key)
	buf.WriteString("=")

	switch val.Kind() {
	case slog.KindString:
		fmt.Fprintf(buf, "%q", val.String())
	case slog.KindTime:
		buf.WriteString(val.Time().Format(time.RFC3339))
	case slog.KindDuration:
		buf.WriteString(val.Duration().String())
	default:
		if err, ok := val.Any().(error); ok {
			fmt.Fprintf(buf, "%q", err.Error())
			return
		}
		fmt.Fprintf(buf, "%v", val.Any())
	}
}

func (h *CustomHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	stored := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	stored = append(stored, h.attrs...)
	for _, a := range attrs {
		if h.prefix != "" {
			a.Key = h.prefix + a.Key
		}
		stored = append(stored, a)
	}
	return &CustomHandler{w: h.w, mu: h.mu, opts: h.opts, attrs: stored, prefix: h.prefix}
}

func (h *CustomHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &CustomHandler{w: h.w, mu: h.mu, opts: h.opts, attrs: h.attrs, prefix: h.prefix + name + "."}
}

// ParseLevel maps the system.json log_level to a slog level. Unknown values mean info.
func ParseLevel(levelStr string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupSlog initializes the global slog logger with the CustomHandler.
// The returned LevelVar lets a config reload change the level in place.
func SetupSlog(levelStr string) *slog.LevelVar {
	level := &slog.LevelVar{}
	level.Set(ParseLevel(levelStr))

	handler := NewCustomHandler(os.Stderr, slog.HandlerOptions{
		Level: level,
	})

	slog.SetDefault(slog.New(handler))
	return level
}

// PrintBanner prints the startup banner
func PrintBanner() {
	banner := `
 ___         _       _   __  __ _         _
| _ \___  __| |_____| |_|  \/  (_)_ _  __| |
|  _/ _ \/ _| / / -_)  _| |\/| | | ' \/ _' |
|_| \___/\__|_\_\___|\__|_|  |_|_|_||_\__,_|
`
	fmt.Println(banner)
}
