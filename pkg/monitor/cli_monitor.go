package monitor

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"pocketmind/pkg/agent"
)

// CLIMonitor implements the Monitor interface, providing a direct
// terminal-based visualization of messages and turns flowing through the engine.
type CLIMonitor struct {
	writer io.Writer // The output destination, typically os.Stdout.
	mu     sync.Mutex
}

// NewCLIMonitor creates a new CLI monitor
func NewCLIMonitor() *CLIMonitor {
	return NewCLIMonitorTo(os.Stdout)
}

// NewCLIMonitorTo writes to w instead of stdout.
func NewCLIMonitorTo(w io.Writer) *CLIMonitor {
	return &CLIMonitor{writer: w}
}

// Start starts the CLI monitor
func (m *CLIMonitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fmt.Fprintln(m.writer, "----------------------------------------------------------------")
	fmt.Fprintln(m.writer, "💬 CLI Monitor Active - messages and turn states will appear here")
	fmt.Fprintln(m.writer, "----------------------------------------------------------------")
	return nil
}

// Stop stops the CLI monitor
func (m *CLIMonitor) Stop() error {
	return nil
}

// OnMessage receives and displays a monitoring message
func (m *CLIMonitor) OnMessage(msg MonitorMessage) {
	var displayMsg string
	if msg.MessageType == "ASSISTANT" {
		displayMsg = fmt.Sprintf("[AI] %s", msg.Content)
	} else {
		displayMsg = fmt.Sprintf("[%s/%s] %s", msg.ChannelID, msg.Username, msg.Content)
	}
	m.print(msg.Timestamp, displayMsg)
}

// OnTurn 顯示狀態轉換；COMPLETE 時列出每個工具的結果
func (m *CLIMonitor) OnTurn(turn agent.Turn) {
	at := turn.UpdatedAt
	if at.IsZero() {
		at = time.Now()
	}

	switch turn.State {
	case agent.StateThinking:
		m.print(at, fmt.Sprintf("🧠 [%s] %s", turn.ID, turn.State))
	case agent.StateExecutingTool:
		planned := 0
		if turn.Decision != nil {
			planned = len(turn.Decision.Invocations)
		}
		m.print(at, fmt.Sprintf("🛠️ [%s] %s (%d planned)", turn.ID, turn.State, planned))
	case agent.StateComplete:
		var sb strings.Builder
		fmt.Fprintf(&sb, "✅ [%s] %s in %s", turn.ID, turn.State, turn.CompletedAt.Sub(turn.CreatedAt).Round(time.Millisecond))
		for _, rec := range turn.ToolExecutions {
			fmt.Fprintf(&sb, "\n    %s %s %s", recordMark(rec), rec.Tool, rec.Duration().Round(time.Millisecond))
			if rec.ValidationReason != "" {
				fmt.Fprintf(&sb, " (%s)", rec.ValidationReason)
			}
		}
		if turn.RecoveryCycles > 0 {
			fmt.Fprintf(&sb, "\n    ♻️ recovery cycles: %d", turn.RecoveryCycles)
		}
		if turn.Error != "" {
			fmt.Fprintf(&sb, "\n    ⚠️ %s", turn.Error)
		}
		m.print(at, sb.String())
	}
}

func recordMark(rec agent.ToolExecutionRecord) string {
	switch {
	case rec.Validated:
		return "✓"
	case rec.Success:
		return "~"
	default:
		return "✗"
	}
}

func (m *CLIMonitor) print(at time.Time, line string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Use gray color for timestamp
	fmt.Fprintf(m.writer, "\033[90m[%s]\033[0m %s\n", at.Format("2006-01-02 15:04:05"), line)
}
