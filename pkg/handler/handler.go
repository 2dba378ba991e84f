package handler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"pocketmind/pkg/agent"
	"pocketmind/pkg/config"
	"pocketmind/pkg/gateway"
	"pocketmind/pkg/llm"
)

// ConversationClearer 由 store 實作，/reset 用來忘掉對話
type ConversationClearer interface {
	Clear(ctx context.Context, conversationID string) error
}

// ChatHandler bridges the gateway and the agent engine: every user message
// becomes one turn, and the turn's snapshots are turned into stream blocks,
// UI signals and snapshot pushes for the originating channel.
type ChatHandler struct {
	engine    *agent.Engine
	clearer   ConversationClearer
	responder gateway.MessageResponder
	system    atomic.Pointer[config.SystemConfig]
}

// NewChatHandler wires a handler around engine. clearer may be nil, in which
// case /reset only reports that history is not persisted.
func NewChatHandler(engine *agent.Engine, clearer ConversationClearer, sys *config.SystemConfig) *ChatHandler {
	h := &ChatHandler{engine: engine, clearer: clearer}
	if sys == nil {
		sys = config.DefaultSystemConfig()
	}
	h.system.Store(sys)
	return h
}

// SetResponder implements api.ResponderAware.
func (h *ChatHandler) SetResponder(r gateway.MessageResponder) {
	h.responder = r
}

// UpdateSystemConfig 熱更新 thinking 延遲與 ShowThinking
func (h *ChatHandler) UpdateSystemConfig(sys *config.SystemConfig) {
	if sys != nil {
		h.system.Store(sys)
	}
}

// OnMessage is the entry point for incoming user messages. It blocks until
// the turn is complete and its reply fully streamed.
func (h *ChatHandler) OnMessage(msg *gateway.UnifiedMessage) {
	text := strings.TrimSpace(msg.Content)
	if text == "" {
		return
	}
	if h.responder == nil {
		slog.Error("ChatHandler has no responder, dropping message", "channel", msg.Session.ChannelID)
		return
	}

	// --- Slash Commands ---
	if strings.HasPrefix(text, "/") {
		h.handleSlashCommand(msg.Session, text)
		return
	}

	h.runTurn(msg, text)
}

func (h *ChatHandler) runTurn(msg *gateway.UnifiedMessage, text string) {
	sys := h.system.Load()
	session := msg.Session
	start := time.Now()

	handle := h.engine.Start(context.Background(), agent.Request{
		ConversationID: session.ConversationID(),
		Text:           text,
		Hints:          msg.Hints,
	})

	// Prepare the stream channel for system forwarding
	blockCh := make(chan llm.ContentBlock, sys.InternalChannelBuffer)
	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		if err := h.responder.StreamReply(session, blockCh); err != nil {
			slog.Error("Failed to stream reply", "error", err, "turn", handle.ID)
		}
	}()

	// Set up "thinking" timer, stopped by the first visible token
	thinkingTimer := time.AfterFunc(time.Duration(sys.ThinkingInitDelayMs)*time.Millisecond, func() {
		_ = h.responder.SendSignal(session, "thinking")
	})
	defer thinkingTimer.Stop()

	var sentContent, sentReasoning, lastTool string
	for snap := range handle.Updates() {
		if err := h.responder.SendTurn(session, snap); err != nil {
			slog.Debug("Snapshot push failed", "error", err, "turn", handle.ID)
		}

		if snap.ActiveTool != "" && snap.ActiveTool != lastTool {
			_ = h.responder.SendSignal(session, "tool:"+snap.ActiveTool)
		}
		lastTool = snap.ActiveTool

		if sys.ShowThinking {
			if d := delta(sentReasoning, snap.ReasoningTrace); d != "" {
				blockCh <- llm.NewThinkingBlock(d)
			}
			sentReasoning = snap.ReasoningTrace
		}

		if d := delta(sentContent, snap.FinalContent); d != "" {
			thinkingTimer.Stop()
			blockCh <- llm.NewTextBlock(d)
		}
		sentContent = snap.FinalContent
	}

	close(blockCh)
	<-streamDone

	final := handle.Result()
	slog.Info("Turn delivered",
		"turn", final.ID,
		"state", final.State,
		"tools", len(final.ToolExecutions),
		"recovery_cycles", final.RecoveryCycles,
		"duration", time.Since(start).String(),
	)
}

// delta 回傳 cur 相對於已送出 prev 的新增部分；內容被整段替換時（例如
// 串流中途失敗改成錯誤訊息）另起一段送出
func delta(prev, cur string) string {
	if cur == prev {
		return ""
	}
	if strings.HasPrefix(cur, prev) {
		return cur[len(prev):]
	}
	if prev == "" {
		return cur
	}
	return "\n\n" + cur
}

// handleSlashCommand 處理 /tools、/reset、/help；這些指令不會產生 turn
func (h *ChatHandler) handleSlashCommand(session gateway.SessionContext, text string) {
	cmd := strings.ToLower(strings.Fields(text)[0])

	switch cmd {
	case "/tools":
		h.reply(session, "🛠️ Available tools:\n"+agent.Catalog(h.engine.Registry()))

	case "/reset", "/clear":
		if h.clearer == nil {
			h.reply(session, "ℹ️ History is not persisted, nothing to clear.")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.clearer.Clear(ctx, session.ConversationID()); err != nil {
			slog.Error("Failed to clear conversation", "conversation", session.ConversationID(), "error", err)
			h.reply(session, fmt.Sprintf("❌ Failed to clear history: %v", err))
			return
		}
		h.reply(session, "🧹 Conversation history cleared.")

	case "/help", "/start":
		h.reply(session, "Send any question. Commands:\n/tools - list available tools\n/reset - forget this conversation")

	default:
		h.reply(session, fmt.Sprintf("❌ Unknown command: %s (try /help)", cmd))
	}
}

func (h *ChatHandler) reply(session gateway.SessionContext, content string) {
	if err := h.responder.SendReply(session, content); err != nil {
		slog.Error("Failed to send reply", "channel", session.ChannelID, "error", err)
	}
}
