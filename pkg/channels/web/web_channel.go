package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"pocketmind/pkg/agent"
	"pocketmind/pkg/api"
	"pocketmind/pkg/llm"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for decoupled UI
	},
}

type WebConfig struct {
	Port         int    `json:"port"`          // Default: 9453
	Path         string `json:"path"`          // Default: /ws
	HistoryLimit int    `json:"history_limit"` // 連線時回放的 turn 數，預設 20
}

// IncomingMessage is what the client sends over the socket. Plain text
// frames are accepted too and treated as Text.
type IncomingMessage struct {
	Text  string               `json:"text"`
	Hints *agent.ResourceHints `json:"hints,omitempty"`
}

// outgoing frame envelope
type frame struct {
	Type         string `json:"type"`
	Text         string `json:"text,omitempty"`
	Value        string `json:"value,omitempty"`
	Conversation string `json:"conversation,omitempty"`
	Data         any    `json:"data,omitempty"`
}

type SafeConn struct {
	*websocket.Conn
	mu sync.Mutex
}

func (sc *SafeConn) WriteMessage(messageType int, data []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.Conn.WriteMessage(messageType, data)
}

func (sc *SafeConn) writeFrame(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal %s frame: %w", f.Type, err)
	}
	return sc.WriteMessage(websocket.TextMessage, data)
}

// WebChannel serves a websocket per browser tab. Each connection is one
// conversation; the client can resume one by passing ?conversation=<uuid>.
type WebChannel struct {
	config      WebConfig
	server      *http.Server
	turns       agent.TurnStore      // 歷史回放來源，可為 nil
	connections map[string]*SafeConn // conversation uuid -> WS Connection
	mu          sync.RWMutex
}

func NewWebChannel(cfg WebConfig, turns agent.TurnStore) *WebChannel {
	if cfg.Port == 0 {
		cfg.Port = 9453
	}
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	return &WebChannel{
		config:      cfg,
		turns:       turns,
		connections: make(map[string]*SafeConn),
	}
}

func (c *WebChannel) ID() string {
	return "web"
}

// Handler returns the HTTP routes of the channel. Start mounts it on its own server.
func (c *WebChannel) Handler(ctx api.ChannelContext) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(c.config.Path, func(w http.ResponseWriter, r *http.Request) {
		c.handleWebSocket(w, r, ctx)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func (c *WebChannel) Start(ctx api.ChannelContext) error {
	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           c.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("🌐 Web API listening", "port", c.config.Port, "path", c.config.Path)

	go func() {
		if err := c.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Web API server error", "error", err)
		}
	}()

	return nil
}

func (c *WebChannel) Stop() error {
	c.mu.Lock()
	for id, conn := range c.connections {
		_ = conn.Close()
		delete(c.connections, id)
	}
	c.mu.Unlock()

	if c.server != nil {
		return c.server.Close()
	}
	return nil
}

func (c *WebChannel) conn(session api.SessionContext) (*SafeConn, error) {
	c.mu.RLock()
	conn, ok := c.connections[session.ChatID]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("web conversation %s not connected", session.ChatID)
	}
	return conn, nil
}

func (c *WebChannel) Send(session api.SessionContext, message string) error {
	conn, err := c.conn(session)
	if err != nil {
		return err
	}
	return conn.writeFrame(frame{Type: "message", Text: message})
}

// SendSignal implements the gateway.SignalingChannel interface
func (c *WebChannel) SendSignal(session api.SessionContext, signal string) error {
	conn, err := c.conn(session)
	if err != nil {
		return err
	}
	return conn.writeFrame(frame{Type: "signal", Value: signal})
}

// SendTurn implements gateway.SnapshotChannel
func (c *WebChannel) SendTurn(session api.SessionContext, turn agent.Turn) error {
	conn, err := c.conn(session)
	if err != nil {
		return err
	}
	return conn.writeFrame(frame{Type: "turn", Data: turn})
}

// Stream implements gateway.Channel.Stream
func (c *WebChannel) Stream(session api.SessionContext, blocks <-chan llm.ContentBlock) error {
	conn, err := c.conn(session)
	if err != nil {
		return err
	}

	for block := range blocks {
		if err := conn.writeFrame(frame{Type: block.Type, Text: block.Text}); err != nil {
			return err
		}
	}

	// Send finish flag
	return conn.writeFrame(frame{Type: "done"})
}

func (c *WebChannel) handleWebSocket(w http.ResponseWriter, r *http.Request, ctx api.ChannelContext) {
	conversation := r.URL.Query().Get("conversation")
	if _, err := uuid.Parse(conversation); err != nil {
		conversation = uuid.NewString()
	}

	rawConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WS Upgrade failed", "error", err)
		return
	}

	// Wrap connection
	conn := &SafeConn{Conn: rawConn}

	// 同一個對話只保留最新的連線
	c.mu.Lock()
	if old, ok := c.connections[conversation]; ok {
		_ = old.Close()
	}
	c.connections[conversation] = conn
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.connections[conversation] == conn {
			delete(c.connections, conversation)
		}
		c.mu.Unlock()
		conn.Close()
	}()

	session := api.SessionContext{
		ChannelID: c.ID(),
		UserID:    r.RemoteAddr,
		ChatID:    conversation,
		Username:  "WebUser",
	}

	if err := conn.writeFrame(frame{Type: "hello", Conversation: conversation}); err != nil {
		return
	}
	c.replayHistory(r.Context(), conn, session)

	for {
		_, msgBytes, err := conn.ReadMessage()
		if err != nil {
			break
		}

		msg := &api.UnifiedMessage{Session: session}

		var incoming IncomingMessage
		if err := json.Unmarshal(msgBytes, &incoming); err == nil {
			msg.Content = incoming.Text
			if incoming.Hints != nil {
				msg.Hints = *incoming.Hints
			}
		} else {
			// Fallback: treat as plain text
			msg.Content = string(msgBytes)
		}

		if strings.TrimSpace(msg.Content) == "" {
			continue
		}
		ctx.OnMessage(c.ID(), msg)
	}
}

// replayHistory sends the stored turns of the conversation, oldest first.
func (c *WebChannel) replayHistory(ctx context.Context, conn *SafeConn, session api.SessionContext) {
	if c.turns == nil {
		return
	}
	lctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	turns, err := c.turns.LoadRecent(lctx, session.ConversationID(), c.config.HistoryLimit)
	if err != nil {
		slog.Warn("Failed to load web history", "conversation", session.ConversationID(), "error", err)
		return
	}
	if len(turns) == 0 {
		return
	}
	if err := conn.writeFrame(frame{Type: "history", Data: turns}); err != nil {
		slog.Error("Failed to send history", "error", err)
	}
}
