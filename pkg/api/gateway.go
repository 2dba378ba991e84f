package api

import (
	"pocketmind/pkg/agent"
	"pocketmind/pkg/llm"
)

// Channel defines the standardized lifecycle interface for communication platforms.
type Channel interface {
	ID() string
	Start(ctx ChannelContext) error
	Stop() error
	Send(session SessionContext, message string) error
	Stream(session SessionContext, blocks <-chan llm.ContentBlock) error
}

// SignalingChannel is an optional extension of the Channel interface for
// platforms that support control signals (e.g., typing indicators, thinking UI).
type SignalingChannel interface {
	Channel
	// SendSignal transmits a control signal ("thinking", "tool:web_fetch", "done")
	// to the target session to change UI state.
	SendSignal(session SessionContext, signal string) error
}

// SnapshotChannel 可以直接呈現 turn 快照的通道（web UI 會畫出工具執行進度）
type SnapshotChannel interface {
	Channel
	SendTurn(session SessionContext, turn agent.Turn) error
}

// ChannelContext provides the interface for a Channel implementation to
// communicate back with the Gateway core.
type ChannelContext interface {
	MessageResponder
	OnMessage(channelID string, msg *UnifiedMessage)
}

// MessageResponder defines the capabilities for sending responses back to a channel.
type MessageResponder interface {
	SendReply(session SessionContext, content string) error
	StreamReply(session SessionContext, blocks <-chan llm.ContentBlock) error
	SendSignal(session SessionContext, signal string) error
	SendTurn(session SessionContext, turn agent.Turn) error
}

// UnifiedMessage is the platform-neutral form of an incoming user message.
type UnifiedMessage struct {
	Session SessionContext      // Contextual information about the source (User, Chat)
	Content string              // Standardized text content of the message
	Hints   agent.ResourceHints // Device hints reported by the client, zero when unknown
	Raw     any                 // Optional storage for the original platform-specific payload object
}

// SessionContext encapsulates identity and routing information for a specific
// conversation unit on a specific communication channel.
type SessionContext struct {
	ChannelID string // Identifier of the channel that originated the session (e.g., "telegram")
	UserID    string // Platform-specific unique identifier for the user
	ChatID    string // Platform-specific identifier for the chat or group (may match UserID for DMs)
	Username  string // Display name or nickname of the user as provided by the platform
}

// ConversationID 以 channel:chat 當作對話鍵，turn 的持久化與歷史都以此分組
func (s SessionContext) ConversationID() string {
	chat := s.ChatID
	if chat == "" {
		chat = s.UserID
	}
	return s.ChannelID + ":" + chat
}

// MessageHandler defines the function signature for processing incoming messages.
// It implements the MessageProcessor interface.
type MessageHandler func(*UnifiedMessage)

// OnMessage allows MessageHandler to satisfy the MessageProcessor interface.
func (h MessageHandler) OnMessage(msg *UnifiedMessage) {
	h(msg)
}

// MessageProcessor defines the interface for components that can process incoming messages.
type MessageProcessor interface {
	OnMessage(msg *UnifiedMessage)
}

// ResponderAware defines an interface for components that require a MessageResponder to be injected.
type ResponderAware interface {
	SetResponder(responder MessageResponder)
}

// GatewayHandler is a composite interface for components that handle incoming
// messages AND are aware of the responder (e.g., ChatHandler).
type GatewayHandler interface {
	MessageProcessor
	ResponderAware
}
