package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"pocketmind/pkg/api"
	"pocketmind/pkg/llm"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramConfig encapsulates the credentials required to authenticate with
// the Telegram Bot API.
type TelegramConfig struct {
	Token string `json:"token"` // The secret BOT API string provided by @BotFather
	// AllowedChats 非空時只處理這些 chat，其餘訊息直接忽略
	AllowedChats []int64 `json:"allowed_chats,omitempty"`
}

// TelegramChannel is the production implementation of gateway.Channel for
// the Telegram platform. Messages of one chat are handled in order by a
// per-chat worker; different chats run concurrently.
type TelegramChannel struct {
	config       TelegramConfig                      // Auth credentials
	bot          *tgbotapi.BotAPI                    // Underlying Telegram SDK client
	messageLimit int                                 // Maximum character count per single message bubble
	allowed      map[int64]bool                      // Allowed chat ids, empty means everyone
	queues       map[string]chan *api.UnifiedMessage // Per-chat FIFO queues
	mu           sync.Mutex                          // Protects queues
	wg           sync.WaitGroup                      // Tracks chat workers
	stopCtx      context.Context                     // Context used to forcibly abort the long-polling HTTP request
	stopCancel   context.CancelFunc                  // Function to trigger the abort
}

func NewTelegramChannel(cfg TelegramConfig, msgLimit int) (*TelegramChannel, error) {
	ctx, cancel := context.WithCancel(context.Background())

	// Dedicated HTTP client: tying DialContext to stopCtx aborts an active
	// long-poll on Stop, so a restarted bot does not hit 409 Conflict.
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	botHttpClient := &http.Client{
		Timeout: 90 * time.Second,
		Transport: &http.Transport{
			DialContext: func(dialCtx context.Context, network, addr string) (net.Conn, error) {
				mergedCtx, mergedCancel := context.WithCancel(dialCtx)
				go func() {
					select {
					case <-ctx.Done():
						mergedCancel()
					case <-mergedCtx.Done():
					}
				}()
				return dialer.DialContext(mergedCtx, network, addr)
			},
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}

	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, tgbotapi.APIEndpoint, botHttpClient)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	slog.Info("🤖 Telegram bot authorized", "username", bot.Self.UserName)

	allowed := make(map[int64]bool, len(cfg.AllowedChats))
	for _, id := range cfg.AllowedChats {
		allowed[id] = true
	}

	return &TelegramChannel{
		config:       cfg,
		bot:          bot,
		messageLimit: msgLimit,
		allowed:      allowed,
		queues:       make(map[string]chan *api.UnifiedMessage),
		stopCtx:      ctx,
		stopCancel:   cancel,
	}, nil
}

// ID returns the unique platform identifier "telegram".
func (t *TelegramChannel) ID() string {
	return "telegram"
}

// Start initiates the long-polling update loop in a background goroutine.
func (t *TelegramChannel) Start(ctx api.ChannelContext) error {
	offset := 0

	go func() {
		for {
			select {
			case <-t.stopCtx.Done():
				return // Gracefully exit on shutdown
			default:
			}

			reqConfig := tgbotapi.NewUpdate(offset)
			reqConfig.Timeout = 60

			// GetUpdates has no context parameter; Stop aborts it through the dialer
			updates, err := t.bot.GetUpdates(reqConfig)
			if err != nil {
				select {
				case <-t.stopCtx.Done():
					return // Ignore error if we are shutting down
				case <-time.After(3 * time.Second):
					slog.Debug("Failed to get telegram updates", "error", err)
					continue
				}
			}

			for _, update := range updates {
				if update.UpdateID < offset {
					continue
				}
				offset = update.UpdateID + 1

				if msg := t.toUnified(update); msg != nil {
					t.enqueue(ctx, msg)
				}
			}
		}
	}()

	return nil
}

// toUnified maps a text update to a UnifiedMessage; everything else is nil.
func (t *TelegramChannel) toUnified(update tgbotapi.Update) *api.UnifiedMessage {
	m := update.Message
	if m == nil || m.From == nil || m.Chat == nil {
		return nil
	}
	if len(t.allowed) > 0 && !t.allowed[m.Chat.ID] {
		slog.Warn("Telegram chat not allowed", "chat", m.Chat.ID, "user", m.From.UserName)
		return nil
	}

	content := m.Text
	if content == "" {
		content = m.Caption
	}
	if strings.TrimSpace(content) == "" {
		return nil
	}

	return &api.UnifiedMessage{
		Session: api.SessionContext{
			ChannelID: t.ID(),
			UserID:    strconv.FormatInt(m.From.ID, 10),
			ChatID:    strconv.FormatInt(m.Chat.ID, 10),
			Username:  m.From.UserName,
		},
		Content: content,
		Raw:     m,
	}
}

// enqueue 把訊息交給該 chat 的 worker，保持同一 chat 內的順序
func (t *TelegramChannel) enqueue(ctx api.ChannelContext, msg *api.UnifiedMessage) {
	t.mu.Lock()
	q, ok := t.queues[msg.Session.ChatID]
	if !ok {
		q = make(chan *api.UnifiedMessage, 16)
		t.queues[msg.Session.ChatID] = q
		t.wg.Add(1)
		go t.worker(ctx, q)
	}
	t.mu.Unlock()

	select {
	case q <- msg:
	default:
		slog.Warn("Telegram chat queue full, dropping message", "chat", msg.Session.ChatID)
		_ = t.Send(msg.Session, "⏳ Still working on your previous messages, please wait.")
	}
}

func (t *TelegramChannel) worker(ctx api.ChannelContext, q <-chan *api.UnifiedMessage) {
	defer t.wg.Done()
	for {
		select {
		case <-t.stopCtx.Done():
			return
		case msg := <-q:
			ctx.OnMessage(t.ID(), msg)
		}
	}
}

// SendSignal implements the gateway.SignalingChannel interface. Both
// "thinking" and "tool:*" show the typing indicator.
func (t *TelegramChannel) SendSignal(session api.SessionContext, signal string) error {
	if signal != llm.BlockTypeThinking && !strings.HasPrefix(signal, "tool:") {
		return nil
	}
	chatID, err := strconv.ParseInt(session.ChatID, 10, 64)
	if err != nil {
		return err
	}
	_, err = t.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))
	return err
}

func (t *TelegramChannel) Stop() error {
	t.stopCancel() // Cancel our custom long-polling loop immediately

	// HTTP/1.1 connections stuck in Read won't abort via CloseIdleConnections(),
	// the dialer context takes care of those.
	if httpClient, ok := t.bot.Client.(*http.Client); ok && httpClient != nil {
		if transport, ok := httpClient.Transport.(*http.Transport); ok {
			transport.CloseIdleConnections()
		}
	}

	t.wg.Wait()
	return nil
}

func (t *TelegramChannel) Send(session api.SessionContext, message string) error {
	// Telegram Chat ID must be int64
	chatID, err := strconv.ParseInt(session.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id for telegram: %s", session.ChatID)
	}

	for i, chunk := range splitMessage(message, t.messageLimit) {
		if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, chunk)); err != nil {
			return fmt.Errorf("telegram send chunk %d failed: %w", i, err)
		}
	}
	return nil
}

// splitMessage cuts message into pieces of at most limit runes, preferring to
// break after a newline in the second half of a piece.
func splitMessage(message string, limit int) []string {
	runes := []rune(message)
	if limit <= 0 || len(runes) <= limit {
		return []string{message}
	}

	var parts []string
	for len(runes) > limit {
		cut := limit
		for i := limit - 1; i >= limit/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		parts = append(parts, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}

// Stream implements the streaming response protocol for Telegram.
// Telegram has no mid-message streaming, so blocks are accumulated:
// reasoning is sent as its own bubble before the answer.
func (t *TelegramChannel) Stream(session api.SessionContext, blocks <-chan llm.ContentBlock) error {
	var thinkingBuf strings.Builder
	var textBuf strings.Builder

	for block := range blocks {
		switch block.Type {
		case llm.BlockTypeThinking:
			thinkingBuf.WriteString(block.Text)
		case llm.BlockTypeText, llm.BlockTypeError:
			textBuf.WriteString(block.Text)
		}
	}

	if thinkingBuf.Len() > 0 {
		if err := t.Send(session, "💭 Reasoning:\n\n"+strings.TrimSpace(thinkingBuf.String())); err != nil {
			slog.Error("Failed to send thinking", "error", err)
		}
	}

	if strings.TrimSpace(textBuf.String()) == "" {
		return nil
	}
	return t.Send(session, textBuf.String())
}
