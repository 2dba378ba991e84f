package gateway

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"pocketmind/pkg/agent"
	"pocketmind/pkg/config"
	"pocketmind/pkg/llm"
	"pocketmind/pkg/monitor"
)

// GatewayManager 負責管理所有的 Channels 並統一路由訊息
type GatewayManager struct {
	channels      map[string]Channel
	msgHandler    MessageHandler
	monitor       monitor.Monitor // 監控器
	channelBuffer int             // 內部 Channel 緩衝大小
	mu            sync.RWMutex
}

// NewGatewayManager 建立一個新的 GatewayManager
func NewGatewayManager() *GatewayManager {
	return &GatewayManager{
		channels:      make(map[string]Channel),
		channelBuffer: 100, // 預設值
	}
}

// WithSystemConfig 套用系統參數（目前只有緩衝大小）
func (g *GatewayManager) WithSystemConfig(cfg *config.SystemConfig) {
	if cfg != nil && cfg.InternalChannelBuffer > 0 {
		g.channelBuffer = cfg.InternalChannelBuffer
	}
}

// SetMessageHandler 設定處理訊息的核心邏輯
func (g *GatewayManager) SetMessageHandler(handler MessageHandler) {
	g.msgHandler = handler
}

// SetMonitor 設定監控器
func (g *GatewayManager) SetMonitor(m monitor.Monitor) {
	g.monitor = m
}

// Register 註冊一個 Channel；同一個 ID 只能註冊一次
func (g *GatewayManager) Register(c Channel) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, dup := g.channels[c.ID()]; dup {
		return fmt.Errorf("channel %s registered twice", c.ID())
	}
	g.channels[c.ID()] = c
	return nil
}

// GetChannel 取得特定的 Channel (通常用於主動發送訊息)
func (g *GatewayManager) GetChannel(id string) (Channel, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.channels[id]
	return c, ok
}

// ChannelIDs 回傳已註冊的 channel，依名稱排序
func (g *GatewayManager) ChannelIDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]string, 0, len(g.channels))
	for id := range g.channels {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StartAll 啟動所有已註冊的 Channels
func (g *GatewayManager) StartAll() error {
	for _, id := range g.ChannelIDs() {
		c, _ := g.GetChannel(id)
		slog.Info("🚀 Starting channel", "channel", id)
		// 啟動 Channel，並傳入 self 作為 Context
		if err := c.Start(g); err != nil {
			return fmt.Errorf("failed to start channel %s: %w", id, err)
		}
	}
	return nil
}

// StopAll 停止所有 Channels
func (g *GatewayManager) StopAll() {
	for _, id := range g.ChannelIDs() {
		c, _ := g.GetChannel(id)
		slog.Info("Stopping channel", "channel", id)
		if err := c.Stop(); err != nil {
			slog.Error("Error stopping channel", "channel", id, "error", err)
		}
	}
	if g.monitor != nil {
		_ = g.monitor.Stop()
	}
}

// SendReply 統一的回覆介面，透過 Channel 介面送回訊息
func (g *GatewayManager) SendReply(session SessionContext, content string) error {
	slog.Debug("[Gateway] -> Reply", "channel", session.ChannelID, "user", session.Username, "content", content)
	g.observe("ASSISTANT", session, content)

	c, ok := g.GetChannel(session.ChannelID)
	if !ok {
		return fmt.Errorf("channel %s not found", session.ChannelID)
	}
	return c.Send(session, content)
}

// SendSignal 發送一個控制訊號 (如 thinking) 到 Channel
func (g *GatewayManager) SendSignal(session SessionContext, signal string) error {
	c, ok := g.GetChannel(session.ChannelID)
	if !ok {
		return fmt.Errorf("channel %s not found", session.ChannelID)
	}

	// 檢查 Channel 是否支援訊號介面
	if sc, ok := c.(SignalingChannel); ok {
		slog.Debug("[Gateway] -> Signal", "channel", session.ChannelID, "user", session.Username, "signal", signal)
		return sc.SendSignal(session, signal)
	}

	// 不支援的通道安靜地忽略
	return nil
}

// SendTurn 把 turn 快照交給支援的 Channel；其他通道忽略
func (g *GatewayManager) SendTurn(session SessionContext, turn agent.Turn) error {
	c, ok := g.GetChannel(session.ChannelID)
	if !ok {
		return fmt.Errorf("channel %s not found", session.ChannelID)
	}
	if sc, ok := c.(SnapshotChannel); ok {
		return sc.SendTurn(session, turn)
	}
	return nil
}

// StreamReply 統一的串流回覆介面
func (g *GatewayManager) StreamReply(session SessionContext, blocks <-chan llm.ContentBlock) error {
	c, ok := g.GetChannel(session.ChannelID)
	if !ok {
		// 仍要把 blocks 讀完，避免生產者卡住
		for range blocks {
		}
		return fmt.Errorf("channel %s not found", session.ChannelID)
	}

	// 建立一個新的 channel 來包裝原始 blocks，以便收集完整內容廣播到監控器
	wrappedBlocks := make(chan llm.ContentBlock, g.channelBuffer)

	go func() {
		defer close(wrappedBlocks)
		var full strings.Builder
		for block := range blocks {
			// 只收集 text 類型的內容用於監控
			if block.Type == llm.BlockTypeText {
				full.WriteString(block.Text)
			}
			wrappedBlocks <- block
		}
		// 串流結束後，廣播完整訊息到監控器
		if full.Len() > 0 {
			g.observe("ASSISTANT", session, full.String())
		}
	}()

	err := c.Stream(session, wrappedBlocks)
	// 通道提早返回時把剩下的 blocks 消化掉
	for range wrappedBlocks {
	}
	return err
}

// OnMessage 實作 ChannelContext 介面，接收來自 Channel 的訊息
func (g *GatewayManager) OnMessage(channelID string, msg *UnifiedMessage) {
	slog.Info("[Gateway] <- Received", "channel", channelID, "user", msg.Session.Username, "user_id", msg.Session.UserID, "content", msg.Content)
	g.observe("USER", msg.Session, msg.Content)

	if g.msgHandler != nil {
		g.msgHandler(msg)
	} else {
		slog.Warn("[Gateway] No message handler set")
	}
}

func (g *GatewayManager) observe(kind string, session SessionContext, content string) {
	if g.monitor == nil {
		return
	}
	g.monitor.OnMessage(monitor.MonitorMessage{
		Timestamp:   time.Now(),
		MessageType: kind,
		ChannelID:   session.ChannelID,
		Username:    session.Username,
		Content:     content,
	})
}
