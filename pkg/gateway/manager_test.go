package gateway

import (
	"errors"
	"sync"
	"testing"

	"pocketmind/pkg/agent"
	"pocketmind/pkg/api"
	"pocketmind/pkg/config"
	"pocketmind/pkg/llm"
	"pocketmind/pkg/monitor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// plainChannel supports only the base Channel interface.
type plainChannel struct {
	id      string
	mu      sync.Mutex
	sent    []string
	started bool
	stopped bool
	ctx     api.ChannelContext
}

func (c *plainChannel) ID() string { return c.id }

func (c *plainChannel) Stop() error {
	c.stopped = true
	return nil
}

func (c *plainChannel) Start(ctx api.ChannelContext) error {
	c.started = true
	c.ctx = ctx
	return nil
}

func (c *plainChannel) Send(s api.SessionContext, m string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, m)
	return nil
}

func (c *plainChannel) Stream(s api.SessionContext, blocks <-chan llm.ContentBlock) error {
	for b := range blocks {
		_ = c.Send(s, b.Type+":"+b.Text)
	}
	return nil
}

// richChannel also takes signals and snapshots.
type richChannel struct {
	plainChannel
	signals []string
	turns   []agent.Turn
}

func (c *richChannel) SendSignal(s api.SessionContext, signal string) error {
	c.signals = append(c.signals, signal)
	return nil
}

func (c *richChannel) SendTurn(s api.SessionContext, turn agent.Turn) error {
	c.turns = append(c.turns, turn)
	return nil
}

// brokenChannel fails to start.
type brokenChannel struct{ plainChannel }

func (c *brokenChannel) Start(ctx api.ChannelContext) error { return errors.New("port in use") }

// memMonitor keeps what the gateway reports.
type memMonitor struct {
	mu       sync.Mutex
	messages []monitor.MonitorMessage
	stopped  bool
}

func (m *memMonitor) Start() error { return nil }

func (m *memMonitor) Stop() error {
	m.stopped = true
	return nil
}

func (m *memMonitor) OnTurn(turn agent.Turn) {}
func (m *memMonitor) OnMessage(msg monitor.MonitorMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
}

func TestBuilderWiresChannelsAndHandler(t *testing.T) {
	plain := &plainChannel{id: "plain"}
	rich := &richChannel{plainChannel: plainChannel{id: "rich"}}
	mon := &memMonitor{}

	var got []*api.UnifiedMessage
	sys := config.DefaultSystemConfig()
	sys.InternalChannelBuffer = 7

	gw, err := NewGatewayBuilder().
		WithSystemConfig(sys).
		WithMonitor(mon).
		WithChannel(plain, rich).
		WithHandler(MessageHandler(func(msg *UnifiedMessage) { got = append(got, msg) })).
		Build()
	require.NoError(t, err)

	assert.True(t, plain.started)
	assert.True(t, rich.started)
	assert.Equal(t, 7, gw.channelBuffer)
	assert.Equal(t, []string{"plain", "rich"}, gw.ChannelIDs())

	plain.ctx.OnMessage("plain", &UnifiedMessage{Session: SessionContext{ChannelID: "plain", Username: "amy"}, Content: "hi"})
	require.Len(t, got, 1)
	assert.Equal(t, "hi", got[0].Content)

	mon.mu.Lock()
	require.Len(t, mon.messages, 1)
	assert.Equal(t, "USER", mon.messages[0].MessageType)
	mon.mu.Unlock()
}

func TestDuplicateChannelRejected(t *testing.T) {
	gw := NewGatewayManager()
	require.NoError(t, gw.Register(&plainChannel{id: "x"}))
	assert.Error(t, gw.Register(&plainChannel{id: "x"}))

	_, err := NewGatewayBuilder().WithChannel(&plainChannel{id: "y"}, &plainChannel{id: "y"}).Build()
	assert.Error(t, err)
}

func TestBuildStopsEverythingWhenAChannelFailsToStart(t *testing.T) {
	ok := &plainChannel{id: "a"}
	broken := &brokenChannel{plainChannel{id: "b"}}
	mon := &memMonitor{}

	gw, err := NewGatewayBuilder().WithMonitor(mon).WithChannel(ok, broken).Build()
	require.Error(t, err)
	assert.Nil(t, gw)
	assert.Contains(t, err.Error(), "port in use")

	assert.True(t, ok.started)
	assert.True(t, ok.stopped)
	assert.True(t, mon.stopped)
}

func TestOptionalCapabilitiesAreIgnoredWhenMissing(t *testing.T) {
	plain := &plainChannel{id: "plain"}
	rich := &richChannel{plainChannel: plainChannel{id: "rich"}}
	gw := NewGatewayManager()
	require.NoError(t, gw.Register(plain))
	require.NoError(t, gw.Register(rich))

	turn := agent.Turn{ID: "t1", State: agent.StateThinking}
	assert.NoError(t, gw.SendSignal(SessionContext{ChannelID: "plain"}, "thinking"))
	assert.NoError(t, gw.SendTurn(SessionContext{ChannelID: "plain"}, turn))
	assert.NoError(t, gw.SendSignal(SessionContext{ChannelID: "rich"}, "tool:web_fetch"))
	assert.NoError(t, gw.SendTurn(SessionContext{ChannelID: "rich"}, turn))

	assert.Equal(t, []string{"tool:web_fetch"}, rich.signals)
	require.Len(t, rich.turns, 1)
	assert.Equal(t, "t1", rich.turns[0].ID)

	assert.Error(t, gw.SendReply(SessionContext{ChannelID: "missing"}, "x"))
	assert.Error(t, gw.SendSignal(SessionContext{ChannelID: "missing"}, "x"))
	assert.Error(t, gw.SendTurn(SessionContext{ChannelID: "missing"}, turn))
}

func TestStreamReplyReportsFullText(t *testing.T) {
	plain := &plainChannel{id: "plain"}
	mon := &memMonitor{}
	gw := NewGatewayManager()
	gw.SetMonitor(mon)
	require.NoError(t, gw.Register(plain))

	blocks := make(chan llm.ContentBlock, 3)
	blocks <- llm.NewThinkingBlock("hmm")
	blocks <- llm.NewTextBlock("Hello ")
	blocks <- llm.NewTextBlock("world")
	close(blocks)

	require.NoError(t, gw.StreamReply(SessionContext{ChannelID: "plain"}, blocks))
	assert.Equal(t, []string{"thinking:hmm", "text:Hello ", "text:world"}, plain.sent)

	mon.mu.Lock()
	defer mon.mu.Unlock()
	require.Len(t, mon.messages, 1)
	assert.Equal(t, "ASSISTANT", mon.messages[0].MessageType)
	assert.Equal(t, "Hello world", mon.messages[0].Content)
}

func TestStreamReplyUnknownChannelDrains(t *testing.T) {
	gw := NewGatewayManager()
	blocks := make(chan llm.ContentBlock, 1)
	blocks <- llm.NewTextBlock("x")
	close(blocks)
	assert.Error(t, gw.StreamReply(SessionContext{ChannelID: "nope"}, blocks))
	_, open := <-blocks
	assert.False(t, open)
}
