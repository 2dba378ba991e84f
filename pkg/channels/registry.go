package channels

import (
	"sort"
	"sync"

	"pocketmind/pkg/agent"
	"pocketmind/pkg/config"
	"pocketmind/pkg/gateway"

	jsoniter "github.com/json-iterator/go"
)

// Deps carries the shared resources a channel may need at construction time.
type Deps struct {
	System *config.SystemConfig
	// Turns 讓通道在連線時回放歷史；可為 nil
	Turns agent.TurnStore
}

// ChannelFactory defines the abstract interface for platform-specific
// channel creators. This allows the system to support new platforms
// (e.g., Line, Discord) without modifying the core gateway logic.
type ChannelFactory interface {
	// Create instantiates a concrete Channel implementation using the
	// provided configuration and shared system resources.
	Create(rawConfig jsoniter.RawMessage, deps Deps) (gateway.Channel, error)
}

var (
	registryMu      sync.RWMutex
	channelRegistry = make(map[string]ChannelFactory)
)

// RegisterChannel adds a new ChannelFactory to the global internal registry.
// This is typically called during the package's init() phase.
func RegisterChannel(name string, factory ChannelFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	channelRegistry[name] = factory
}

// GetChannelFactory retrieves a registered ChannelFactory by platform name.
func GetChannelFactory(name string) (ChannelFactory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := channelRegistry[name]
	return f, ok
}

// RegisteredChannels 列出已註冊的通道名稱（排序後）
func RegisteredChannels() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(channelRegistry))
	for name := range channelRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
