package channels

import (
	"log/slog"
	"sort"

	"pocketmind/pkg/gateway"

	jsoniter "github.com/json-iterator/go"
)

// LoadFromConfig resolves a factory for every configured channel and builds
// it. Channels that fail to build are logged and skipped so one bad entry
// does not keep the others down. The result is ordered by channel name.
func LoadFromConfig(configs map[string]jsoniter.RawMessage, deps Deps) []gateway.Channel {
	names := make([]string, 0, len(configs))
	for name := range configs {
		names = append(names, name)
	}
	sort.Strings(names)

	var built []gateway.Channel
	for _, name := range names {
		factory, ok := GetChannelFactory(name)
		if !ok {
			slog.Warn("Unknown channel type", "name", name, "registered", RegisteredChannels())
			continue
		}

		channel, err := factory.Create(configs[name], deps)
		if err != nil {
			slog.Error("Failed to create channel", "name", name, "error", err)
			continue
		}

		// If Create returns nil (e.g., disabled in config), skip
		if channel == nil {
			continue
		}

		built = append(built, channel)
		slog.Info("Channel created", "name", name)
	}
	return built
}
