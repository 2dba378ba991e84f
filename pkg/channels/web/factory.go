package web

import (
	"fmt"

	"pocketmind/pkg/channels"
	"pocketmind/pkg/gateway"

	jsoniter "github.com/json-iterator/go"
)

// WebFactory 負責建立 Web Channels
type WebFactory struct{}

// Create 實作 ChannelFactory
func (f *WebFactory) Create(rawConfig jsoniter.RawMessage, deps channels.Deps) (gateway.Channel, error) {
	var pCfg WebConfig
	if len(rawConfig) > 0 {
		if err := json.Unmarshal(rawConfig, &pCfg); err != nil {
			return nil, fmt.Errorf("failed to parse web config: %w", err)
		}
	}

	return NewWebChannel(pCfg, deps.Turns), nil
}

func init() {
	channels.RegisterChannel("web", &WebFactory{})
}
