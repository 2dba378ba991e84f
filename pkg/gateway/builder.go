package gateway

import (
	"errors"
	"fmt"
	"log/slog"

	"pocketmind/pkg/api"
	"pocketmind/pkg/config"
	"pocketmind/pkg/monitor"
)

// GatewayBuilder assembles a GatewayManager from pre-built parts: channels
// coming from channels.LoadFromConfig and the chat handler driving the
// engine. Build either returns a running gateway or leaves nothing running.
type GatewayBuilder struct {
	monitor  monitor.Monitor
	system   *config.SystemConfig
	handler  api.MessageProcessor
	channels []api.Channel
}

func NewGatewayBuilder() *GatewayBuilder {
	return &GatewayBuilder{}
}

// WithMonitor mirrors user and assistant traffic to m. m is started by Build.
func (b *GatewayBuilder) WithMonitor(m monitor.Monitor) *GatewayBuilder {
	b.monitor = m
	return b
}

// WithSystemConfig sizes the internal buffers.
func (b *GatewayBuilder) WithSystemConfig(cfg *config.SystemConfig) *GatewayBuilder {
	b.system = cfg
	return b
}

func (b *GatewayBuilder) WithChannel(channels ...api.Channel) *GatewayBuilder {
	b.channels = append(b.channels, channels...)
	return b
}

// WithHandler routes every incoming message to h. A handler that implements
// api.ResponderAware gets the gateway as its responder.
func (b *GatewayBuilder) WithHandler(h api.MessageProcessor) *GatewayBuilder {
	b.handler = h
	return b
}

// Build registers every channel, wires the handler and starts the monitor
// and the channels. All registration problems are reported together; a
// failed start stops whatever was already running.
func (b *GatewayBuilder) Build() (*GatewayManager, error) {
	gw := NewGatewayManager()
	if b.system != nil {
		gw.WithSystemConfig(b.system)
	}

	var errs []error
	for _, c := range b.channels {
		if c == nil {
			continue
		}
		if err := gw.Register(c); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	if b.handler != nil {
		if aware, ok := b.handler.(api.ResponderAware); ok {
			aware.SetResponder(gw)
		}
		gw.SetMessageHandler(b.handler.OnMessage)
	} else if len(b.channels) > 0 {
		slog.Warn("⚠️ Gateway has channels but no handler, incoming messages are dropped")
	}

	if b.monitor != nil {
		gw.SetMonitor(b.monitor)
		if err := b.monitor.Start(); err != nil {
			return nil, fmt.Errorf("failed to start monitor: %w", err)
		}
	}

	if err := gw.StartAll(); err != nil {
		// StopAll 也會停掉 monitor
		gw.StopAll()
		return nil, fmt.Errorf("failed to start channels: %w", err)
	}
	return gw, nil
}
