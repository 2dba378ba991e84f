package gateway

import (
	"pocketmind/pkg/api"
)

// Aliases so channel and handler code can depend on the gateway package alone.
type Channel = api.Channel
type SignalingChannel = api.SignalingChannel
type SnapshotChannel = api.SnapshotChannel
type MessageResponder = api.MessageResponder
type ChannelContext = api.ChannelContext
type UnifiedMessage = api.UnifiedMessage
type SessionContext = api.SessionContext
type MessageHandler = api.MessageHandler
