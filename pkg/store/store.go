// Package store persists completed turns per conversation.
package store

import (
	"context"
	"fmt"

	"pocketmind/pkg/agent"
	"pocketmind/pkg/config"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultMaxTurns caps how many turns a conversation keeps.
const DefaultMaxTurns = 200

// Store is agent.TurnStore plus housekeeping used by the chat commands.
type Store interface {
	agent.TurnStore
	// Clear forgets a conversation.
	Clear(ctx context.Context, conversationID string) error
	Close() error
}

// Open builds the backend selected by cfg.Driver.
func Open(cfg config.StoreConfig) (Store, error) {
	maxTurns := cfg.MaxTurns
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}

	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(maxTurns), nil
	case "file":
		dir := cfg.Dir
		if dir == "" {
			dir = "data/conversations"
		}
		fs, err := NewFileStore(dir, maxTurns)
		if err != nil {
			return nil, err
		}
		return fs, nil
	case "redis":
		rs, err := NewRedisStore(RedisConfig{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
			Prefix:   cfg.Prefix,
			MaxTurns: maxTurns,
		})
		if err != nil {
			return nil, err
		}
		return rs, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// tail returns the last limit turns, or all of them when limit <= 0.
func tail(turns []agent.Turn, limit int) []agent.Turn {
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	out := make([]agent.Turn, len(turns))
	for i, t := range turns {
		out[i] = t.Clone()
	}
	return out
}
