package store

import (
	"context"
	"errors"
	"fmt"

	"pocketmind/pkg/agent"

	"github.com/redis/go-redis/v9"
)

// RedisConfig describes the Redis connection.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix 預設 "pocketmind:turns:"
	Prefix   string
	MaxTurns int
}

// RedisStore keeps each conversation as a Redis list, newest turn first.
type RedisStore struct {
	client   *redis.Client
	prefix   string
	maxTurns int
}

func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return newRedisStore(client, cfg), nil
}

func newRedisStore(client *redis.Client, cfg RedisConfig) *RedisStore {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "pocketmind:turns:"
	}
	maxTurns := cfg.MaxTurns
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	return &RedisStore{client: client, prefix: prefix, maxTurns: maxTurns}
}

func (s *RedisStore) key(conversationID string) string {
	return s.prefix + conversationID
}

func (s *RedisStore) Save(ctx context.Context, turn agent.Turn) error {
	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("failed to encode turn: %w", err)
	}

	key := s.key(turn.ConversationID)
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, int64(s.maxTurns-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save turn: %w", err)
	}
	return nil
}

func (s *RedisStore) LoadRecent(ctx context.Context, conversationID string, limit int) ([]agent.Turn, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	values, err := s.client.LRange(ctx, s.key(conversationID), 0, stop).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to load turns: %w", err)
	}

	// list 是新到舊，回傳要舊到新
	turns := make([]agent.Turn, 0, len(values))
	for i := len(values) - 1; i >= 0; i-- {
		var t agent.Turn
		if err := json.Unmarshal([]byte(values[i]), &t); err != nil {
			continue
		}
		turns = append(turns, t)
	}
	return turns, nil
}

func (s *RedisStore) Clear(ctx context.Context, conversationID string) error {
	return s.client.Del(ctx, s.key(conversationID)).Err()
}

func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
