package llm

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimitedClient 在送出請求前以 token bucket 節流，
// 避免手機網路下短時間內連發 decision / recovery / synthesis 三個呼叫被 provider 429。
type RateLimitedClient struct {
	next    LLMClient
	limiter *rate.Limiter
}

// NewRateLimitedClient 以每分鐘請求數建立節流器。rpm <= 0 時不限制。
func NewRateLimitedClient(next LLMClient, rpm int) *RateLimitedClient {
	limit, burst := rpmToLimit(rpm)
	return &RateLimitedClient{next: next, limiter: rate.NewLimiter(limit, burst)}
}

// SetRPM 動態調整速率（system.json 熱更新時呼叫）
func (c *RateLimitedClient) SetRPM(rpm int) {
	limit, burst := rpmToLimit(rpm)
	c.limiter.SetBurst(burst)
	c.limiter.SetLimit(limit)
}

func rpmToLimit(rpm int) (rate.Limit, int) {
	if rpm <= 0 {
		return rate.Inf, 1
	}
	return rate.Limit(float64(rpm) / 60.0), max(1, rpm/10)
}

func (c *RateLimitedClient) StreamChat(ctx context.Context, messages []Message, opts Options) (<-chan StreamChunk, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	return c.next.StreamChat(ctx, messages, opts)
}

func (c *RateLimitedClient) IsTransientError(err error) bool {
	return c.next.IsTransientError(err)
}

func (c *RateLimitedClient) SetDebug(enabled bool) {
	if d, ok := c.next.(DebugSetter); ok {
		d.SetDebug(enabled)
	}
}
