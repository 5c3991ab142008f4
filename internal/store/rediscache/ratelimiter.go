package rediscache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"vaultchat/internal/ports"
)

// limitScript implements a fixed-window counter: the first Allow in a
// window sets the key's expiry to windowSeconds, every call increments it,
// and the call is admitted while the post-increment count is within limit.
// Coarser than internal/ratelimit.IPLimiter's token bucket at window edges,
// traded for a single round trip per check.
var limitScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local windowSeconds = tonumber(ARGV[2])

local count = redis.call('INCR', key)
if count == 1 then
	redis.call('EXPIRE', key, windowSeconds)
end
if count > limit then
	return 0
end
return 1
`)

// Limiter implements ports.RateLimiter as a distributed fixed-window
// counter against a shared Redis instance, for deployments running more
// than one vaultchat server instance behind a load balancer, where
// internal/ratelimit.IPLimiter's per-process bucket would let each instance
// grant its own independent budget to the same guest IP.
type Limiter struct {
	client redis.UniversalClient
	limit  int
	window time.Duration
}

// NewLimiter constructs a Limiter admitting up to limit calls per window
// per key, using the same rps/burst environment parameters as
// internal/ratelimit.New (window derived as burst/rps, limit as burst).
func NewLimiter(client redis.UniversalClient, limit int, window time.Duration) *Limiter {
	return &Limiter{client: client, limit: limit, window: window}
}

var _ ports.RateLimiter = (*Limiter)(nil)

func rateLimitKey(key string) string {
	return "vaultchat:ratelimit:" + key
}

// Allow implements ports.RateLimiter.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	res, err := limitScript.Run(ctx, l.client,
		[]string{rateLimitKey(key)},
		l.limit, int64(l.window/time.Second),
	).Int()
	if err != nil {
		return false, fmt.Errorf("rediscache: allow: %w", err)
	}
	return res == 1, nil
}
