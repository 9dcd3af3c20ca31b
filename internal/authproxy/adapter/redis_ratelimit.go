package adapter

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/careportal/prescription-auth/internal/authproxy/app"
	redisclient "github.com/careportal/prescription-auth/internal/redis"
)

// Compile-time check: RateLimiter satisfies app.RateLimiter.
var _ app.RateLimiter = (*RateLimiter)(nil)

// rateLimitScript atomically increments a counter and sets a TTL on the
// first write. This avoids the MULTI/EXEC approach which cannot
// conditionally EXPIRE only on the first increment, and avoids depending on
// EXPIRE ... NX (Redis 7.0+).
const rateLimitScript = `
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return count
`

// RateLimiter implements fixed-window rate limiting for the token endpoints
// backed by Redis. Redis errors result in denial, never a silent allow.
type RateLimiter struct {
	cmd redisclient.Cmdable
}

// NewRateLimiter creates a RateLimiter that uses cmd for Redis operations.
func NewRateLimiter(cmd redisclient.Cmdable) *RateLimiter {
	return &RateLimiter{cmd: cmd}
}

// CheckAndIncrement atomically increments the counter for key and checks
// whether the count exceeds limit within a fixed window of windowSeconds.
// Returns (true, nil) if the request is allowed, (false, nil) if the limit
// is exceeded, and (false, err) on Redis failure.
func (r *RateLimiter) CheckAndIncrement(ctx context.Context, key string, limit, windowSeconds int) (bool, error) {
	ctx, span := tracer.Start(ctx, "redis.ratelimit.check")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("db.operation", "EVAL"),
	)

	count, err := r.cmd.Eval(ctx, rateLimitScript, []string{key}, windowSeconds).Int64()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("rate limit check %q: %w", key, err)
	}

	return count <= int64(limit), nil
}
