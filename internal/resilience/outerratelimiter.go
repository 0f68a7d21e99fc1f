package resilience

import (
	"time"

	"golang.org/x/time/rate"
)

// OuterRateLimiter is the optional rate limiter configured by
// `rate_limit_num` / `rate_limit_duration_secs`.
// It is orthogonal to the Controller: it caps request admission before
// a permit is ever requested, independent of observed RTT or the
// current concurrency limit. Grounded on internal/auth/ratelimiter.go's
// use of golang.org/x/time/rate, scoped down from that file's
// per-tenant map to a single limiter since the auto-concurrency
// Controller is itself single-instance per sink.
type OuterRateLimiter struct {
	limiter *rate.Limiter
}

// NewOuterRateLimiter builds a token-bucket limiter allowing num events
// per window. A non-positive num or window disables the limiter (Allow
// always returns true).
func NewOuterRateLimiter(num int, window time.Duration) *OuterRateLimiter {
	if num <= 0 || window <= 0 {
		return &OuterRateLimiter{}
	}
	r := rate.Limit(float64(num) / window.Seconds())
	return &OuterRateLimiter{limiter: rate.NewLimiter(r, num)}
}

// Allow reports whether a request may proceed right now.
func (o *OuterRateLimiter) Allow() bool {
	if o.limiter == nil {
		return true
	}
	return o.limiter.Allow()
}
