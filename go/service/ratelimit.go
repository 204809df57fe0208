package service

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// RateLimiter is a fixed-window counter in the fast store, keyed by API-key
// hash and window start. A fast-store outage fails open: embedded widgets
// keep working when the bus does not.
type RateLimiter struct {
	client *redis.Client
	ns     string
	window time.Duration
	// defaultLimit applies to keys without their own rate_limit.
	defaultLimit int64
}

func NewRateLimiter(client *redis.Client, ns string, window time.Duration, defaultLimit int64) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	if defaultLimit <= 0 {
		defaultLimit = 60
	}
	return &RateLimiter{client: client, ns: ns, window: window, defaultLimit: defaultLimit}
}

// Allow counts one request against the key's current window. When the
// limit is exceeded it returns false and the seconds until rollover.
func (l *RateLimiter) Allow(ctx context.Context, keyHash string, limit *int64) (bool, int64) {
	var effective = l.defaultLimit
	if limit != nil && *limit > 0 {
		effective = *limit
	}

	var windowStart = time.Now().Truncate(l.window)
	var key = fmt.Sprintf("%s:ratelimit:%s:%d", l.ns, keyHash, windowStart.Unix())

	var count, err = l.client.Incr(ctx, key).Result()
	if err != nil {
		log.WithError(err).Warn("rate limit counter unavailable; permitting request")
		return true, 0
	}
	if count == 1 {
		// First hit owns the window TTL; +1s covers clock skew at rollover.
		if err := l.client.Expire(ctx, key, l.window+time.Second).Err(); err != nil {
			log.WithError(err).Warn("failed to set rate limit window expiry")
		}
	}

	if count > effective {
		var retryAfter = int64(time.Until(windowStart.Add(l.window)).Seconds()) + 1
		return false, retryAfter
	}
	return true, 0
}
