package middleware

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

const defaultRatePerMinute = 30

// RateLimit caps requests per caller and minute under scope. Callers are
// keyed by user id, or IP before authentication. With Redis the count is a
// shared fixed-window counter and errors fail open; without it each
// process keeps its own token buckets.
func RateLimit(cache *redis.Client, scope string, maxPerMin int, logger *slog.Logger) fiber.Handler {
	if maxPerMin <= 0 {
		maxPerMin = defaultRatePerMinute
	}
	if cache == nil {
		return localRateLimit(maxPerMin)
	}
	return func(c *fiber.Ctx) error {
		key := "rl:" + scope + ":" + caller(c)
		cnt, err := cache.Incr(c.UserContext(), key).Result()
		if err != nil {
			logger.Warn("rate limit counter unavailable", slog.String("scope", scope), slog.Any("error", err))
			return c.Next()
		}
		if cnt == 1 {
			cache.Expire(c.UserContext(), key, time.Minute)
		}
		if cnt > int64(maxPerMin) {
			return tooManyRequests()
		}
		return c.Next()
	}
}

// bucketIdle is how long an unused bucket is kept. A bucket idle this long
// has refilled completely.
const bucketIdle = time.Minute

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// localLimiter keeps one token bucket per caller and sweeps idle buckets
// at most once per bucketIdle.
type localLimiter struct {
	mu        sync.Mutex
	every     rate.Limit
	burst     int
	buckets   map[string]*bucket
	lastSweep time.Time
	now       func() time.Time
}

func newLocalLimiter(maxPerMin int) *localLimiter {
	return &localLimiter{
		every:   rate.Every(time.Minute / time.Duration(maxPerMin)),
		burst:   maxPerMin,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

func (l *localLimiter) allow(id string) bool {
	now := l.now()
	l.mu.Lock()
	if now.Sub(l.lastSweep) >= bucketIdle {
		for k, b := range l.buckets {
			if now.Sub(b.seen) >= bucketIdle {
				delete(l.buckets, k)
			}
		}
		l.lastSweep = now
	}
	b, ok := l.buckets[id]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.every, l.burst)}
		l.buckets[id] = b
	}
	b.seen = now
	l.mu.Unlock()
	return b.lim.AllowN(now, 1)
}

func (l *localLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func localRateLimit(maxPerMin int) fiber.Handler {
	l := newLocalLimiter(maxPerMin)
	return func(c *fiber.Ctx) error {
		if !l.allow(caller(c)) {
			return tooManyRequests()
		}
		return c.Next()
	}
}

func caller(c *fiber.Ctx) string {
	if uid := UserID(c); uid != "" {
		return uid
	}
	return c.IP()
}

func tooManyRequests() error {
	return fiber.NewError(http.StatusTooManyRequests, "too many requests, try again later")
}
