package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRateLimiter is a fixed window limiter whose counters live in Redis, so
// every server instance shares one budget per user.
type RedisRateLimiter struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
	code   string
	now    func() time.Time
	logger *slog.Logger
}

// NewRedisRegisterRateLimiter limits event queue registrations per user across instances.
func NewRedisRegisterRateLimiter(client *redis.Client, limit int, window time.Duration, logger *slog.Logger) *RedisRateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRateLimiter{
		client: client,
		prefix: "ratelimit:register",
		limit:  limit,
		window: window,
		code:   "REGISTER_RATE_LIMITED",
		now:    time.Now,
		logger: logger.With("component", "rate_limit"),
	}
}

// Take counts one request for key in the current window and returns the
// window's count and end.
func (rl *RedisRateLimiter) Take(ctx context.Context, key string) (int64, time.Time, error) {
	bucket := rl.now().Truncate(rl.window)
	reset := bucket.Add(rl.window)
	redisKey := rl.prefix + ":" + key + ":" + strconv.FormatInt(bucket.Unix(), 10)

	pipe := rl.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.ExpireAt(ctx, redisKey, reset.Add(time.Second))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, reset, err
	}
	return incr.Val(), reset, nil
}

// Limit is the middleware. Redis failures let the request through.
func (rl *RedisRateLimiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := ExtractUserID(r.Context())
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		count, resetTime, err := rl.Take(r.Context(), strconv.FormatInt(userID, 10))
		if err != nil {
			rl.logger.Warn("rate limit counter unavailable", "user_id", userID, "error", err)
			next.ServeHTTP(w, r)
			return
		}

		remaining := int64(rl.limit) - count
		if remaining < 0 {
			remaining = 0
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetTime.Unix(), 10))

		if count > int64(rl.limit) {
			writeRateLimitError(w, rl.code, resetTime)
			return
		}
		next.ServeHTTP(w, r)
	})
}
