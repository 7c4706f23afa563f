package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openviking/openviking/internal/config"
	"github.com/openviking/openviking/internal/errs"
	"github.com/openviking/openviking/internal/observability"
)

// rateLimiter applies a sliding-window limit per client key. When Redis
// is configured the window lives there so multiple replicas share it;
// otherwise an in-memory window is used.
type rateLimiter struct {
	limit  int
	window time.Duration
	redis  *redis.Client
	logger *observability.Logger

	mu      sync.Mutex
	local   map[string][]time.Time
	lastGC  time.Time
}

func newRateLimiter(cfg config.RateLimitConfig, logger *observability.Logger) *rateLimiter {
	rl := &rateLimiter{
		limit:  cfg.RequestsPerMinute,
		window: time.Minute,
		logger: logger,
		local:  make(map[string][]time.Time),
		lastGC: time.Now(),
	}
	if cfg.RedisAddr != "" {
		rl.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rl.redis.Ping(context.Background()).Err(); err != nil {
			logger.Warn("redis unreachable, falling back to in-memory rate limiting", "error", err)
			rl.redis = nil
		}
	}
	return rl
}

// allow reports whether the caller is within its window.
func (rl *rateLimiter) allow(ctx context.Context, key string) bool {
	if rl.limit <= 0 {
		return true
	}
	if rl.redis != nil {
		ok, err := rl.allowRedis(ctx, key)
		if err == nil {
			return ok
		}
		rl.logger.Warn("redis rate limit check failed", "error", err)
	}
	return rl.allowLocal(key)
}

func (rl *rateLimiter) allowRedis(ctx context.Context, key string) (bool, error) {
	now := time.Now().UnixNano()
	windowStart := now - rl.window.Nanoseconds()
	redisKey := "openviking:ratelimit:" + key

	if err := rl.redis.ZAdd(ctx, redisKey, redis.Z{Score: float64(now), Member: now}).Err(); err != nil {
		return false, err
	}
	if err := rl.redis.ZRemRangeByScore(ctx, redisKey, "-inf", fmt.Sprintf("(%d", windowStart)).Err(); err != nil {
		return false, err
	}
	count, err := rl.redis.ZCard(ctx, redisKey).Result()
	if err != nil {
		return false, err
	}
	if err := rl.redis.Expire(ctx, redisKey, rl.window*2).Err(); err != nil {
		return false, err
	}
	return count <= int64(rl.limit), nil
}

func (rl *rateLimiter) allowLocal(key string) bool {
	now := time.Now()
	cutoff := now.Add(-rl.window)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Periodic sweep of idle keys.
	if now.Sub(rl.lastGC) > rl.window {
		for k, times := range rl.local {
			if len(times) == 0 || times[len(times)-1].Before(cutoff) {
				delete(rl.local, k)
			}
		}
		rl.lastGC = now
	}

	times := rl.local[key]
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	rl.local[key] = kept
	return len(kept) <= rl.limit
}

// middleware rejects over-limit callers with RESOURCE_EXHAUSTED.
func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		if !rl.allow(r.Context(), clientKey(r)) {
			writeError(w, errs.Ef(errs.CodeResourceExhausted, "rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
