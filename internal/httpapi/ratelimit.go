package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter decides whether one more request from key is allowed right
// now. retryAfter is only meaningful when allowed is false.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error)
}

// SlidingWindow counts requests per key over a trailing window. The memory
// implementation keeps per-key timestamp slices; the Redis implementation
// keeps the same window in a sorted set so every process edge shares one
// counter.
type SlidingWindow struct {
	Limit  int
	Window time.Duration

	mu   sync.Mutex
	hits map[string][]time.Time
}

// NewSlidingWindow builds an in-process limiter of limit requests per window.
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{Limit: limit, Window: window, hits: make(map[string][]time.Time)}
}

// Allow implements RateLimiter.
func (s *SlidingWindow) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	now := time.Now()
	cutoff := now.Add(-s.Window)

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.hits[key][:0]
	for _, t := range s.hits[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.hits[key] = kept

	if len(kept) >= s.Limit {
		return false, kept[0].Add(s.Window).Sub(now), nil
	}
	s.hits[key] = append(kept, now)
	return true, 0, nil
}

// RedisSlidingWindow shares the sliding window across processes through a
// sorted set per key, scored by request time.
type RedisSlidingWindow struct {
	Client *redis.Client
	Limit  int
	Window time.Duration
	Prefix string
}

// Allow implements RateLimiter.
func (r *RedisSlidingWindow) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	now := time.Now()
	zkey := r.Prefix + key
	cutoff := strconv.FormatInt(now.Add(-r.Window).UnixNano(), 10)

	pipe := r.Client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, zkey, "0", cutoff)
	count := pipe.ZCard(ctx, zkey)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("rate limit window: %w", err)
	}

	if int(count.Val()) >= r.Limit {
		oldest, err := r.Client.ZRangeWithScores(ctx, zkey, 0, 0).Result()
		retry := r.Window
		if err == nil && len(oldest) == 1 {
			retry = time.Unix(0, int64(oldest[0].Score)).Add(r.Window).Sub(now)
		}
		return false, retry, nil
	}

	member := strconv.FormatInt(now.UnixNano(), 10)
	pipe = r.Client.TxPipeline()
	pipe.ZAdd(ctx, zkey, redis.Z{Score: float64(now.UnixNano()), Member: member})
	pipe.Expire(ctx, zkey, r.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("rate limit record: %w", err)
	}
	return true, 0, nil
}

// rateLimitMiddleware rejects over-limit clients with 429 and a
// Retry-After header, keyed by the resolved client identity.
func rateLimitMiddleware(limiter RateLimiter, identity Identity, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		key := identity.Resolve(req)
		allowed, retryAfter, err := limiter.Allow(req.Context(), key)
		if err != nil {
			// A broken limiter backend should not take the API down.
			next.ServeHTTP(w, req)
			return
		}
		if !allowed {
			seconds := int(retryAfter.Seconds())
			if seconds < 1 {
				seconds = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, req)
	})
}
