package middleware

import (
	"hash/fnv"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"blogcore/internal/config"
	apierrors "blogcore/internal/errors"
	"blogcore/internal/infrastructure"
)

const (
	limiterShards = 16

	// Visitors idle longer than this are evicted on the next sweep of
	// their shard.
	visitorTTL    = 10 * time.Minute
	sweepInterval = time.Minute
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type limiterShard struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	lastSweep time.Time
}

// RateLimiter applies a token bucket per client IP. Buckets live in a
// sharded map; a shard lock is only held for the lookup.
type RateLimiter struct {
	limit  rate.Limit
	burst  int
	shards [limiterShards]*limiterShard

	now    func() time.Time
	logger *slog.Logger
}

// NewRateLimiter creates a limiter from the IpRateLimit section.
func NewRateLimiter(cfg config.RateLimitConfig, logger *slog.Logger) *RateLimiter {
	rl := &RateLimiter{
		limit:  rate.Limit(cfg.RequestsPerSecond),
		burst:  cfg.Burst,
		now:    time.Now,
		logger: infrastructure.WithComponent(logger, "rate-limit"),
	}
	for i := range rl.shards {
		rl.shards[i] = &limiterShard{visitors: make(map[string]*visitor)}
	}
	return rl
}

func (rl *RateLimiter) shard(key string) *limiterShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return rl.shards[h.Sum32()%limiterShards]
}

// Allow reports whether a request from key may proceed.
func (rl *RateLimiter) Allow(key string) bool {
	now := rl.now()
	s := rl.shard(key)

	s.mu.Lock()
	v, ok := s.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		s.visitors[key] = v
	}
	v.lastSeen = now
	if now.Sub(s.lastSweep) > sweepInterval {
		for k, other := range s.visitors {
			if now.Sub(other.lastSeen) > visitorTTL {
				delete(s.visitors, k)
			}
		}
		s.lastSweep = now
	}
	lim := v.limiter
	s.mu.Unlock()

	return lim.AllowN(now, 1)
}

// Visitors returns the number of tracked clients.
func (rl *RateLimiter) Visitors() int {
	n := 0
	for _, s := range rl.shards {
		s.mu.Lock()
		n += len(s.visitors)
		s.mu.Unlock()
	}
	return n
}

// retryAfter is the time for one token to refill, in whole seconds.
func (rl *RateLimiter) retryAfter() string {
	if rl.limit <= 0 {
		return "60"
	}
	secs := math.Ceil(1 / float64(rl.limit))
	return strconv.Itoa(int(math.Max(secs, 1)))
}

// Handler implements rate limiting middleware
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIP(r)
		if rl.Allow(ip) {
			next.ServeHTTP(w, r)
			return
		}

		rl.logger.WarnContext(r.Context(), "rate limit exceeded",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("remote_addr", ip))

		w.Header().Set("Retry-After", rl.retryAfter())
		apierrors.WriteError(w, r, apierrors.ErrRateLimitExceeded)
	})
}
