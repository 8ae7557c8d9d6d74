package middleware

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/keyleu/secure-messaging/pkg/logger"
)

const maxLimiters = 10000

// RateLimiter keeps one token bucket per sender, or per remote address for
// anonymous requests.
//
// At most capacity buckets are kept. When a new key arrives at the cap,
// buckets that have refilled to burst are dropped, since a fresh bucket
// behaves the same. If none has, the fullest one goes.
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	capacity int
	now      func() time.Time
	logger   *logger.Logger
}

// NewRateLimiter creates a rate limiter.
func NewRateLimiter(requestsPerSecond float64, burst int, log *logger.Logger) *RateLimiter {
	if log == nil {
		log = logger.NewDefault("ratelimit")
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
		capacity: maxLimiters,
		now:      time.Now,
		logger:   log,
	}
}

func (rl *RateLimiter) getLimiter(key string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limiter, ok := rl.limiters[key]
	if !ok {
		if len(rl.limiters) >= rl.capacity {
			rl.evict(now)
		}
		limiter = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[key] = limiter
	}
	return limiter
}

func (rl *RateLimiter) evict(now time.Time) {
	full := float64(rl.burst)
	fullest, most := "", -1.0
	for key, l := range rl.limiters {
		tokens := l.TokensAt(now)
		if tokens >= full {
			delete(rl.limiters, key)
			continue
		}
		if tokens > most {
			fullest, most = key, tokens
		}
	}
	if len(rl.limiters) >= rl.capacity {
		delete(rl.limiters, fullest)
	}
}

// Handler rejects requests over the limit with 429.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := Sender(r.Context())
		if key == "" {
			key = r.RemoteAddr
		}

		now := rl.now()
		if !rl.getLimiter(key, now).AllowN(now, 1) {
			rl.logger.WithContext(r.Context()).WithFields(map[string]interface{}{
				"key":  key,
				"path": r.URL.Path,
			}).Warn("rate limit exceeded")
			w.Header().Set("Retry-After", "1")
			WriteError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
