package middleware

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"
)

var (
	ErrLimitExceeded  = errors.New("concurrency limit exceeded")
	ErrAcquireTimeout = errors.New("acquire timeout")
)

// LimiterConfig bounds a class of gateway work.
type LimiterConfig struct {
	// MaxConcurrent is the number of permits. 0 means unlimited.
	MaxConcurrent int
	// AcquireTimeout bounds the wait for a permit. 0 waits until the
	// request context ends.
	AcquireTimeout time.Duration
	// QueueSize caps the number of waiters. 0 means unlimited.
	QueueSize int
}

// Limiter hands out a fixed number of permits.
type Limiter struct {
	config  LimiterConfig
	permits chan struct{}
	waiting int32
	active  int32

	totalAcquired int64
	totalRejected int64
	totalTimeouts int64
}

// NewLimiter creates a limiter.
func NewLimiter(config LimiterConfig) *Limiter {
	l := &Limiter{config: config}
	if config.MaxConcurrent > 0 {
		l.permits = make(chan struct{}, config.MaxConcurrent)
		for i := 0; i < config.MaxConcurrent; i++ {
			l.permits <- struct{}{}
		}
	}
	return l
}

// Acquire blocks until a permit is available, the timeout elapses or ctx
// ends.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l.permits == nil {
		atomic.AddInt32(&l.active, 1)
		atomic.AddInt64(&l.totalAcquired, 1)
		return nil
	}

	if n := atomic.AddInt32(&l.waiting, 1); l.config.QueueSize > 0 && int(n) > l.config.QueueSize {
		atomic.AddInt32(&l.waiting, -1)
		atomic.AddInt64(&l.totalRejected, 1)
		return ErrLimitExceeded
	}
	defer atomic.AddInt32(&l.waiting, -1)

	var timeout <-chan time.Time
	if l.config.AcquireTimeout > 0 {
		timer := time.NewTimer(l.config.AcquireTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-l.permits:
		atomic.AddInt32(&l.active, 1)
		atomic.AddInt64(&l.totalAcquired, 1)
		return nil
	case <-ctx.Done():
		atomic.AddInt64(&l.totalTimeouts, 1)
		return ctx.Err()
	case <-timeout:
		atomic.AddInt64(&l.totalTimeouts, 1)
		return ErrAcquireTimeout
	}
}

// TryAcquire takes a permit without waiting.
func (l *Limiter) TryAcquire() bool {
	if l.permits == nil {
		atomic.AddInt32(&l.active, 1)
		atomic.AddInt64(&l.totalAcquired, 1)
		return true
	}
	select {
	case <-l.permits:
		atomic.AddInt32(&l.active, 1)
		atomic.AddInt64(&l.totalAcquired, 1)
		return true
	default:
		atomic.AddInt64(&l.totalRejected, 1)
		return false
	}
}

// Release returns a permit.
func (l *Limiter) Release() {
	atomic.AddInt32(&l.active, -1)
	if l.permits != nil {
		select {
		case l.permits <- struct{}{}:
		default:
		}
	}
}

// LimiterStats is a snapshot of limiter counters.
type LimiterStats struct {
	MaxConcurrent int   `json:"max_concurrent"`
	Active        int   `json:"active"`
	Waiting       int   `json:"waiting"`
	TotalAcquired int64 `json:"total_acquired"`
	TotalRejected int64 `json:"total_rejected"`
	TotalTimeouts int64 `json:"total_timeouts"`
}

// Stats returns current counters.
func (l *Limiter) Stats() LimiterStats {
	return LimiterStats{
		MaxConcurrent: l.config.MaxConcurrent,
		Active:        int(atomic.LoadInt32(&l.active)),
		Waiting:       int(atomic.LoadInt32(&l.waiting)),
		TotalAcquired: atomic.LoadInt64(&l.totalAcquired),
		TotalRejected: atomic.LoadInt64(&l.totalRejected),
		TotalTimeouts: atomic.LoadInt64(&l.totalTimeouts),
	}
}

// Handler holds each request until a permit is free and answers 503 when
// none becomes available.
func (l *Limiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := l.Acquire(r.Context()); err != nil {
			w.Header().Set("Retry-After", "1")
			WriteError(w, http.StatusServiceUnavailable, "overloaded", err.Error())
			return
		}
		defer l.Release()
		next.ServeHTTP(w, r)
	})
}
