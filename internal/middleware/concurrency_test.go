package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestLimiter_TryAcquire(t *testing.T) {
	l := NewLimiter(LimiterConfig{MaxConcurrent: 2})

	if !l.TryAcquire() || !l.TryAcquire() {
		t.Fatal("first two TryAcquire() calls should succeed")
	}
	if l.TryAcquire() {
		t.Error("third TryAcquire() should fail")
	}
	l.Release()
	if !l.TryAcquire() {
		t.Error("TryAcquire() after Release() should succeed")
	}

	stats := l.Stats()
	if stats.Active != 2 || stats.TotalAcquired != 3 || stats.TotalRejected != 1 {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestLimiter_Unlimited(t *testing.T) {
	l := NewLimiter(LimiterConfig{})
	for i := 0; i < 100; i++ {
		if err := l.Acquire(context.Background()); err != nil {
			t.Fatalf("Acquire() error = %v", err)
		}
	}
	if got := l.Stats().Active; got != 100 {
		t.Errorf("Active = %d, want 100", got)
	}
}

func TestLimiter_AcquireTimeout(t *testing.T) {
	l := NewLimiter(LimiterConfig{MaxConcurrent: 1, AcquireTimeout: 20 * time.Millisecond})
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := l.Acquire(context.Background()); !errors.Is(err, ErrAcquireTimeout) {
		t.Errorf("Acquire() error = %v, want ErrAcquireTimeout", err)
	}
}

func TestLimiter_ContextCancel(t *testing.T) {
	l := NewLimiter(LimiterConfig{MaxConcurrent: 1})
	_ = l.Acquire(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Acquire() error = %v, want context.Canceled", err)
	}
}

func TestLimiter_QueueSize(t *testing.T) {
	l := NewLimiter(LimiterConfig{MaxConcurrent: 1, QueueSize: 1})
	_ = l.Acquire(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = l.Acquire(ctx)
	}()

	deadline := time.Now().Add(time.Second)
	for l.Stats().Waiting != 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := l.Acquire(context.Background()); !errors.Is(err, ErrLimitExceeded) {
		t.Errorf("Acquire() error = %v, want ErrLimitExceeded", err)
	}
	cancel()
	wg.Wait()
}

func TestLimiter_Handler(t *testing.T) {
	l := NewLimiter(LimiterConfig{MaxConcurrent: 1, AcquireTimeout: 10 * time.Millisecond})
	handler := l.Handler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	_ = l.Acquire(context.Background())
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rr.Code)
	}
}
