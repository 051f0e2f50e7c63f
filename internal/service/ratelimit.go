package service

import (
	"context"
	"sync"
	"time"

	"leadflow/internal/util"

	"go.uber.org/zap"
)

// RateLimitBackend is the durable counter store for the worker-call limiter
type RateLimitBackend interface {
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)
}

// WorkerLimiter bounds enrichment worker calls per key within a fixed window.
// When the backend is unreachable it degrades to an in-process window with a
// bounded entry count, injected and reset on process start rather than held
// as ambient module state.
type WorkerLimiter struct {
	backend    RateLimitBackend
	window     time.Duration
	max        int64
	maxEntries int
	logger     *zap.Logger

	mu       sync.Mutex
	fallback map[string]*localWindow
}

type localWindow struct {
	count   int64
	resetAt time.Time
}

// NewWorkerLimiter creates a limiter allowing max calls per window per key.
// maxEntries bounds the in-process fallback map.
func NewWorkerLimiter(backend RateLimitBackend, window time.Duration, max int64, maxEntries int) *WorkerLimiter {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	return &WorkerLimiter{
		backend:    backend,
		window:     window,
		max:        max,
		maxEntries: maxEntries,
		logger:     util.GetLogger(),
		fallback:   make(map[string]*localWindow),
	}
}

// Allow reports whether another worker call is permitted for the key
func (l *WorkerLimiter) Allow(ctx context.Context, key string) bool {
	if l.max <= 0 {
		return true
	}

	if l.backend != nil {
		count, err := l.backend.IncrWindow(ctx, key, l.window)
		if err == nil {
			return count <= l.max
		}
		l.logger.Warn("Rate limit backend unavailable, using in-process window",
			zap.String("key", key),
			zap.Error(err))
	}

	return l.allowLocal(key)
}

func (l *WorkerLimiter) allowLocal(key string) bool {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for k, w := range l.fallback {
		if now.After(w.resetAt) {
			delete(l.fallback, k)
		}
	}

	w, ok := l.fallback[key]
	if !ok {
		if len(l.fallback) >= l.maxEntries {
			// Map is at capacity with live windows. Failing open here keeps
			// the pipeline moving; the durable backend is the real limit.
			l.logger.Warn("In-process rate limit map at capacity, allowing call",
				zap.String("key", key))
			return true
		}
		l.fallback[key] = &localWindow{count: 1, resetAt: now.Add(l.window)}
		return l.max >= 1
	}

	w.count++
	return w.count <= l.max
}
