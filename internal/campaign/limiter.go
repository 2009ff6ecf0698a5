package campaign

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter is consulted before every recipient send. Forget is called once
// a user's campaign finishes.
type Limiter interface {
	Wait(ctx context.Context, userID string) error
	Forget(userID string)
}

// UserLimiter gives every user an independent token bucket.
type UserLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewUserLimiter returns nil when perSecond is not positive, which disables limiting.
func NewUserLimiter(perSecond float64, burst int) *UserLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &UserLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (l *UserLimiter) Wait(ctx context.Context, userID string) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	lim, ok := l.limiters[userID]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[userID] = lim
	}
	l.mu.Unlock()
	return lim.Wait(ctx)
}

func (l *UserLimiter) Forget(userID string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.limiters, userID)
	l.mu.Unlock()
}

func (l *UserLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
