package transport

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter paces model requests. A nil Limiter never blocks.
type Limiter struct {
	limiter *rate.Limiter
}

// NewLimiter allows rps requests per second with the given burst. A
// non-positive rps disables limiting.
func NewLimiter(rps float64, burst int) *Limiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	return &Limiter{limiter: rate.NewLimiter(limit, max(burst, 1))}
}

// Wait blocks until a request may be sent and reports how long it blocked
func (l *Limiter) Wait(ctx context.Context) (time.Duration, error) {
	if l == nil {
		return 0, nil
	}
	start := time.Now()
	err := l.limiter.Wait(ctx)
	return time.Since(start), err
}

// Rate returns the configured requests per second, 0 when unlimited
func (l *Limiter) Rate() float64 {
	if l == nil || l.limiter.Limit() == rate.Inf {
		return 0
	}
	return float64(l.limiter.Limit())
}

// LimiterPool hands out one Limiter per model endpoint, so agents and workers
// in the same process draw from a single request budget.
type LimiterPool struct {
	mu       sync.Mutex
	limiters map[string]*Limiter
}

// NewLimiterPool creates an empty pool
func NewLimiterPool() *LimiterPool {
	return &LimiterPool{limiters: make(map[string]*Limiter)}
}

// For returns the endpoint's limiter, creating it with rps and burst on first use
func (p *LimiterPool) For(endpoint string, rps float64, burst int) *Limiter {
	key := strings.TrimRight(strings.ToLower(strings.TrimSpace(endpoint)), "/")

	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.limiters[key]; ok {
		return l
	}
	l := NewLimiter(rps, burst)
	p.limiters[key] = l
	return l
}
