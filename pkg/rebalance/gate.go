package rebalance

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Gate decides when a factor change is worth announcing: the factor must
// move by more than epsilon and the limiter must allow it.
type Gate struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	epsilon float64
	last    float64
	sent    bool
}

func NewGate(every time.Duration, burst int, epsilon float64) *Gate {
	limit := rate.Inf
	if every > 0 {
		limit = rate.Every(every)
	}
	if burst < 1 {
		burst = 1
	}
	return &Gate{limiter: rate.NewLimiter(limit, burst), epsilon: epsilon}
}

// Allow reports whether factor should be announced and records it if so.
func (g *Gate) Allow(factor float64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sent && math.Abs(factor-g.last) <= g.epsilon {
		return false
	}
	if !g.limiter.Allow() {
		return false
	}
	g.last, g.sent = factor, true
	return true
}

// Force records factor as announced regardless of the limiter.
func (g *Gate) Force(factor float64) {
	g.mu.Lock()
	g.last, g.sent = factor, true
	g.mu.Unlock()
}
