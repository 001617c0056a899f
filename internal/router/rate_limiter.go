package router

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"roomsync/internal/clock"
)

// RateLimiter is a per-participant token bucket
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimit
	limit   rate.Limit
	burst   int
	clock   clock.Clock
}

type clientLimit struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows perMinute commands per participant with bursts of
// up to burst. perMinute <= 0 disables limiting.
func NewRateLimiter(perMinute, burst int, clk clock.Clock) *RateLimiter {
	if clk == nil {
		clk = clock.Real()
	}
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(perMinute))
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		clients: make(map[string]*clientLimit),
		limit:   limit,
		burst:   burst,
		clock:   clk,
	}
}

// Allow consumes one token for participantID
func (rl *RateLimiter) Allow(participantID string) bool {
	now := rl.clock.Now()

	rl.mu.Lock()
	cl, ok := rl.clients[participantID]
	if !ok {
		cl = &clientLimit{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[participantID] = cl
	}
	cl.lastSeen = now
	rl.mu.Unlock()

	return cl.limiter.AllowN(now, 1)
}

// Cleanup removes participants idle for longer than idle
func (rl *RateLimiter) Cleanup(idle time.Duration) int {
	now := rl.clock.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for id, cl := range rl.clients {
		if now.Sub(cl.lastSeen) > idle {
			delete(rl.clients, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked participants
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}
