package httpapi

import (
	"net"
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// maxTrackedClients bounds the per-client limiter map so unauthenticated
// scans cannot grow it without limit.
const maxTrackedClients = 1024

// rateLimiter applies a per-client token bucket in front of the mux.
type rateLimiter struct {
	next http.Handler

	mu      sync.Mutex
	clients map[string]*rate.Limiter
}

func newRateLimiter(next http.Handler) *rateLimiter {
	return &rateLimiter{next: next, clients: make(map[string]*rate.Limiter)}
}

func (rl *rateLimiter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !rl.limiterFor(host).Allow() {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}
	rl.next.ServeHTTP(w, r)
}

func (rl *rateLimiter) limiterFor(host string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if lim, ok := rl.clients[host]; ok {
		return lim
	}
	if len(rl.clients) >= maxTrackedClients {
		rl.clients = make(map[string]*rate.Limiter)
	}
	lim := rate.NewLimiter(rate.Limit(10), 20)
	rl.clients[host] = lim
	return lim
}
