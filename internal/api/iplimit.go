package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ipLimiter throttles requests per client IP with a token bucket each.
// Idle entries are evicted so the map stays bounded.
type ipLimiter struct {
	mu      sync.Mutex
	perMin  int
	burst   int
	clients map[string]*ipClient
}

type ipClient struct {
	lim  *rate.Limiter
	seen time.Time
}

func newIPLimiter(perMin, burst int) *ipLimiter {
	l := &ipLimiter{
		perMin:  perMin,
		burst:   burst,
		clients: map[string]*ipClient{},
	}
	go l.evictLoop()
	return l
}

func (l *ipLimiter) allow(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	l.mu.Lock()
	c, ok := l.clients[host]
	if !ok {
		c = &ipClient{lim: rate.NewLimiter(rate.Limit(float64(l.perMin)/60.0), l.burst)}
		l.clients[host] = c
	}
	c.seen = time.Now()
	l.mu.Unlock()
	return c.lim.Allow()
}

func (l *ipLimiter) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-10 * time.Minute)
		l.mu.Lock()
		for host, c := range l.clients {
			if c.seen.Before(cutoff) {
				delete(l.clients, host)
			}
		}
		l.mu.Unlock()
	}
}

func (l *ipLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(r.RemoteAddr) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
