// Package ratelimit implements per-IP request throttling for the lobby
// HTTP API, adapted from the ratelimit middleware pattern used
// elsewhere in the example corpus: a map of golang.org/x/time/rate
// limiters keyed by client IP, with a background goroutine evicting
// entries that have gone idle.
package ratelimit

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config configures per-IP limits.
type Config struct {
	Rate            rate.Limit
	Burst           int
	CleanupInterval time.Duration
	MaxAge          time.Duration
}

// DefaultConfig allows 5 room-lifecycle requests/second per IP with a
// burst of 10 — lobby calls are infrequent (create/join/ready/start),
// so this is generous enough for normal use while still bounding abuse.
func DefaultConfig() Config {
	return Config{
		Rate:            rate.Limit(5),
		Burst:           10,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          10 * time.Minute,
	}
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter is a per-IP rate limiter with background cleanup.
type Limiter struct {
	mu      sync.Mutex
	entries map[string]*entry
	cfg     Config
	stopCh  chan struct{}
}

// New creates a Limiter and starts its cleanup goroutine.
func New(cfg Config) *Limiter {
	l := &Limiter{entries: make(map[string]*entry), cfg: cfg, stopCh: make(chan struct{})}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a request from ip is within its budget.
func (l *Limiter) Allow(ip string) bool {
	l.mu.Lock()
	e, ok := l.entries[ip]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.cfg.Rate, l.cfg.Burst)}
		l.entries[ip] = e
	}
	e.lastSeen = time.Now()
	l.mu.Unlock()
	return e.limiter.Allow()
}

// Stop terminates the cleanup goroutine.
func (l *Limiter) Stop() { close(l.stopCh) }

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCh:
			return
		}
	}
}

func (l *Limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := time.Now().Add(-l.cfg.MaxAge)
	for ip, e := range l.entries {
		if e.lastSeen.Before(cutoff) {
			delete(l.entries, ip)
		}
	}
}

// ExtractIP returns the client IP from an HTTP request's RemoteAddr.
func ExtractIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
