package server

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimiter is a per-IP sliding window limiter for the stats API.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string][]time.Time
	limit    int
	window   time.Duration
	enabled  bool
	now      func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter allows limit requests per window and IP. A limit of 0
// disables it.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		visitors: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		enabled:  limit > 0,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	if rl.enabled {
		go rl.cleanupLoop()
	}
	return rl
}

// Allow reports whether ip may make another request now.
func (rl *RateLimiter) Allow(ip string) bool {
	if !rl.enabled {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	recent := prune(rl.visitors[ip], now.Add(-rl.window))
	if len(recent) >= rl.limit {
		rl.visitors[ip] = recent
		return false
	}
	rl.visitors[ip] = append(recent, now)
	return true
}

// Stop ends the cleanup goroutine. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.window)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.cleanup()
		}
	}
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-rl.window)
	for ip, reqs := range rl.visitors {
		if valid := prune(reqs, cutoff); len(valid) == 0 {
			delete(rl.visitors, ip)
		} else {
			rl.visitors[ip] = valid
		}
	}
}

// prune drops timestamps at or before cutoff, reusing the backing array.
func prune(reqs []time.Time, cutoff time.Time) []time.Time {
	valid := reqs[:0]
	for _, t := range reqs {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	return valid
}

func isAPIPath(path string) bool {
	return strings.HasPrefix(path, "/api/")
}

// clientIP returns the address of the caller. Forwarding headers are only
// honoured when the service sits behind a trusted proxy; otherwise they are
// client-controlled and ignored.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
