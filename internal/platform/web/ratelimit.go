package web

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Default cleanup intervals.
const (
	cleanupInterval = 1 * time.Minute
	visitorTimeout  = 3 * time.Minute
)

// bucket is the token bucket of a single client IP.
type bucket struct {
	// mu protects tokens and lastRefill, so different clients never contend.
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// RateLimiter limits intake requests per client IP using a token bucket.
type RateLimiter struct {
	// mu protects the buckets map itself.
	mu      sync.RWMutex
	buckets map[string]*bucket

	// rate is the number of tokens added per second.
	rate float64
	// capacity is the max burst size.
	capacity float64

	now func() time.Time
}

// NewRateLimiter creates a RateLimiter. Call Run to evict idle clients.
func NewRateLimiter(rate, capacity float64) *RateLimiter {
	return &RateLimiter{
		buckets:  make(map[string]*bucket),
		rate:     rate,
		capacity: capacity,
		now:      time.Now,
	}
}

// getBucket retrieves or creates the bucket for ip.
func (rl *RateLimiter) getBucket(ip string) *bucket {
	rl.mu.RLock()
	b, exists := rl.buckets[ip]
	rl.mu.RUnlock()
	if exists {
		return b
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Another request may have created it meanwhile.
	if b, exists = rl.buckets[ip]; !exists {
		b = &bucket{tokens: rl.capacity, lastRefill: rl.now()}
		rl.buckets[ip] = b
	}
	return b
}

// Allow reports whether ip may make a request now, consuming a token if so.
// Tokens are refilled lazily from the time elapsed since the last refill.
func (rl *RateLimiter) Allow(ip string) bool {
	b := rl.getBucket(ip)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := rl.now()
	if added := now.Sub(b.lastRefill).Seconds() * rl.rate; added > 0 {
		b.tokens = min(b.tokens+added, rl.capacity)
		b.lastRefill = now
	}

	if b.tokens >= 1.0 {
		b.tokens--
		return true
	}
	return false
}

// Run evicts idle clients until ctx is done.
func (rl *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.evictIdle()
		}
	}
}

func (rl *RateLimiter) evictIdle() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for ip, b := range rl.buckets {
		b.mu.Lock()
		if now.Sub(b.lastRefill) > visitorTimeout {
			delete(rl.buckets, ip)
		}
		b.mu.Unlock()
	}
}

// Middleware rejects requests over the limit with 429.
func (rl *RateLimiter) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientIP(r)) {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "Too Many Requests"})
			return
		}
		next(w, r)
	}
}

// clientIP prefers the first X-Forwarded-For hop over the peer address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
