package admin

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"
)

// securityHeaders sets response headers for a JSON API that must not be
// framed, sniffed or cached.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

type rateWindow struct {
	count   int
	resetAt time.Time
}

// rateLimiter counts requests per client in fixed windows.
type rateLimiter struct {
	mu          sync.Mutex
	windows     map[string]*rateWindow
	maxRequests int
	window      time.Duration
	now         func() time.Time
}

func newRateLimiter(maxRequests int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		windows:     make(map[string]*rateWindow),
		maxRequests: maxRequests,
		window:      window,
		now:         time.Now,
	}
}

// allow reports whether client may make another request, and if not,
// the seconds until its window resets.
func (rl *rateLimiter) allow(client string) (bool, int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for k, w := range rl.windows {
		if now.After(w.resetAt) {
			delete(rl.windows, k)
		}
	}

	w, ok := rl.windows[client]
	if !ok {
		rl.windows[client] = &rateWindow{count: 1, resetAt: now.Add(rl.window)}
		return true, 0
	}
	if w.count >= rl.maxRequests {
		return false, max(int(w.resetAt.Sub(now).Seconds())+1, 1)
	}
	w.count++
	return true, 0
}

// rateLimitMiddleware answers 429 once a non-loopback client exceeds
// maxRequests per window.
func rateLimitMiddleware(maxRequests int, window time.Duration, next http.Handler) http.Handler {
	limiter := newRateLimiter(maxRequests, window)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if parsed := net.ParseIP(ip); parsed != nil && parsed.IsLoopback() {
			next.ServeHTTP(w, r)
			return
		}
		if ok, retryAfter := limiter.allow(ip); !ok {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = fmt.Fprint(w, `{"error":"rate limit exceeded"}`)
			return
		}
		next.ServeHTTP(w, r)
	})
}
