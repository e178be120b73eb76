package httpserver

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// clientRateLimiter hands out a per-key token bucket, keyed by client_id
// (falling back to the remote address when no client_id is present).
// Grounded on the teacher pack's auth.RateLimiter (HyphaGroup-oubliette),
// narrowed to the two OAuth endpoints spec.md flags as brute-force
// surface: /oauth/token and /oauth/authorize.
type clientRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func newClientRateLimiter(requestsPerSecond float64, burst int) *clientRateLimiter {
	return &clientRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(requestsPerSecond),
		burst:    burst,
	}
}

func (l *clientRateLimiter) allow(key string) bool {
	l.mu.Lock()
	limiter, ok := l.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(l.rps, l.burst)
		l.limiters[key] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}

// rateLimited wraps h so requests sharing a key are throttled before
// reaching the handler. key derives from the request's client_id (query
// or form value) with a remote-address fallback for requests that carry
// no client_id yet, such as a guessed /oauth/token credential.
func rateLimited(limiter *clientRateLimiter, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("client_id")
		if key == "" {
			_ = r.ParseForm()
			key = r.PostForm.Get("client_id")
		}
		if key == "" {
			key = r.RemoteAddr
		}
		if !limiter.allow(key) {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		h(w, r)
	}
}
