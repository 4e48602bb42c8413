package ratelimit

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
)

// KeyFunc picks the bucket a request draws from.
type KeyFunc func(r *http.Request) string

// DenyFunc writes the response for a rejected request.
type DenyFunc func(w http.ResponseWriter, r *http.Request, d Decision)

// Middleware applies a Limiter to HTTP handlers.
type Middleware struct {
	limiter *Limiter
	key     KeyFunc
	deny    DenyFunc
}

// NewMiddleware returns a middleware keyed by key. A nil deny writes a plain 429.
func NewMiddleware(limiter *Limiter, key KeyFunc, deny DenyFunc) *Middleware {
	if deny == nil {
		deny = func(w http.ResponseWriter, _ *http.Request, _ Decision) {
			http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
		}
	}
	return &Middleware{limiter: limiter, key: key, deny: deny}
}

// Wrap rate limits next.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	if m == nil || m.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := m.limiter.Allow(r.Context(), m.key(r))
		setHeaders(w, d)
		if !d.Allowed {
			m.deny(w, r, d)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// setHeaders follows draft-polli-ratelimit-headers.
func setHeaders(w http.ResponseWriter, d Decision) {
	w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%.0f", d.Limit))
	w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%.0f", math.Floor(d.Remaining)))
	if !d.Allowed {
		secs := int64(math.Ceil(d.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
}
