// Package demo lets unauthenticated traffic through the gateway under a
// per-IP sliding-window quota instead of being rejected outright, so a
// visitor can try the cascade without first provisioning an API key.
package demo

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/lemony-ai/cascadeflow-gateway/internal/apikey"
	"github.com/lemony-ai/cascadeflow-gateway/internal/store"
)

type contextKey string

const quotaContextKey contextKey = "demo_quota"

// QuotaInfo is the remaining/limit pair a handler surfaces back to the
// caller in its response metadata.
type QuotaInfo struct {
	Remaining int
	Limit     int
}

// FromContext returns the demo quota info attached to the request, if the
// request was served under demo mode.
func FromContext(ctx context.Context) (QuotaInfo, bool) {
	v, ok := ctx.Value(quotaContextKey).(QuotaInfo)
	return v, ok
}

func withQuota(ctx context.Context, q QuotaInfo) context.Context {
	return context.WithValue(ctx, quotaContextKey, q)
}

type window struct {
	hits []time.Time
}

// Limiter tracks a sliding-window query count per client IP: a query
// counts against the quota until period has elapsed since it was made.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	max     int
	period  time.Duration
	now     func() time.Time
}

// NewLimiter builds a Limiter allowing max queries per period, per IP.
func NewLimiter(max int, period time.Duration) *Limiter {
	return &Limiter{
		windows: make(map[string]*window),
		max:     max,
		period:  period,
		now:     time.Now,
	}
}

// Allow reports whether ip may make another demo request, and how many
// queries remain in the window after this one when allowed is true.
func (l *Limiter) Allow(ip string) (remaining int, allowed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[ip]
	if !ok {
		w = &window{}
		l.windows[ip] = w
	}
	kept := w.hits[:0]
	for _, t := range w.hits {
		if now.Sub(t) < l.period {
			kept = append(kept, t)
		}
	}
	w.hits = kept
	if len(w.hits) >= l.max {
		return 0, false
	}
	w.hits = append(w.hits, now)
	return l.max - len(w.hits), true
}

// Max returns the configured per-window query limit.
func (l *Limiter) Max() int {
	return l.max
}

// Middleware lets requests without an Authorization header through under
// the demo quota, attaching a synthetic free-tier API key record so
// downstream billing and routing code treats demo traffic like any other
// tenant keyed by "demo:<ip>". Requests that do carry an Authorization
// header are handed to authMgr (when one is configured) unchanged.
func Middleware(limiter *Limiter, authMgr *apikey.Manager, budgetChecker *apikey.BudgetChecker) func(http.Handler) http.Handler {
	var authenticated func(http.Handler) http.Handler
	if authMgr != nil {
		authenticated = apikey.AuthMiddleware(authMgr, budgetChecker)
	}
	return func(next http.Handler) http.Handler {
		var authenticatedNext http.Handler
		if authenticated != nil {
			authenticatedNext = authenticated(next)
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "" && authenticatedNext != nil {
				authenticatedNext.ServeHTTP(w, r)
				return
			}

			ip := r.Header.Get("X-Real-IP")
			if ip == "" {
				ip = r.RemoteAddr
			}
			remaining, allowed := limiter.Allow(ip)
			if !allowed {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]any{
						"message": "Demo limit reached. Provide an API key to continue.",
						"type":    "rate_limit_exceeded",
					},
				})
				return
			}

			rec := &store.APIKeyRecord{ID: "demo:" + ip, Name: "demo", Tier: "free", Enabled: true}
			ctx := apikey.NewContext(r.Context(), rec)
			ctx = withQuota(ctx, QuotaInfo{Remaining: remaining, Limit: limiter.max})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
