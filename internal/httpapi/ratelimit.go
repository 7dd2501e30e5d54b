package httpapi

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdle = 10 * time.Minute

// keyedLimiter is a token bucket per key. Keys idle longer than limiterIdle
// are dropped on the next Allow so the map stays bounded by recent traffic.
type keyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	limit    rate.Limit
	burst    int
	now      func() time.Time
	swept    time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newKeyedLimiter allows perMinute events per key with an equal burst. A
// non-positive perMinute disables limiting.
func newKeyedLimiter(perMinute int) *keyedLimiter {
	if perMinute <= 0 {
		return nil
	}
	return &keyedLimiter{
		limiters: make(map[string]*limiterEntry),
		limit:    rate.Limit(float64(perMinute) / 60.0),
		burst:    perMinute,
		now:      time.Now,
	}
}

func (l *keyedLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.swept) > limiterIdle {
		for k, e := range l.limiters {
			if now.Sub(e.lastSeen) > limiterIdle {
				delete(l.limiters, k)
			}
		}
		l.swept = now
	}

	e, ok := l.limiters[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// allowLogin checks both the client address and the targeted handle, so
// neither one client spraying handles nor many clients hammering one handle
// get past the limit.
func (h *Handler) allowLogin(r *http.Request, handle string) bool {
	ipOK := h.limiter.Allow("ip:" + clientIP(r))
	handleOK := h.limiter.Allow("handle:" + strings.ToLower(strings.TrimSpace(handle)))
	return ipOK && handleOK
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
