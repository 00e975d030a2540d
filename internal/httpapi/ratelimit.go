package httpapi

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ent0n29/parlance/internal/protocol"
)

const (
	codeRateLimited    = "rate_limited"
	limiterIdleTTL     = 10 * time.Minute
	limiterSweepPeriod = time.Minute
)

func rateLimitedResponse() protocol.ErrorResponse {
	return protocol.ErrorResponse{
		Error:     "Too many messages for this session. Please wait a moment.",
		Code:      codeRateLimited,
		Retryable: true,
	}
}

// turnLimiter keeps one token bucket per session token. A nil limiter allows everything.
type turnLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	entries   map[string]*limiterEntry
	lastSweep time.Time
	now       func() time.Time
}

type limiterEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

func newTurnLimiter(perSecond float64, burst int) *turnLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &turnLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		entries: make(map[string]*limiterEntry),
		now:     time.Now,
	}
}

// Allow reports whether token may start a turn now, and otherwise how long to wait.
func (l *turnLimiter) Allow(token string) (bool, time.Duration) {
	if l == nil {
		return true, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)
	e, ok := l.entries[token]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(l.limit, l.burst)}
		l.entries[token] = e
	}
	e.seen = now
	if e.lim.AllowN(now, 1) {
		return true, 0
	}
	return false, time.Duration(float64(time.Second) / float64(l.limit))
}

func (l *turnLimiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < limiterSweepPeriod {
		return
	}
	l.lastSweep = now
	for token, e := range l.entries {
		if now.Sub(e.seen) > limiterIdleTTL {
			delete(l.entries, token)
		}
	}
}

func (l *turnLimiter) size() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func setRetryAfter(w http.ResponseWriter, d time.Duration) {
	secs := int(d.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
}
