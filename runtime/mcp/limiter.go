package mcp

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type (
	// limiter enforces a global request rate and a per-session request rate.
	// Session limiters idle for longer than ttl are dropped.
	limiter struct {
		global *rate.Limiter

		mu        sync.Mutex
		limit     rate.Limit
		burst     int
		ttl       time.Duration
		sessions  map[string]*sessionLimiter
		lastPrune time.Time
	}

	sessionLimiter struct {
		lim  *rate.Limiter
		seen time.Time
	}
)

const (
	scopeGlobal  = "global"
	scopeSession = "session"
)

// newLimiter returns a limiter. A zero rate disables the corresponding limit.
func newLimiter(globalRate float64, globalBurst int, sessionRate float64, sessionBurst int, ttl time.Duration) *limiter {
	l := &limiter{
		limit:    rate.Limit(sessionRate),
		burst:    sessionBurst,
		ttl:      ttl,
		sessions: make(map[string]*sessionLimiter),
	}
	if globalRate > 0 {
		l.global = rate.NewLimiter(rate.Limit(globalRate), globalBurst)
	}
	return l
}

// allow reserves one request for sessionID at now. When the request is
// denied it returns the limiting scope and the delay after which a retry
// would be admitted. A request denied by its session limit gives its global
// token back.
func (l *limiter) allow(sessionID string, now time.Time) (ok bool, scope string, retryAfter time.Duration) {
	if l == nil {
		return true, "", 0
	}
	var global *rate.Reservation
	if l.global != nil {
		r, d, ok := reserve(l.global, now)
		if !ok {
			return false, scopeGlobal, d
		}
		global = r
	}
	if l.limit <= 0 || sessionID == "" {
		return true, "", 0
	}
	if _, d, ok := reserve(l.session(sessionID, now), now); !ok {
		if global != nil {
			global.CancelAt(now)
		}
		return false, scopeSession, d
	}
	return true, "", 0
}

func (l *limiter) session(id string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ttl > 0 && now.Sub(l.lastPrune) > l.ttl {
		for k, s := range l.sessions {
			if now.Sub(s.seen) > l.ttl {
				delete(l.sessions, k)
			}
		}
		l.lastPrune = now
	}
	s, ok := l.sessions[id]
	if !ok {
		s = &sessionLimiter{lim: rate.NewLimiter(l.limit, l.burst)}
		l.sessions[id] = s
	}
	s.seen = now
	return s.lim
}

// reserve takes one token from lim at now without waiting.
func reserve(lim *rate.Limiter, now time.Time) (*rate.Reservation, time.Duration, bool) {
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return nil, 0, false
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return nil, d, false
	}
	return r, 0, true
}

// len returns the number of tracked session limiters.
func (l *limiter) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}
