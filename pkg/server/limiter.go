package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// voteLimiter keeps one token bucket per user. A zero rate disables limiting.
type voteLimiter struct {
	limit rate.Limit
	burst int

	mu    sync.Mutex
	users map[string]*userLimiter
}

type userLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newVoteLimiter(perSecond float64, burst int) *voteLimiter {
	return &voteLimiter{
		limit: rate.Limit(perSecond),
		burst: burst,
		users: make(map[string]*userLimiter),
	}
}

// reserve takes a token for userID at now. ok is false when the user is over
// the limit. Calling cancel hands the token back, so rejected votes do not
// count against the rate.
func (l *voteLimiter) reserve(userID string, now time.Time) (cancel func(), ok bool) {
	if l.limit <= 0 {
		return func() {}, true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	u, found := l.users[userID]
	if !found {
		u = &userLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.users[userID] = u
	}
	u.lastSeen = now
	r := u.limiter.ReserveN(now, 1)
	if !r.OK() {
		return nil, false
	}
	if r.DelayFrom(now) > 0 {
		r.CancelAt(now)
		return nil, false
	}
	// CancelAt only refunds at the reservation time
	return func() { r.CancelAt(now) }, true
}

// prune forgets users not seen for idle.
func (l *voteLimiter) prune(now time.Time, idle time.Duration) {
	if idle <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, u := range l.users {
		if now.Sub(u.lastSeen) > idle {
			delete(l.users, id)
		}
	}
}
