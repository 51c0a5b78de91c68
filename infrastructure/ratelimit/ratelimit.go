// Package ratelimit implements the connection-level send/receive rate
// budgets of §4.8 and §6: a connection is configured with a list of
// (max, window) pairs, all of which must be satisfied simultaneously.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Budget is one (max, window) pair a connection must satisfy.
type Budget struct {
	Max    int
	Window time.Duration
}

// Limiter enforces a list of Budgets together: a message is allowed only
// if every configured budget has capacity, matching the teacher's
// RateLimiter wrapper generalized from a fixed (per-second, per-minute)
// pair to an arbitrary configured list.
type Limiter struct {
	mu       sync.Mutex
	budgets  []Budget
	limiters []*rate.Limiter
}

// New builds a Limiter from a list of budgets. An empty list never throttles.
func New(budgets []Budget) *Limiter {
	l := &Limiter{budgets: budgets}
	l.limiters = make([]*rate.Limiter, len(budgets))
	for i, b := range budgets {
		l.limiters[i] = newRateLimiter(b)
	}
	return l
}

func newRateLimiter(b Budget) *rate.Limiter {
	if b.Window <= 0 {
		b.Window = time.Second
	}
	perSecond := float64(b.Max) / b.Window.Seconds()
	return rate.NewLimiter(rate.Limit(perSecond), b.Max)
}

// Allow reports whether a single message may proceed under every budget.
// It consumes one token from every budget's limiter only when all would
// allow it — a message must never partially consume the budget list.
func (l *Limiter) Allow() bool {
	return l.AllowN(time.Now(), 1)
}

// AllowN reports whether n messages may proceed at time now under every
// configured budget.
func (l *Limiter) AllowN(now time.Time, n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	reservations := make([]*rate.Reservation, 0, len(l.limiters))
	for _, rl := range l.limiters {
		res := rl.ReserveN(now, n)
		if !res.OK() || res.Delay() > 0 {
			for _, r := range reservations {
				r.Cancel()
			}
			if res.OK() {
				res.Cancel()
			}
			return false
		}
		reservations = append(reservations, res)
	}
	return true
}

// Reset rebuilds every underlying limiter from its configured budget,
// discarding accumulated state (used when a connection is promoted to a
// different budget tier, e.g. on identity elevation — see connection/session.go).
func (l *Limiter) Reset(budgets []Budget) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.budgets = budgets
	l.limiters = make([]*rate.Limiter, len(budgets))
	for i, b := range budgets {
		l.limiters[i] = newRateLimiter(b)
	}
}
