// Package ratelimit gates outbound sends behind a single global cooldown.
//
// The transport penalizes bursty automated sending, and there is exactly one
// queue consumer, so one process-wide clock is enough: the cooldown is
// measured from the last successful send. Failed sends do not reset it.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"classbell/internal/store"
)

const (
	MinCooldownSeconds     = 10
	MaxCooldownSeconds     = 300
	DefaultCooldownSeconds = 30
)

// Decision is the outcome of a CanSend check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration // remaining cooldown when not allowed
}

type Limiter struct {
	mu       sync.Mutex
	st       store.Store
	cooldown time.Duration
	last     time.Time
	loaded   bool

	now func() time.Time
}

// New creates a limiter over the message log. The last-send timestamp is
// rebuilt from the store on first use, so restarts keep pacing honest.
func New(st store.Store, cooldownSeconds int) *Limiter {
	l := &Limiter{st: st, now: time.Now}
	l.SetCooldownSeconds(cooldownSeconds)
	return l
}

// SetCooldownSeconds updates the cooldown, clamped to the operator range.
func (l *Limiter) SetCooldownSeconds(secs int) {
	if secs <= 0 {
		secs = DefaultCooldownSeconds
	}
	if secs < MinCooldownSeconds {
		secs = MinCooldownSeconds
	}
	if secs > MaxCooldownSeconds {
		secs = MaxCooldownSeconds
	}
	l.mu.Lock()
	l.cooldown = time.Duration(secs) * time.Second
	l.mu.Unlock()
}

// CanSend reports whether a send is allowed now and, if not, how long to wait.
func (l *Limiter) CanSend(ctx context.Context) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.loaded {
		if l.st != nil {
			last, ok, err := l.st.LastDeliveredAt(ctx)
			if err != nil {
				return Decision{}, err
			}
			if ok {
				l.last = last
			}
		}
		l.loaded = true
	}

	if l.last.IsZero() {
		return Decision{Allowed: true}, nil
	}
	elapsed := l.now().Sub(l.last)
	if elapsed >= l.cooldown {
		return Decision{Allowed: true}, nil
	}
	return Decision{Allowed: false, RetryAfter: l.cooldown - elapsed}, nil
}

// RecordSuccess stamps the cooldown clock. Only successful sends call this.
func (l *Limiter) RecordSuccess(at time.Time) {
	l.mu.Lock()
	if at.After(l.last) {
		l.last = at
	}
	l.loaded = true
	l.mu.Unlock()
}
