// Package clock supplies the time source and the token freshness rule.
package clock

import (
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
}

// System reads the wall clock in UTC.
type System struct{}

func (System) Now() time.Time { return time.Now().UTC() }

// Manual is a settable clock for tests.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

func NewManual(now time.Time) *Manual {
	return &Manual{now: now}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Set(now time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// IsFresh reports whether a token issued at issuedAt may still be redeemed at
// now. The bound applies in both directions so a token stamped far in the
// future by a skewed clock is not honoured indefinitely.
func IsFresh(issuedAt, now time.Time, window time.Duration) bool {
	if window < 0 {
		return false
	}
	age := now.Sub(issuedAt)
	return age <= window && age >= -window
}
