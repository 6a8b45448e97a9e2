// Package clock provides the time source used by the license runtime.
//
// Core license code never calls time.Now directly. A Clock is injected so
// elapsed-time decisions (heartbeat cadence, grace-period days) can be driven
// deterministically in tests.
//
//	// production
//	session := license.NewSession(license.Options{Clock: clock.NewReal(), ...})
//
//	// tests
//	manual := clock.NewManual(time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC))
//	manual.Advance(48 * time.Hour)
package clock

import (
	"sync"
	"time"
)

// Clock supplies the current time
type Clock interface {
	Now() time.Time
	// NowMillis returns the current time as Unix milliseconds
	NowMillis() int64
}

// Real returns the system time
type Real struct{}

// Now returns the current system time
func (Real) Now() time.Time {
	return time.Now()
}

// NowMillis returns the current system time in Unix milliseconds
func (Real) NowMillis() int64 {
	return time.Now().UnixMilli()
}

// NewReal returns a Clock backed by the system time.
// Only entry points (cmd/*) should construct it.
func NewReal() Clock {
	return Real{}
}

// Manual is a Clock that only moves when told to. Safe for concurrent use.
type Manual struct {
	mu sync.RWMutex
	t  time.Time
}

// NewManual returns a Manual clock set to t
func NewManual(t time.Time) *Manual {
	return &Manual{t: t}
}

// Now returns the clock's current time
func (m *Manual) Now() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.t
}

// NowMillis returns the clock's current time in Unix milliseconds
func (m *Manual) NowMillis() int64 {
	return m.Now().UnixMilli()
}

// Advance moves the clock forward by d
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.t = m.t.Add(d)
	m.mu.Unlock()
}

// Set moves the clock to t
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.t = t
	m.mu.Unlock()
}

// Func wraps a function as a Clock
type Func func() time.Time

// Now calls the wrapped function
func (f Func) Now() time.Time {
	return f()
}

// NowMillis calls the wrapped function and converts to Unix milliseconds
func (f Func) NowMillis() int64 {
	return f().UnixMilli()
}

// FromMillis converts Unix milliseconds to a time.Time
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}
