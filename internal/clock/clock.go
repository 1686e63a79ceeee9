// Package clock abstracts timers so that heartbeat, polling, settle and
// batching delays can be driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Clock creates timers and reports the current time.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a scheduled callback.
type Timer interface {
	// Stop prevents the callback from firing. It reports whether the call stopped the timer.
	Stop() bool
}

// Real is the wall clock.
type Real struct{}

// Now returns time.Now().
func (Real) Now() time.Time { return time.Now() }

// AfterFunc wraps time.AfterFunc.
func (Real) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Repeater invokes a callback every interval until stopped.
type Repeater struct {
	mu      sync.Mutex
	timer   Timer
	stopped bool
}

// Every starts a Repeater on c. The first call happens one interval from now.
func Every(c Clock, interval time.Duration, fn func()) *Repeater {
	r := &Repeater{}
	var tick func()
	tick = func() {
		r.mu.Lock()
		if r.stopped {
			r.mu.Unlock()
			return
		}
		r.timer = c.AfterFunc(interval, tick)
		r.mu.Unlock()
		fn()
	}
	r.mu.Lock()
	r.timer = c.AfterFunc(interval, tick)
	r.mu.Unlock()
	return r
}

// Stop cancels future ticks. A tick already running is not interrupted.
func (r *Repeater) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
	}
}
