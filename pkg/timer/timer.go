// Package timer implements a one-shot, replaceable deadline that fires a
// callback once, can be replaced or cancelled, and never runs
// periodically. It's a thin wrapper over time.AfterFunc that adds the
// "starting again replaces any pending fire" and "pending state is
// queryable" behavior raw time.AfterFunc doesn't give for free.
package timer

import "time"

// Timer is a one-shot, replaceable timer. The zero value is ready to use.
type Timer struct {
	t *time.Timer
}

// Start replaces any pending timer with a new one that calls fn after d.
func (t *Timer) Start(d time.Duration, fn func()) {
	t.Stop()
	t.t = time.AfterFunc(d, fn)
}

// Stop cancels any pending timer. It is safe to call when nothing is
// pending.
func (t *Timer) Stop() {
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
}

// Pending reports whether a timer is currently scheduled.
func (t *Timer) Pending() bool {
	return t.t != nil
}
