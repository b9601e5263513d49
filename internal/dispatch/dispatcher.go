// Package dispatch holds at most one pending long-poll per instance and
// resolves it exactly once: with a message, on timeout, when the instance is
// gone, or when a newer poll supersedes it.
package dispatch

import (
	"sync"
	"time"

	"github.com/and161185/pushrelay/internal/model"
)

// Outcome describes how a waiter was resolved.
type Outcome int

const (
	// OutcomeMessage carries a delivered message.
	OutcomeMessage Outcome = iota + 1
	// OutcomeTimeout means no message arrived before the deadline.
	OutcomeTimeout
	// OutcomeGone means the instance lost its last registration.
	OutcomeGone
	// OutcomeSuperseded means a newer poll for the same instance took the slot.
	OutcomeSuperseded
)

func (o Outcome) String() string {
	switch o {
	case OutcomeMessage:
		return "message"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeGone:
		return "gone"
	case OutcomeSuperseded:
		return "superseded"
	default:
		return "unknown"
	}
}

// Result is what a waiter receives.
type Result struct {
	Outcome Outcome
	Message model.Message
}

// Waiter is one pending long-poll.
type Waiter struct {
	instance string
	ch       chan Result
	timer    *time.Timer
}

// Done delivers the waiter's single result.
func (w *Waiter) Done() <-chan Result { return w.ch }

// Instance returns the instance the waiter belongs to.
func (w *Waiter) Instance() string { return w.instance }

// Dispatcher owns the pending-poll slots of every instance.
type Dispatcher struct {
	timeout time.Duration

	mu    sync.Mutex
	slots map[string]*Waiter

	// OnResolve, if set, is called for every resolution outside the lock,
	// before the waiter receives its result.
	OnResolve func(Outcome)
}

// New creates a dispatcher whose waiters time out after timeout.
func New(timeout time.Duration) *Dispatcher {
	return &Dispatcher{timeout: timeout, slots: make(map[string]*Waiter)}
}

// Await stores a new waiter for instance. A waiter already stored is
// resolved with OutcomeSuperseded.
func (d *Dispatcher) Await(instance string) *Waiter {
	w := &Waiter{instance: instance, ch: make(chan Result, 1)}

	d.mu.Lock()
	prev := d.slots[instance]
	if prev != nil {
		prev.timer.Stop()
	}
	d.slots[instance] = w
	w.timer = time.AfterFunc(d.timeout, func() { d.expire(w) })
	d.mu.Unlock()

	if prev != nil {
		d.resolve(prev, Result{Outcome: OutcomeSuperseded})
	}
	return w
}

// Deliver hands msg to the waiter stored for instance, if any.
func (d *Dispatcher) Deliver(instance string, msg model.Message) bool {
	w := d.take(instance, nil)
	if w == nil {
		return false
	}
	d.resolve(w, Result{Outcome: OutcomeMessage, Message: msg})
	return true
}

// Cancel resolves the waiter stored for instance with OutcomeGone.
func (d *Dispatcher) Cancel(instance string) bool {
	w := d.take(instance, nil)
	if w == nil {
		return false
	}
	d.resolve(w, Result{Outcome: OutcomeGone})
	return true
}

// Release drops w without resolving it, e.g. when its client went away.
// It is a no-op when w was already resolved or superseded.
func (d *Dispatcher) Release(w *Waiter) bool {
	return d.take(w.instance, w) != nil
}

// Pending returns the number of stored waiters.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.slots)
}

func (d *Dispatcher) expire(w *Waiter) {
	if d.take(w.instance, w) == nil {
		return
	}
	d.resolve(w, Result{Outcome: OutcomeTimeout})
}

// take clears the slot of instance and returns its waiter. With want set the
// slot is cleared only if it still holds want.
func (d *Dispatcher) take(instance string, want *Waiter) *Waiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.slots[instance]
	if !ok || (want != nil && w != want) {
		return nil
	}
	delete(d.slots, instance)
	w.timer.Stop()
	return w
}

func (d *Dispatcher) resolve(w *Waiter, r Result) {
	if d.OnResolve != nil {
		d.OnResolve(r.Outcome)
	}
	w.ch <- r
}
