// Package clock provides the injectable time source every broker
// component deadlines against. Production code uses the monotonic
// wall clock; tests use a Fake that advances on command, the same
// seam the retrieved pstest fake server exposes via its package-level
// now variable, generalized here into an interface instead of a
// package global so multiple brokers in one test binary don't share
// state.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock is the time source broker components use for deadlines,
// publish timestamps, and timer scheduling.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is the subset of time.Timer the broker needs, so fakes can
// implement it without real OS timers.
type Timer interface {
	Stop() bool
}

// Real is the production Clock, backed by the wall clock and
// time.AfterFunc.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Fake is a manually-advanced clock for deterministic tests. It
// supports AfterFunc by keeping a list of pending callbacks and firing
// any whose deadline has passed on Advance.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	pending []*fakeTimer
}

// NewFake creates a Fake clock starting at t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the clock forward by d, firing (synchronously, in
// deadline order) any pending AfterFunc callbacks whose deadline falls
// at or before the new time.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now
	var due []*fakeTimer
	remaining := f.pending[:0]
	for _, t := range f.pending {
		if t.stopped {
			continue
		}
		if !t.deadline.After(now) {
			due = append(due, t)
		} else {
			remaining = append(remaining, t)
		}
	}
	f.pending = remaining
	f.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	for _, t := range due {
		t.fire()
	}
}

func (f *Fake) AfterFunc(d time.Duration, cb func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{deadline: f.now.Add(d), cb: cb}
	f.pending = append(f.pending, t)
	return t
}

type fakeTimer struct {
	mu       sync.Mutex
	deadline time.Time
	cb       func()
	stopped  bool
	fired    bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	already := t.stopped || t.fired
	t.stopped = true
	return !already
}

func (t *fakeTimer) fire() {
	t.mu.Lock()
	if t.stopped || t.fired {
		t.mu.Unlock()
		return
	}
	t.fired = true
	cb := t.cb
	t.mu.Unlock()
	if cb != nil {
		cb()
	}
}
