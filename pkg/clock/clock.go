// Package clock abstracts wall-clock reads and waits so that hardware polling
// loops and navigation programs can run against simulated time in tests.
package clock

import (
	"context"
	"sync"
	"time"
)

// Clock is the wait/time primitive used by every polling loop.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
	After(d time.Duration) <-chan time.Time
}

// Real is backed by the time package.
type Real struct{}

var _ Clock = Real{}

func (Real) Now() time.Time                         { return time.Now() }
func (Real) Sleep(d time.Duration)                  { time.Sleep(d) }
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Wait blocks for d or until ctx is done, whichever comes first.
func Wait(ctx context.Context, c Clock, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.After(d):
		return nil
	}
}

// Fake is a manually driven clock. Sleep and After advance it instantly.
// When Step is non-zero every call to Now advances the clock by Step after
// reading it, which gives busy-poll loops a deterministic notion of elapsed
// time.
type Fake struct {
	mu    sync.Mutex
	now   time.Time
	step  time.Duration
	slept time.Duration
}

var _ Clock = &Fake{}

// NewFake returns a Fake starting at start.
func NewFake(start time.Time, step time.Duration) *Fake {
	return &Fake{now: start, step: step}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	t := f.now
	f.now = f.now.Add(f.step)
	return t
}

func (f *Fake) Sleep(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if d > 0 {
		f.now = f.now.Add(d)
		f.slept += d
	}
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.Sleep(d)
	ch := make(chan time.Time, 1)
	ch <- f.Peek()
	return ch
}

// Advance moves the clock forward without counting it as slept time.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.now = f.now.Add(d)
}

// Peek returns the current time without applying Step.
func (f *Fake) Peek() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.now
}

// Slept returns the total duration passed to Sleep and After.
func (f *Fake) Slept() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.slept
}
