// Package shutdown provides the one-shot, idempotent cross-goroutine
// notification the orchestrator and refresh task coordinate teardown
// through (spec.md §3, §4.9, §5): firing it any number of times only
// takes effect once, and every waiter observes the same event.
package shutdown

import (
	"context"
	"sync"
)

// Signal is a one-shot broadcast: Fire closes the underlying channel
// exactly once (via sync.Once), and Done/Wait/Context observe that close.
// The zero value is not usable; construct with New.
type Signal struct {
	once sync.Once
	ch   chan struct{}
}

// New returns a Signal ready to be fired and waited on.
func New() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Fire marks the signal as fired. Safe to call from any goroutine, any
// number of times; only the first call has an effect.
func (s *Signal) Fire() {
	s.once.Do(func() { close(s.ch) })
}

// Fired reports whether Fire has been called, without blocking.
func (s *Signal) Fired() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// Done returns a channel that is closed once Fire has been called,
// suitable for use in a select alongside a timer or another channel (the
// refresh task's "race sleep against shutdown.wait()", spec.md §4.9 step
// 2).
func (s *Signal) Done() <-chan struct{} {
	return s.ch
}

// Wait blocks until Fire has been called.
func (s *Signal) Wait() {
	<-s.ch
}

// Context returns a context.Context derived from parent that is
// cancelled when the signal fires, for collaborators (like
// dnsresolve.Resolver.Resolve) that take a context rather than a raw
// channel.
func (s *Signal) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-s.ch:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
