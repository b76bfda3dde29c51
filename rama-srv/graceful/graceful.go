// Package graceful tracks long-lived tasks spawned by the proxy and drives
// their cooperative termination: every accepted connection and every tunnel
// relay holds a Guard, and ShutdownWithLimit broadcasts cancellation and
// waits for all guards to be released, up to a deadline.
package graceful

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrShutdownTimeout is returned when registered work outlives the
// shutdown limit.
var ErrShutdownTimeout = errors.New("graceful shutdown deadline exceeded")

// Shutdown coordinates a set of tasks and a broadcast cancellation signal.
type Shutdown struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	triggered bool
}

// New creates a Shutdown coordinator whose cancellation signal also fires
// when the parent context is cancelled.
func New(parent context.Context) *Shutdown {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Shutdown{ctx: ctx, cancel: cancel}
}

// Guard keeps the coordinator aware of one outstanding unit of work.
// Releasing it deregisters the work; Release is idempotent.
type Guard struct {
	ctx     context.Context
	release *sync.Once
	done    func()
}

// Context returns the cancellation context carried by this guard.
func (g Guard) Context() context.Context {
	return g.ctx
}

// Done returns the broadcast cancellation channel.
func (g Guard) Done() <-chan struct{} {
	return g.ctx.Done()
}

// Release deregisters the guarded work.
func (g Guard) Release() {
	g.release.Do(g.done)
}

// Guard registers a unit of work and returns its guard. The caller must
// call Release when the work finishes.
func (s *Shutdown) Guard() Guard {
	s.wg.Add(1)
	return Guard{
		ctx:     s.ctx,
		release: &sync.Once{},
		done:    s.wg.Done,
	}
}

// SpawnTaskFn runs fn on its own goroutine, registered with the
// coordinator for the duration of the call. The guard is released when fn
// returns, even if fn never touches it.
func (s *Shutdown) SpawnTaskFn(fn func(g Guard)) {
	guard := s.Guard()
	go func() {
		defer guard.Release()
		fn(guard)
	}()
}

// Context returns the coordinator's cancellation context.
func (s *Shutdown) Context() context.Context {
	return s.ctx
}

// Trigger broadcasts the cancellation signal without waiting for
// registered work. Safe to call more than once.
func (s *Shutdown) Trigger() {
	s.mu.Lock()
	s.triggered = true
	s.mu.Unlock()
	s.cancel()
}

// Triggered reports whether the cancellation signal has fired.
func (s *Shutdown) Triggered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.triggered
}

// ShutdownWithLimit broadcasts cancellation, then waits for all registered
// work to finish. It returns how long the drain took, or
// ErrShutdownTimeout once the limit passes with work still outstanding.
func (s *Shutdown) ShutdownWithLimit(limit time.Duration) (time.Duration, error) {
	start := time.Now()
	s.Trigger()

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()

	timer := time.NewTimer(limit)
	defer timer.Stop()

	select {
	case <-drained:
		return time.Since(start), nil
	case <-timer.C:
		return time.Since(start), ErrShutdownTimeout
	}
}
