package registry

import (
	"context"
	"sync"
)

// Future is a single-assignment result cell, the Go stand-in for
// java.util.concurrent.CompletableFuture<T> used throughout the
// controller. It is safe to complete from one goroutine and wait from
// many.
type Future[T any] struct {
	mu    sync.Mutex
	done  chan struct{}
	value T
	err   error
	set   bool
}

// NewFuture returns a new, incomplete Future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// CompletedFuture returns a Future that is already complete with v.
func CompletedFuture[T any](v T) *Future[T] {
	f := NewFuture[T]()
	f.Complete(v)
	return f
}

// Complete resolves the future successfully. Only the first call (of
// Complete/Fail) has any effect.
func (f *Future[T]) Complete(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.set {
		return
	}
	f.set = true
	f.value = v
	close(f.done)
}

// Fail resolves the future with an error. Only the first call (of
// Complete/Fail) has any effect.
func (f *Future[T]) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.set {
		return
	}
	f.set = true
	f.err = err
	close(f.done)
}

// Done reports whether the future has been resolved (successfully or
// not) without blocking.
func (f *Future[T]) Done() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Failed reports whether the future completed with an error. Only
// meaningful once Done() is true.
func (f *Future[T]) Failed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.set && f.err != nil
}

// Wait blocks until the future resolves or ctx is cancelled.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// StateFuture pairs the open/close completion handles of a
// lifecycle-bearing entity (a Registion or a Booking). It is replaced
// wholesale whenever the entity transitions through a fresh open/close
// cycle.
type StateFuture struct {
	mu    sync.Mutex
	open  *Future[URL]
	close *Future[URL]
}

// NewStateFuture returns a StateFuture with a fresh, pending open
// future and no close future.
func NewStateFuture() *StateFuture {
	return &StateFuture{open: NewFuture[URL]()}
}

// OpenFuture returns the current open future, creating one if absent.
func (s *StateFuture) OpenFuture() *Future[URL] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open == nil {
		s.open = NewFuture[URL]()
	}
	return s.open
}

// CloseFuture returns the current close future if one exists, else nil.
func (s *StateFuture) CloseFuture() *Future[URL] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.close
}

// OrNewCloseFuture returns the current close future, creating one if
// absent.
func (s *StateFuture) OrNewCloseFuture() *Future[URL] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.close == nil {
		s.close = NewFuture[URL]()
	}
	return s.close
}

// OrNewOpenFuture returns the current open future, creating one if
// absent (used when re-registering after a close).
func (s *StateFuture) OrNewOpenFuture() *Future[URL] {
	return s.OpenFuture()
}

// Close completes the close future (creating one if needed; a close
// future that is still pending is completed with the zero URL) and
// resets the open future for the next open cycle.
func (s *StateFuture) Close() {
	s.mu.Lock()
	cf := s.close
	if cf == nil {
		cf = NewFuture[URL]()
		s.close = cf
	}
	s.open = NewFuture[URL]()
	s.mu.Unlock()
	cf.Complete(URL{})
}
