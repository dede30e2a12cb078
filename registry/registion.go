package registry

import "sync/atomic"

// registion is a single local registration with a ref-count, its
// current open/close futures, and the wall-clock time of its last
// successful remote registration. refCount == 0 is the trigger for
// removing the entry from the registrations map and enqueueing a
// deregister task (spec.md §3 invariant).
type registion struct {
	URLKey

	refCount     atomic.Int32
	future       atomic.Pointer[StateFuture]
	registerTime atomic.Int64 // unix millis; 0 before first success or after close
}

func newRegistion(key URLKey) *registion {
	r := &registion{}
	r.URLKey = key
	r.future.Store(NewStateFuture())
	return r
}

func (r *registion) Future() *StateFuture { return r.future.Load() }

func (r *registion) addRef() int32 { return r.refCount.Add(1) }
func (r *registion) decRef() int32 { return r.refCount.Add(-1) }

func (r *registion) RegisterTime() int64 { return r.registerTime.Load() }
func (r *registion) setRegisterTime(ms int64) { r.registerTime.Store(ms) }

// close bumps the StateFuture (completing the old close future and
// starting a fresh open future for the next open cycle) and resets
// registerTime to 0.
func (r *registion) close() {
	r.registerTime.Store(0)
	old := r.future.Load()
	fresh := NewStateFuture()
	r.future.Store(fresh)
	old.Close()
}
