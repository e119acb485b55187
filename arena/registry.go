package arena

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Registry hands out per-worker arenas and guarantees every backing
// buffer is returned to the pool exactly once: either by an explicit
// Release, or by a finalizer once the owning goroutine has exited and
// dropped its handle. The registry itself keeps no strong reference to
// the arenas it created, only a live-count, so abandoned arenas stay
// collectable.
type Registry struct {
	opt  Option
	live int64
}

// NewRegistry creates a registry whose arenas use the given options,
// nil means defaults. Options are validated on Acquire.
func NewRegistry(o *Option) *Registry {
	if o == nil {
		o = DefaultOption()
	}
	return &Registry{opt: *o}
}

// Acquire creates an arena owned by the calling goroutine. The caller
// must not share it with other goroutines and should release it at the
// end of the goroutine's life; an arena that is simply dropped is
// released by its finalizer instead.
func (r *Registry) Acquire() (*Arena, error) {
	a, err := NewArena(&r.opt)
	if err != nil {
		return nil, err
	}
	a.registry = r
	atomic.AddInt64(&r.live, 1)
	runtime.SetFinalizer(a, release)
	return a, nil
}

// Release is the explicit early teardown: it unregisters the arena and
// frees its buffer immediately instead of waiting for the finalizer.
// Releasing an arena twice, or one from another registry, is a no-op.
func (r *Registry) Release(a *Arena) {
	if a == nil || a.registry != r {
		return
	}
	runtime.SetFinalizer(a, nil)
	release(a)
}

// Live reports how many acquired arenas have not been released yet.
func (r *Registry) Live() int {
	return int(atomic.LoadInt64(&r.live))
}

func release(a *Arena) {
	r := a.registry
	if r == nil {
		return
	}
	a.registry = nil
	a.Release()
	atomic.AddInt64(&r.live, -1)
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the process-wide registry, created on first use.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry(nil)
	})
	return defaultRegistry
}

// Acquire creates an arena for the calling goroutine from the default
// registry.
func Acquire() (*Arena, error) {
	return Default().Acquire()
}

// Release returns an arena acquired from the default registry.
func Release(a *Arena) {
	Default().Release(a)
}
