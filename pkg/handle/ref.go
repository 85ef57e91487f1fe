// Package handle shares closeable handles between owners.
//
// A Ref counts its owners and closes the wrapped handle when the last
// owner releases it:
//
//	r := handle.New(node)
//	other := r.Clone()
//	r.Release()     // node still open
//	other.Release() // node closed
package handle

import "sync/atomic"

// Closer is any handle with a Close method, such as *tree.Node,
// *tree.MetaNode or *tree.Migration.
type Closer interface {
	Close()
}

type shared[T Closer] struct {
	refs atomic.Int32
	v    T
}

// Ref is one owner's reference to a shared handle. The zero Ref is empty.
type Ref[T Closer] struct {
	s        *shared[T]
	released atomic.Bool
}

// New wraps v with a reference count of one.
func New[T Closer](v T) *Ref[T] {
	s := &shared[T]{v: v}
	s.refs.Store(1)
	return &Ref[T]{s: s}
}

// Get returns the handle. It must not be closed directly.
func (r *Ref[T]) Get() T {
	var zero T
	if r == nil || r.s == nil || r.released.Load() {
		return zero
	}
	return r.s.v
}

// Valid reports whether r still holds its reference.
func (r *Ref[T]) Valid() bool {
	return r != nil && r.s != nil && !r.released.Load()
}

// Clone returns a new owner of the same handle.
func (r *Ref[T]) Clone() *Ref[T] {
	if !r.Valid() {
		return &Ref[T]{}
	}
	r.s.refs.Add(1)
	return &Ref[T]{s: r.s}
}

// Count returns the number of owners.
func (r *Ref[T]) Count() int {
	if r == nil || r.s == nil {
		return 0
	}
	return int(r.s.refs.Load())
}

// Release drops r's reference, closing the handle if it was the last.
// It reports whether the handle was closed. Releasing twice is a no-op.
func (r *Ref[T]) Release() bool {
	if !r.Valid() || !r.released.CompareAndSwap(false, true) {
		return false
	}
	if r.s.refs.Add(-1) == 0 {
		r.s.v.Close()
		return true
	}
	return false
}

// Keep adds an owner without a Ref, making the handle outlive every Ref
// until Unkeep is called.
func (r *Ref[T]) Keep() {
	if r.Valid() {
		r.s.refs.Add(1)
	}
}

// Unkeep drops an owner added by Keep, closing the handle if it was the
// last.
func (r *Ref[T]) Unkeep() bool {
	if r == nil || r.s == nil {
		return false
	}
	if r.s.refs.Add(-1) == 0 {
		r.s.v.Close()
		return true
	}
	return false
}
