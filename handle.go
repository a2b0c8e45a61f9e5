// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package pipereg

import (
	"sync/atomic"
	"weak"
)

// A Handle is a weak, cloneable reference to a pipe provider. The registry
// owns exactly one handle per entry; every handle it gives out is a clone.
//
// Cloning never affects the provider's own lifetime, it only duplicates the
// local capability to reach it.
type Handle interface {
	// Alive reports whether the provider behind the handle can still be
	// used.
	Alive() bool

	// Clone returns an independent handle for the same provider. A clone
	// shares the provider's liveness state but never owns its death monitor,
	// so releasing the original cannot invalidate the clone.
	Clone() Handle

	// Release tears down any death monitor owned by the handle. Release is
	// idempotent, and releasing a clone is a no-op.
	Release()
}

// A Local is a handle for a provider object in the registry's own process.
// Its liveness is a weak-pointer promotion test: the handle is alive exactly
// as long as the target object is still reachable.
type Local[T any] struct {
	target weak.Pointer[T]
}

// NewLocal returns a handle on target.
func NewLocal[T any](target *T) Local[T] { return Local[T]{target: weak.Make(target)} }

// Get promotes the handle to a strong reference on the target, or returns
// nil if the target has been reclaimed.
func (h Local[T]) Get() *T { return h.target.Value() }

// Alive implements part of the [Handle] interface.
func (h Local[T]) Alive() bool { return h.target.Value() != nil }

// Clone implements part of the [Handle] interface.
func (h Local[T]) Clone() Handle { return Local[T]{target: h.target} }

// Release implements part of the [Handle] interface. It is a no-op: local
// handles have no monitor to tear down.
func (h Local[T]) Release() {}

// A Remote is a handle for a provider in another process, reachable at a
// fixed endpoint. A local proxy's reference count says nothing about whether
// the remote process is still running, so liveness is an explicit shared
// flag: true from construction until the provider's death notification
// fires, then false forever.
type Remote struct {
	endpoint string
	alive    *atomic.Bool
	disarm   func() // nil on clones; only the arming handle owns teardown
}

// NewRemote arms a death monitor against src and returns a handle for the
// provider serving at endpoint. If the monitor cannot be armed there is no
// trustworthy notion of "alive" for the provider, so NewRemote reports
// ErrInternal rather than returning an unmonitored handle.
func NewRemote(endpoint string, src DeathSource) (*Remote, error) {
	if endpoint == "" || src == nil {
		return nil, ErrInvalidArgument
	}
	alive := new(atomic.Bool)
	alive.Store(true)
	disarm, ok := src.ArmMonitor(func() { alive.Store(false) })
	if !ok {
		return nil, ErrInternal
	}
	return &Remote{endpoint: endpoint, alive: alive, disarm: disarm}, nil
}

// Endpoint returns the address at which the provider serves its pipe.
func (h *Remote) Endpoint() string { return h.endpoint }

// Alive implements part of the [Handle] interface.
func (h *Remote) Alive() bool { return h.alive.Load() }

// Clone implements part of the [Handle] interface. The clone shares the
// liveness flag but not the monitor teardown.
func (h *Remote) Clone() Handle { return &Remote{endpoint: h.endpoint, alive: h.alive} }

// Release implements part of the [Handle] interface. It detaches the death
// monitor armed by NewRemote; a late notification after Release is a no-op.
func (h *Remote) Release() {
	if h.disarm != nil {
		h.disarm()
		h.disarm = nil
	}
}
