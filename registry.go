// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package pipereg

import (
	"errors"
	"sort"
	"sync"
)

// Errors reported by registry operations. Callers should compare with
// errors.Is; the service layer maps these to wire error codes.
var (
	// ErrNotFound means the requested name is not registered.
	ErrNotFound = errors.New("name not registered")

	// ErrDuplicateName means Register was called for a name whose current
	// provider is still alive.
	ErrDuplicateName = errors.New("name already registered")

	// ErrBusy means Acquire was called for a name whose recorded lease
	// holder is still alive.
	ErrBusy = errors.New("pipe is leased to another client")

	// ErrProviderDead means the provider for the requested name terminated.
	// The stale entry has been discarded by the time this is reported.
	ErrProviderDead = errors.New("provider is no longer alive")

	// ErrInvalidArgument means a name or handle argument was malformed.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInternal means a required death monitor could not be armed, or an
	// internal invariant failed.
	ErrInternal = errors.New("internal error")
)

// A LeaseHolder is the capability identifying the consumer that currently
// holds a lease on a pipe. The registry does not implement or own holders; it
// records the reference supplied to [Registry.Acquire] for the duration of
// the lease and consults Alive during lazy reclamation.
type LeaseHolder interface {
	// ID returns the holder's opaque identity token.
	ID() uint64

	// Alive reports whether the holding process can still use its lease.
	// Alive must be synchronous and must not depend on an armed monitor.
	Alive() bool

	// ArmMonitor arms an asynchronous death notification for the holder and
	// reports whether arming succeeded. A false return disables only the
	// early-notification optimization; liveness still degrades correctly
	// through Alive.
	ArmMonitor(onDeath func()) bool

	// Release tears down any death monitor the holder armed. The registry
	// calls Release when it discards the recorded holder, whether by
	// reclaiming the lease or by dropping the entry. Release must be safe
	// to call more than once.
	Release()
}

// A Registry maps pipe names to provider handles and arbitrates exclusive
// leases on them. It is the sole source of truth for the mapping in a
// deployment. A Registry is safe for concurrent use by multiple goroutines.
//
// Stale entries, whether from a dead provider or a dead lease holder, are
// reclaimed only as a side effect of the next call referencing the name.
// There is no background sweep, so a dead entry persists unnoticed until
// something asks about it.
type Registry struct {
	μ     sync.Mutex
	pipes map[string]*entry
}

// NewRegistry constructs a new empty registry.
func NewRegistry() *Registry { return &Registry{pipes: make(map[string]*entry)} }

// Register records h as the provider for name.
//
// If name is unused, the entry is created available for lease. If name is
// held by a provider that is no longer alive, the stale entry is discarded
// and replaced, which is how a provider restarting under the same name takes
// over. If the current provider is still alive, Register reports
// ErrDuplicateName and changes nothing.
//
// On success the registry owns h and will release it when the entry is
// removed or replaced. On failure the caller retains ownership of h.
func (r *Registry) Register(name string, h Handle) error {
	if name == "" || h == nil {
		return ErrInvalidArgument
	}

	r.μ.Lock()
	defer r.μ.Unlock()
	if old, ok := r.pipes[name]; ok {
		if old.alive() {
			rootMetrics.dupName.Add(1)
			return ErrDuplicateName
		}
		r.dropLocked(old)
		rootMetrics.providerReclaimed.Add(1)
	}
	r.pipes[name] = &entry{name: name, handle: h, available: true}
	rootMetrics.registered.Add(1)
	rootMetrics.entries.Add(1)
	return nil
}

// Acquire takes an exclusive lease on name for holder and returns a clone of
// the provider's handle.
//
// If the recorded lease holder for name has died, its lease is reclaimed and
// granted to holder; no explicit release is ever required. If the provider
// for name has died, the entry is discarded and Acquire reports
// ErrProviderDead. If the current lease holder is still alive, Acquire
// reports ErrBusy.
//
// The registry keeps a reference to holder only while the lease is recorded,
// and calls the holder's Release when it discards that record; it never
// becomes the sole owner.
func (r *Registry) Acquire(name string, holder LeaseHolder) (Handle, error) {
	if name == "" || holder == nil {
		return nil, ErrInvalidArgument
	}

	r.μ.Lock()
	defer r.μ.Unlock()
	e, ok := r.pipes[name]
	if !ok {
		return nil, ErrNotFound
	}
	if !e.available {
		// An unavailable entry with no recorded holder was taken by an
		// administrative lookup; treat it the same as a dead holder.
		if e.holder != nil && e.holder.Alive() {
			rootMetrics.acquireBusy.Add(1)
			return nil, ErrBusy
		}
		if e.holder != nil {
			e.holder.Release()
		}
		e.available = true
		e.holder = nil
		rootMetrics.leaseReclaimed.Add(1)
	}
	if !e.alive() {
		r.dropLocked(e)
		rootMetrics.providerReclaimed.Add(1)
		return nil, ErrProviderDead
	}
	e.available = false
	e.holder = holder
	rootMetrics.acquired.Add(1)
	return e.cloneHandle(), nil
}

// AcquireAdmin is an administrative lookup with no lease semantics, for
// diagnostics. If the entry for name is available and its provider is alive,
// the entry is marked unavailable and a clone of the handle is returned; no
// lease holder is recorded, and the next Acquire for the name will reclaim
// it. A dead provider's entry is discarded as in Acquire. An unavailable
// entry reports ErrBusy without checking the holder.
func (r *Registry) AcquireAdmin(name string) (Handle, error) {
	if name == "" {
		return nil, ErrInvalidArgument
	}

	r.μ.Lock()
	defer r.μ.Unlock()
	e, ok := r.pipes[name]
	if !ok {
		return nil, ErrNotFound
	}
	if !e.alive() {
		r.dropLocked(e)
		rootMetrics.providerReclaimed.Add(1)
		return nil, ErrProviderDead
	}
	if !e.available {
		rootMetrics.acquireBusy.Add(1)
		return nil, ErrBusy
	}
	e.available = false
	rootMetrics.acquired.Add(1)
	return e.cloneHandle(), nil
}

// Remove deletes the entry for name and releases its provider handle.
// It reports ErrNotFound if name is not registered.
func (r *Registry) Remove(name string) error {
	if name == "" {
		return ErrInvalidArgument
	}

	r.μ.Lock()
	defer r.μ.Unlock()
	e, ok := r.pipes[name]
	if !ok {
		return ErrNotFound
	}
	r.dropLocked(e)
	return nil
}

// Names returns a sorted snapshot of all currently registered names,
// regardless of lease state or provider liveness.
func (r *Registry) Names() []string {
	r.μ.Lock()
	names := make([]string, 0, len(r.pipes))
	for name := range r.pipes {
		names = append(names, name)
	}
	r.μ.Unlock()

	sort.Strings(names)
	return names
}

// dropLocked removes e from the map and releases its provider handle and any
// recorded lease holder, tearing down the death monitors they own.
func (r *Registry) dropLocked(e *entry) {
	delete(r.pipes, e.name)
	e.handle.Release()
	if e.holder != nil {
		e.holder.Release()
		e.holder = nil
	}
	rootMetrics.entries.Add(-1)
}

// An entry records the state of one registered name: the provider handle,
// whether the pipe is available for lease, and, while leased, the holder.
//
// Invariant: available == false exactly when a holder is recorded or the
// entry was taken by an administrative lookup. Entries do no locking of
// their own; the enclosing registry's lock covers all mutation.
type entry struct {
	name      string
	handle    Handle
	available bool
	holder    LeaseHolder
}

func (e *entry) alive() bool { return e.handle.Alive() }

func (e *entry) cloneHandle() Handle { return e.handle.Clone() }
