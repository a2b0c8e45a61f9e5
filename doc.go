// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package pipereg implements a name-based router for remote pipe providers.
//
// A provider process registers a pipe under a human-readable name. At most
// one consumer process at a time may hold an active lease on that name.
// Registrations and leases survive provider and consumer crashes without
// leaking entries: stale state is detected and corrected lazily, as a side
// effect of the next call that touches the name, never by a background
// sweeper.
//
// # Registry
//
// The core type defined by this package is the [Registry]. A registry owns
// the mapping from names to provider handles and is the sole source of truth
// for that mapping in a deployment:
//
//	reg := pipereg.NewRegistry()
//
// A provider registers a handle under a name:
//
//	err := reg.Register("stream.front", handle)
//
// Register reports [ErrDuplicateName] if the name is already held by a
// provider that is still alive. A dead provider's entry is silently replaced,
// which is how a provider restarting under the same name takes over.
//
// A consumer takes an exclusive lease with [Registry.Acquire], supplying a
// [LeaseHolder] capability that identifies it and exposes its liveness:
//
//	h, err := reg.Acquire("stream.front", holder)
//
// The handle returned by Acquire is always a clone; the registry never hands
// out the handle it owns. A second Acquire for the same name reports
// [ErrBusy] until the recorded holder dies, after which the next Acquire
// reclaims the lease with no explicit release having been made.
//
// # Handles and liveness
//
// A [Handle] is a weak, cloneable reference to a provider. Liveness is never
// inferred from local reference counts for a provider in another process:
//
//   - [Local] handles refer to a provider object in the same process, and are
//     alive exactly as long as the target is still reachable.
//
//   - [Remote] handles refer to a provider in another process, and carry an
//     explicit flag that is set to false exactly once, by a death
//     notification armed against a [DeathSource] when the handle is created.
//
// The handle that armed the monitor owns its teardown; clones share the
// liveness flag but never the monitor, so releasing a registry entry cannot
// invalidate a clone a caller already holds.
//
// # Serving the registry
//
// The service subpackage exposes a registry to out-of-process providers and
// consumers over a chirp v0 connection, and derives death notifications for
// both sides from connection termination. The wire subpackage defines the
// payload encoding.
package pipereg
