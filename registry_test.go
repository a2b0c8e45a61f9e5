// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package pipereg_test

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/creachadair/pipereg"
	"github.com/creachadair/taskgroup"
	"github.com/google/go-cmp/cmp"
)

// A stubSource is an in-process death-notification facility standing in for
// the RPC runtime: kill delivers the notification to every armed monitor.
type stubSource struct {
	μ        sync.Mutex
	dead     bool
	monitors []*pipereg.Monitor
}

func (s *stubSource) ArmMonitor(cb func()) (func(), bool) {
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.dead {
		return nil, false
	}
	m := pipereg.NewMonitor(cb)
	s.monitors = append(s.monitors, m)
	return m.Disarm, true
}

func (s *stubSource) kill() {
	s.μ.Lock()
	ms := s.monitors
	s.monitors, s.dead = nil, true
	s.μ.Unlock()
	for _, m := range ms {
		m.Notify()
	}
}

// A stubHolder is a lease holder whose liveness the test controls directly.
// It counts Release calls so tests can check teardown.
type stubHolder struct {
	id       uint64
	dead     atomic.Bool
	released atomic.Int32
}

func (h *stubHolder) ID() uint64             { return h.id }
func (h *stubHolder) Alive() bool            { return !h.dead.Load() }
func (h *stubHolder) ArmMonitor(func()) bool { return true }
func (h *stubHolder) Release()               { h.released.Add(1) }
func (h *stubHolder) kill()                  { h.dead.Store(true) }

// mustRemote registers a fresh provider handle for name and returns the
// source controlling the provider's liveness.
func mustRemote(t *testing.T, reg *pipereg.Registry, name, endpoint string) *stubSource {
	t.Helper()
	src := new(stubSource)
	h, err := pipereg.NewRemote(endpoint, src)
	if err != nil {
		t.Fatalf("NewRemote %q: unexpected error: %v", endpoint, err)
	}
	if err := reg.Register(name, h); err != nil {
		t.Fatalf("Register %q: unexpected error: %v", name, err)
	}
	return src
}

func TestRegister(t *testing.T) {
	reg := pipereg.NewRegistry()

	t.Run("Duplicate", func(t *testing.T) {
		mustRemote(t, reg, "g1", "unix:/run/g1.sock")

		h2, err := pipereg.NewRemote("unix:/run/g1b.sock", new(stubSource))
		if err != nil {
			t.Fatalf("NewRemote: unexpected error: %v", err)
		}
		if err := reg.Register("g1", h2); !errors.Is(err, pipereg.ErrDuplicateName) {
			t.Errorf("Register g1 again: got %v, want %v", err, pipereg.ErrDuplicateName)
		}
	})

	t.Run("Invalid", func(t *testing.T) {
		h, _ := pipereg.NewRemote("unix:/run/x.sock", new(stubSource))
		if err := reg.Register("", h); !errors.Is(err, pipereg.ErrInvalidArgument) {
			t.Errorf("Register empty name: got %v, want %v", err, pipereg.ErrInvalidArgument)
		}
		if err := reg.Register("g2", nil); !errors.Is(err, pipereg.ErrInvalidArgument) {
			t.Errorf("Register nil handle: got %v, want %v", err, pipereg.ErrInvalidArgument)
		}
	})

	t.Run("ReplaceDead", func(t *testing.T) {
		src := mustRemote(t, reg, "g3", "unix:/run/g3.sock")
		src.kill()

		// A provider restarting under the same name takes over the entry.
		mustRemote(t, reg, "g3", "unix:/run/g3-restarted.sock")

		h, err := reg.Acquire("g3", &stubHolder{id: 7})
		if err != nil {
			t.Fatalf("Acquire g3: unexpected error: %v", err)
		}
		if got := h.(*pipereg.Remote).Endpoint(); got != "unix:/run/g3-restarted.sock" {
			t.Errorf("Endpoint: got %q, want the restarted provider", got)
		}
	})
}

func TestAcquire(t *testing.T) {
	reg := pipereg.NewRegistry()
	mustRemote(t, reg, "g1", "unix:/run/g1.sock")

	t.Run("NotFound", func(t *testing.T) {
		if h, err := reg.Acquire("nonesuch", &stubHolder{id: 1}); !errors.Is(err, pipereg.ErrNotFound) {
			t.Errorf("Acquire nonesuch: got %v, %v; want %v", h, err, pipereg.ErrNotFound)
		}
	})

	t.Run("Invalid", func(t *testing.T) {
		if _, err := reg.Acquire("g1", nil); !errors.Is(err, pipereg.ErrInvalidArgument) {
			t.Errorf("Acquire nil holder: got %v, want %v", err, pipereg.ErrInvalidArgument)
		}
	})

	c1 := &stubHolder{id: 1}
	t.Run("Grant", func(t *testing.T) {
		h, err := reg.Acquire("g1", c1)
		if err != nil {
			t.Fatalf("Acquire g1: unexpected error: %v", err)
		}
		if got := h.(*pipereg.Remote).Endpoint(); got != "unix:/run/g1.sock" {
			t.Errorf("Endpoint: got %q, want %q", got, "unix:/run/g1.sock")
		}
	})

	t.Run("Busy", func(t *testing.T) {
		if _, err := reg.Acquire("g1", &stubHolder{id: 2}); !errors.Is(err, pipereg.ErrBusy) {
			t.Errorf("Acquire while leased: got %v, want %v", err, pipereg.ErrBusy)
		}
	})

	t.Run("ReclaimDeadHolder", func(t *testing.T) {
		c1.kill()

		// No release was ever called; the death alone must free the lease.
		if _, err := reg.Acquire("g1", &stubHolder{id: 2}); err != nil {
			t.Errorf("Acquire after holder death: unexpected error: %v", err)
		}
	})
}

func TestProviderDeath(t *testing.T) {
	t.Run("AdminObservesDeath", func(t *testing.T) {
		reg := pipereg.NewRegistry()
		src := mustRemote(t, reg, "g1", "unix:/run/g1.sock")

		// The dead entry persists unnoticed until the next relevant call.
		src.kill()
		if diff := cmp.Diff([]string{"g1"}, reg.Names()); diff != "" {
			t.Errorf("Names before reclamation (-want, +got):\n%s", diff)
		}

		if _, err := reg.AcquireAdmin("g1"); !errors.Is(err, pipereg.ErrProviderDead) {
			t.Errorf("AcquireAdmin: got %v, want %v", err, pipereg.ErrProviderDead)
		}
		if got := reg.Names(); len(got) != 0 {
			t.Errorf("Names after reclamation: got %v, want empty", got)
		}
	})

	t.Run("AcquireObservesDeath", func(t *testing.T) {
		reg := pipereg.NewRegistry()
		src := mustRemote(t, reg, "g1", "unix:/run/g1.sock")
		src.kill()

		if _, err := reg.Acquire("g1", &stubHolder{id: 1}); !errors.Is(err, pipereg.ErrProviderDead) {
			t.Errorf("Acquire: got %v, want %v", err, pipereg.ErrProviderDead)
		}
		if _, err := reg.Acquire("g1", &stubHolder{id: 1}); !errors.Is(err, pipereg.ErrNotFound) {
			t.Errorf("Acquire again: got %v, want %v", err, pipereg.ErrNotFound)
		}
	})

	t.Run("DeathDuringLease", func(t *testing.T) {
		reg := pipereg.NewRegistry()
		src := mustRemote(t, reg, "g1", "unix:/run/g1.sock")

		holder := &stubHolder{id: 1}
		if _, err := reg.Acquire("g1", holder); err != nil {
			t.Fatalf("Acquire: unexpected error: %v", err)
		}
		src.kill()
		holder.kill()

		if _, err := reg.Acquire("g1", &stubHolder{id: 2}); !errors.Is(err, pipereg.ErrProviderDead) {
			t.Errorf("Acquire: got %v, want %v", err, pipereg.ErrProviderDead)
		}
	})
}

func TestAcquireAdmin(t *testing.T) {
	reg := pipereg.NewRegistry()
	mustRemote(t, reg, "g1", "unix:/run/g1.sock")

	h, err := reg.AcquireAdmin("g1")
	if err != nil {
		t.Fatalf("AcquireAdmin: unexpected error: %v", err)
	}
	if got := h.(*pipereg.Remote).Endpoint(); got != "unix:/run/g1.sock" {
		t.Errorf("Endpoint: got %q, want %q", got, "unix:/run/g1.sock")
	}

	// A second administrative lookup sees the name taken.
	if _, err := reg.AcquireAdmin("g1"); !errors.Is(err, pipereg.ErrBusy) {
		t.Errorf("AcquireAdmin again: got %v, want %v", err, pipereg.ErrBusy)
	}

	// An administrative lookup records no holder, so the next lease
	// acquisition reclaims the entry rather than wedging the name.
	if _, err := reg.Acquire("g1", &stubHolder{id: 1}); err != nil {
		t.Errorf("Acquire after admin: unexpected error: %v", err)
	}
}

// TestHolderRelease verifies that a recorded lease holder is torn down when
// the registry discards it, whether by reclamation or by entry removal, so
// any monitor the holder armed does not outlive the lease.
func TestHolderRelease(t *testing.T) {
	reg := pipereg.NewRegistry()
	mustRemote(t, reg, "g1", "unix:/run/g1.sock")

	h1 := &stubHolder{id: 1}
	if _, err := reg.Acquire("g1", h1); err != nil {
		t.Fatalf("Acquire: unexpected error: %v", err)
	}
	h1.kill()

	h2 := &stubHolder{id: 2}
	if _, err := reg.Acquire("g1", h2); err != nil {
		t.Fatalf("Acquire after holder death: unexpected error: %v", err)
	}
	if got := h1.released.Load(); got != 1 {
		t.Errorf("Superseded holder released %d times, want 1", got)
	}

	if err := reg.Remove("g1"); err != nil {
		t.Fatalf("Remove: unexpected error: %v", err)
	}
	if got := h2.released.Load(); got != 1 {
		t.Errorf("Removed holder released %d times, want 1", got)
	}
	if got := h1.released.Load(); got != 1 {
		t.Errorf("Stale holder released %d times, want 1", got)
	}
}

func TestRemove(t *testing.T) {
	reg := pipereg.NewRegistry()
	mustRemote(t, reg, "g1", "unix:/run/g1.sock")

	if err := reg.Remove("unknown"); !errors.Is(err, pipereg.ErrNotFound) {
		t.Errorf("Remove unknown: got %v, want %v", err, pipereg.ErrNotFound)
	}
	if err := reg.Remove("g1"); err != nil {
		t.Errorf("Remove g1: unexpected error: %v", err)
	}
	if got := reg.Names(); len(got) != 0 {
		t.Errorf("Names after remove: got %v, want empty", got)
	}
}

func TestNames(t *testing.T) {
	reg := pipereg.NewRegistry()
	for _, name := range []string{"rear", "front", "cabin"} {
		mustRemote(t, reg, name, "unix:/run/"+name+".sock")
	}

	// The snapshot is sorted and independent of lease state.
	if _, err := reg.Acquire("front", &stubHolder{id: 1}); err != nil {
		t.Fatalf("Acquire front: unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{"cabin", "front", "rear"}, reg.Names()); diff != "" {
		t.Errorf("Names (-want, +got):\n%s", diff)
	}
}

// TestExclusivity hammers Acquire from many goroutines and verifies that
// exactly one of them wins the lease while the holder stays alive.
func TestExclusivity(t *testing.T) {
	reg := pipereg.NewRegistry()
	mustRemote(t, reg, "g1", "unix:/run/g1.sock")

	const numClients = 64

	var wins, busy atomic.Int64
	g := taskgroup.New(nil)
	for i := range numClients {
		holder := &stubHolder{id: uint64(i + 1)}
		g.Go(func() error {
			_, err := reg.Acquire("g1", holder)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, pipereg.ErrBusy):
				busy.Add(1)
			default:
				return fmt.Errorf("holder %d: %w", holder.ID(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Errorf("Acquire: unexpected error: %v", err)
	}
	if got := wins.Load(); got != 1 {
		t.Errorf("Got %d successful acquisitions, want 1", got)
	}
	if got := busy.Load(); got != numClients-1 {
		t.Errorf("Got %d busy acquisitions, want %d", got, numClients-1)
	}
}

// TestLocalProvider runs the registry against a same-process provider, whose
// liveness is a weak-reference promotion test rather than a monitored flag.
func TestLocalProvider(t *testing.T) {
	type pipe struct{ name string }

	reg := pipereg.NewRegistry()
	target := &pipe{name: "embedded"}
	if err := reg.Register("g1", pipereg.NewLocal(target)); err != nil {
		t.Fatalf("Register: unexpected error: %v", err)
	}

	holder := &stubHolder{id: 1}
	h, err := reg.Acquire("g1", holder)
	if err != nil {
		t.Fatalf("Acquire: unexpected error: %v", err)
	}
	if got := h.(pipereg.Local[pipe]).Get(); got != target {
		t.Errorf("Get: got %p, want %p", got, target)
	}

	// Once the provider object is collected, the next acquisition after the
	// holder's death observes the provider gone and drops the entry.
	holder.kill()
	runtime.KeepAlive(target)
	target = nil
	runtime.GC()
	runtime.GC()

	if _, err := reg.Acquire("g1", &stubHolder{id: 2}); !errors.Is(err, pipereg.ErrProviderDead) {
		t.Errorf("Acquire after collection: got %v, want %v", err, pipereg.ErrProviderDead)
	}
	if got := reg.Names(); len(got) != 0 {
		t.Errorf("Names: got %v, want empty", got)
	}
}

func BenchmarkLeaseCycle(b *testing.B) {
	reg := pipereg.NewRegistry()
	src := new(stubSource)
	h, err := pipereg.NewRemote("unix:/run/bench.sock", src)
	if err != nil {
		b.Fatal(err)
	}
	if err := reg.Register("bench", h); err != nil {
		b.Fatal(err)
	}

	for i := 0; b.Loop(); i++ {
		holder := &stubHolder{id: uint64(i + 1)}
		if _, err := reg.Acquire("bench", holder); err != nil {
			b.Fatal(err)
		}
		holder.kill() // the next acquisition reclaims the lease
	}
}
