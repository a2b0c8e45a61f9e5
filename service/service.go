// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package service exposes a pipereg.Registry to out-of-process providers and
// consumers over chirp v0 connections.
//
// Each connection is handled by its own peer, bound to the service methods:
//
//	pipes.register   claim a name for a provider endpoint
//	pipes.list       snapshot the currently registered names
//	pipes.acquire    take an exclusive lease on a name
//	pipes.remove     administratively delete a name
//
// The connection doubles as the liveness signal for the process behind it: a
// provider's registrations become reclaimable when its connection
// terminates, and likewise a consumer's leases. Death notifications are
// derived from peer exit, so no heartbeating or background sweeping is
// involved.
package service

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/creachadair/chirp"
	"github.com/creachadair/chirp/handler"
	"github.com/creachadair/chirp/peers"
	"github.com/creachadair/pipereg"
	"github.com/creachadair/pipereg/wire"
	"github.com/creachadair/taskgroup"
)

// Method names served by a Service.
const (
	methodRegister = "pipes.register"
	methodList     = "pipes.list"
	methodAcquire  = "pipes.acquire"
	methodRemove   = "pipes.remove"
)

// A Service exposes a registry to remote providers and consumers. The
// methods of a Service are safe for concurrent use.
type Service struct {
	reg *pipereg.Registry
}

// New constructs a service around reg. If reg == nil, New creates a fresh
// empty registry.
func New(reg *pipereg.Registry) *Service {
	if reg == nil {
		reg = pipereg.NewRegistry()
	}
	return &Service{reg: reg}
}

// Registry returns the registry served by s.
func (s *Service) Registry() *pipereg.Registry { return s.reg }

// NewSession constructs a peer bound to the service methods, starts it on
// ch, and returns it. The session lasts until the channel closes; the caller
// may use the returned peer to wait for that.
func (s *Service) NewSession(ch chirp.Channel) *chirp.Peer {
	sn := &session{svc: s, monitors: make(map[int]*pipereg.Monitor)}
	sn.peer = chirp.NewPeer().OnExit(sn.exit).
		Handle(methodRegister, handler.ParamError(sn.register)).
		Handle(methodList, handler.ResultError(sn.list)).
		Handle(methodAcquire, handler.ParamResultError(sn.acquire)).
		Handle(methodRemove, handler.ParamError(sn.remove))
	return sn.peer.Start(ch)
}

// Loop accepts connections from acc and serves a session for each one in a
// goroutine. Loop continues until acc closes or ctx ends; it waits for
// running sessions to exit before returning.
func (s *Service) Loop(ctx context.Context, acc peers.Accepter) error {
	g := taskgroup.New(nil)
	for {
		ch, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
				err = nil
			}
			g.Wait()
			return err
		}

		g.Go(func() error {
			sctx, cancel := context.WithCancel(ctx)
			defer cancel()

			peer := s.NewSession(ch)
			go func() { <-sctx.Done(); peer.Stop() }()
			return peer.Wait()
		})
	}
}

// A session is the server side of one connection. It adapts the peer's exit
// callback into the death-notification facility consumed by provider handles
// and lease holders created on behalf of that connection.
type session struct {
	svc  *Service
	peer *chirp.Peer

	μ        sync.Mutex
	exited   bool
	nextID   int
	monitors map[int]*pipereg.Monitor
}

// ArmMonitor implements the [pipereg.DeathSource] interface. Arming fails if
// the session's connection has already terminated.
func (sn *session) ArmMonitor(cb func()) (disarm func(), ok bool) {
	sn.μ.Lock()
	defer sn.μ.Unlock()
	if sn.exited {
		return nil, false
	}
	m := pipereg.NewMonitor(cb)
	id := sn.nextID
	sn.nextID++
	sn.monitors[id] = m
	return func() {
		sn.μ.Lock()
		delete(sn.monitors, id)
		sn.μ.Unlock()
		m.Disarm()
	}, true
}

// exit delivers the connection's termination to every armed monitor. It runs
// once, as the peer's exit callback.
func (sn *session) exit(error) {
	sn.μ.Lock()
	sn.exited = true
	ms := sn.monitors
	sn.monitors = nil
	sn.μ.Unlock()
	for _, m := range ms {
		m.Notify()
	}
}

// alive reports whether the session's connection is still up.
func (sn *session) alive() bool {
	sn.μ.Lock()
	defer sn.μ.Unlock()
	return !sn.exited
}

// register handles the pipes.register method. The provider handle it records
// is monitored against this session, so the registration dies with the
// connection. A registration whose monitor cannot be armed is rejected
// outright rather than recorded unmonitored.
func (sn *session) register(ctx context.Context, req wire.Register) error {
	h, err := pipereg.NewRemote(req.Endpoint, sn)
	if err != nil {
		return wireError(err)
	}
	if err := sn.svc.reg.Register(req.Name, h); err != nil {
		h.Release()
		return wireError(err)
	}
	return nil
}

// list handles the pipes.list method.
func (sn *session) list(ctx context.Context) (wire.Names, error) {
	return wire.Names(sn.svc.reg.Names()), nil
}

// acquire handles the pipes.acquire method. The lease holder it records is
// backed by this session, so the lease is reclaimable once the connection
// terminates. Its monitor is armed after the lease is granted; if arming
// fails only the early notification is lost, since the holder's liveness
// check consults the session directly.
func (sn *session) acquire(ctx context.Context, req wire.Acquire) (wire.Grant, error) {
	if req.ClientID == 0 {
		return wire.Grant{}, wireError(pipereg.ErrInvalidArgument)
	}
	holder := &peerHolder{id: req.ClientID, sn: sn}
	h, err := sn.svc.reg.Acquire(req.Name, holder)
	if err != nil {
		return wire.Grant{}, wireError(err)
	}
	holder.ArmMonitor(func() { holder.dead.Store(true) })

	remote, ok := h.(*pipereg.Remote)
	if !ok {
		// A provider in the registry's own process has no endpoint to hand
		// over the wire. Mark the holder dead before failing, so the next
		// acquisition reclaims the lease instead of finding the name wedged.
		h.Release()
		holder.dead.Store(true)
		holder.Release()
		return wire.Grant{}, wireError(pipereg.ErrInternal)
	}
	return wire.Grant{Endpoint: remote.Endpoint()}, nil
}

// remove handles the pipes.remove method.
func (sn *session) remove(ctx context.Context, req wire.Remove) error {
	return wireError(sn.svc.reg.Remove(req.Name))
}

// A peerHolder is the lease-holder capability for a consumer connection. Its
// liveness combines the one-shot death flag set by its monitor with a
// synchronous check of the session, so it degrades correctly even when the
// monitor could not be armed.
type peerHolder struct {
	id   uint64
	sn   *session
	dead atomic.Bool

	μ        sync.Mutex
	disarm   func()
	released bool
}

// ID implements part of the [pipereg.LeaseHolder] interface.
func (h *peerHolder) ID() uint64 { return h.id }

// Alive implements part of the [pipereg.LeaseHolder] interface.
func (h *peerHolder) Alive() bool { return !h.dead.Load() && h.sn.alive() }

// ArmMonitor implements part of the [pipereg.LeaseHolder] interface. The
// disarm for the session monitor is retained so that Release can detach it
// once the lease is reclaimed or its entry dropped, rather than leaving the
// monitor attached for the rest of the connection.
func (h *peerHolder) ArmMonitor(onDeath func()) bool {
	disarm, ok := h.sn.ArmMonitor(onDeath)
	if !ok {
		return false
	}
	h.μ.Lock()
	defer h.μ.Unlock()
	if h.released {
		disarm()
		return false
	}
	h.disarm = disarm
	return true
}

// Release implements part of the [pipereg.LeaseHolder] interface, detaching
// the session monitor armed for this lease. It is safe to call repeatedly.
func (h *peerHolder) Release() {
	h.μ.Lock()
	disarm := h.disarm
	h.disarm, h.released = nil, true
	h.μ.Unlock()
	if disarm != nil {
		disarm()
	}
}

// wireError converts a registry error into error data carrying the matching
// wire code, so the remote caller can recover the failure kind. A nil error
// is passed through unchanged.
func wireError(err error) error {
	code := uint16(wire.CodeInternal)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pipereg.ErrNotFound):
		code = wire.CodeNotFound
	case errors.Is(err, pipereg.ErrDuplicateName):
		code = wire.CodeDuplicateName
	case errors.Is(err, pipereg.ErrBusy):
		code = wire.CodeBusy
	case errors.Is(err, pipereg.ErrProviderDead):
		code = wire.CodeProviderDead
	case errors.Is(err, pipereg.ErrInvalidArgument):
		code = wire.CodeInvalidArgument
	}
	return &chirp.ErrorData{Code: code, Message: err.Error()}
}
