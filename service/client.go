// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package service

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/creachadair/chirp"
	"github.com/creachadair/chirp/channel"
	"github.com/creachadair/pipereg"
	"github.com/creachadair/pipereg/wire"
)

// A Client calls the service methods on a router. The connection underneath
// the client is also its liveness signal: registrations and leases taken
// through a client are reclaimable once the client closes or its process
// exits.
type Client struct {
	peer *chirp.Peer
}

// NewClient returns a client that calls through ch.
func NewClient(ch chirp.Channel) *Client {
	return &Client{peer: chirp.NewPeer().Start(ch)}
}

// Dial connects to the router at addr, which is either a host:port or the
// path of a Unix-domain socket.
func Dial(addr string) (*Client, error) {
	ntype, address := chirp.SplitAddress(addr)
	conn, err := net.Dial(ntype, address)
	if err != nil {
		return nil, err
	}
	return NewClient(channel.IO(conn, conn)), nil
}

// Close terminates the connection. Any registrations or leases held through
// the client become reclaimable on the router.
func (c *Client) Close() error { return c.peer.Stop() }

// Register claims name for a provider serving at endpoint. The registration
// lasts until the client's connection terminates or the name is removed.
func (c *Client) Register(ctx context.Context, name, endpoint string) error {
	data, err := wire.Register{Name: name, Endpoint: endpoint}.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = c.peer.Call(ctx, methodRegister, data)
	return clientError(err)
}

// List returns the names currently registered on the router, independent of
// lease state.
func (c *Client) List(ctx context.Context) ([]string, error) {
	rsp, err := c.peer.Call(ctx, methodList, nil)
	if err != nil {
		return nil, clientError(err)
	}
	var names wire.Names
	if err := names.UnmarshalBinary(rsp.Data); err != nil {
		return nil, fmt.Errorf("invalid list response: %w", err)
	}
	return names, nil
}

// Acquire takes an exclusive lease on name for the caller, identified by the
// opaque nonzero clientID, and returns the provider's endpoint. The lease
// lasts until the client's connection terminates.
func (c *Client) Acquire(ctx context.Context, name string, clientID uint64) (string, error) {
	data, err := wire.Acquire{Name: name, ClientID: clientID}.MarshalBinary()
	if err != nil {
		return "", err
	}
	rsp, err := c.peer.Call(ctx, methodAcquire, data)
	if err != nil {
		return "", clientError(err)
	}
	var grant wire.Grant
	if err := grant.UnmarshalBinary(rsp.Data); err != nil {
		return "", fmt.Errorf("invalid acquire response: %w", err)
	}
	return grant.Endpoint, nil
}

// Remove administratively deletes name from the router.
func (c *Client) Remove(ctx context.Context, name string) error {
	data, err := wire.Remove{Name: name}.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = c.peer.Call(ctx, methodRemove, data)
	return clientError(err)
}

// clientError maps a service error carried in a call response back to the
// matching pipereg sentinel, wrapped with the message from the router. Call
// plumbing errors are returned unmodified.
func clientError(err error) error {
	var ce *chirp.CallError
	if !errors.As(err, &ce) || ce.Err != nil {
		return err
	}
	var kind error
	switch ce.ErrorData.Code {
	case wire.CodeNotFound:
		kind = pipereg.ErrNotFound
	case wire.CodeDuplicateName:
		kind = pipereg.ErrDuplicateName
	case wire.CodeBusy:
		kind = pipereg.ErrBusy
	case wire.CodeProviderDead:
		kind = pipereg.ErrProviderDead
	case wire.CodeInvalidArgument:
		kind = pipereg.ErrInvalidArgument
	case wire.CodeInternal:
		kind = pipereg.ErrInternal
	default:
		return err
	}
	if msg := ce.ErrorData.Message; msg != kind.Error() {
		return fmt.Errorf("%w: %s", kind, msg)
	}
	return kind
}
