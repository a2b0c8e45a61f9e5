// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package wire defines the payload encodings for the pipereg service
// methods.
//
// All integers are encoded in big-endian byte order. A string is encoded as
// a uint16 length followed by that many bytes. Each payload type implements
// the encoding.BinaryMarshaler and encoding.BinaryUnmarshaler interfaces, so
// the types can be used directly with the chirp handler adapters.
//
// Failed calls carry one of the Code constants in the error data of the
// response, so a caller can recover the failure kind without parsing the
// message text.
package wire

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Error codes reported in chirp.ErrorData for failed calls.
const (
	CodeNotFound        = 1 // the name is not registered
	CodeDuplicateName   = 2 // the name is registered to a live provider
	CodeBusy            = 3 // the pipe is leased to a live client
	CodeProviderDead    = 4 // the provider terminated; the entry was dropped
	CodeInvalidArgument = 5 // a malformed name, endpoint, or identity
	CodeInternal        = 6 // monitor arming or invariant failure
)

// A Register is the payload of the pipes.register method, sent by a provider
// process to claim a name.
type Register struct {
	Name     string // the pipe name to register
	Endpoint string // the address where the provider serves the pipe
}

// MarshalBinary implements the [encoding.BinaryMarshaler] interface.
func (r Register) MarshalBinary() ([]byte, error) {
	buf, err := appendString(nil, r.Name)
	if err != nil {
		return nil, err
	}
	return appendString(buf, r.Endpoint)
}

// UnmarshalBinary implements the [encoding.BinaryUnmarshaler] interface.
func (r *Register) UnmarshalBinary(data []byte) error {
	name, rest, err := splitString(data)
	if err != nil {
		return err
	}
	endpoint, rest, err := splitString(rest)
	if err != nil {
		return err
	} else if len(rest) != 0 {
		return fmt.Errorf("extra data after payload (%d bytes)", len(rest))
	}
	r.Name, r.Endpoint = name, endpoint
	return nil
}

// An Acquire is the payload of the pipes.acquire method, sent by a consumer
// process to request an exclusive lease on a name.
type Acquire struct {
	Name     string // the pipe name to lease
	ClientID uint64 // the caller's opaque identity token (must be nonzero)
}

// MarshalBinary implements the [encoding.BinaryMarshaler] interface.
func (a Acquire) MarshalBinary() ([]byte, error) {
	buf := binary.BigEndian.AppendUint64(nil, a.ClientID)
	return appendString(buf, a.Name)
}

// UnmarshalBinary implements the [encoding.BinaryUnmarshaler] interface.
func (a *Acquire) UnmarshalBinary(data []byte) error {
	if len(data) < 8 {
		return fmt.Errorf("short payload: have %d bytes, want at least 8", len(data))
	}
	id := binary.BigEndian.Uint64(data)
	name, rest, err := splitString(data[8:])
	if err != nil {
		return err
	} else if len(rest) != 0 {
		return fmt.Errorf("extra data after payload (%d bytes)", len(rest))
	}
	a.Name, a.ClientID = name, id
	return nil
}

// A Grant is the response payload of a successful pipes.acquire call.
type Grant struct {
	Endpoint string // the address where the provider serves the pipe
}

// MarshalBinary implements the [encoding.BinaryMarshaler] interface.
func (g Grant) MarshalBinary() ([]byte, error) { return appendString(nil, g.Endpoint) }

// UnmarshalBinary implements the [encoding.BinaryUnmarshaler] interface.
func (g *Grant) UnmarshalBinary(data []byte) error {
	endpoint, rest, err := splitString(data)
	if err != nil {
		return err
	} else if len(rest) != 0 {
		return fmt.Errorf("extra data after payload (%d bytes)", len(rest))
	}
	g.Endpoint = endpoint
	return nil
}

// A Remove is the payload of the pipes.remove method, the administrative
// deletion of a name.
type Remove struct {
	Name string // the pipe name to delete
}

// MarshalBinary implements the [encoding.BinaryMarshaler] interface.
func (r Remove) MarshalBinary() ([]byte, error) { return appendString(nil, r.Name) }

// UnmarshalBinary implements the [encoding.BinaryUnmarshaler] interface.
func (r *Remove) UnmarshalBinary(data []byte) error {
	name, rest, err := splitString(data)
	if err != nil {
		return err
	} else if len(rest) != 0 {
		return fmt.Errorf("extra data after payload (%d bytes)", len(rest))
	}
	r.Name = name
	return nil
}

// Names is the response payload of the pipes.list method: the currently
// registered names, encoded as a uint32 count followed by each name.
type Names []string

// MarshalBinary implements the [encoding.BinaryMarshaler] interface.
func (ns Names) MarshalBinary() ([]byte, error) {
	buf := binary.BigEndian.AppendUint32(nil, uint32(len(ns)))
	var err error
	for _, name := range ns {
		buf, err = appendString(buf, name)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// UnmarshalBinary implements the [encoding.BinaryUnmarshaler] interface.
func (ns *Names) UnmarshalBinary(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("short payload: have %d bytes, want at least 4", len(data))
	}
	n := int(binary.BigEndian.Uint32(data))
	rest := data[4:]

	// Each name costs at least its 2-byte length, so a count the payload
	// cannot hold is corrupt. Checking before allocating keeps a hostile
	// count from sizing the slice.
	if n > len(rest)/2 {
		return fmt.Errorf("invalid count: %d names in %d bytes", n, len(rest))
	}

	out := make(Names, 0, n)
	for range n {
		var name string
		var err error
		name, rest, err = splitString(rest)
		if err != nil {
			return err
		}
		out = append(out, name)
	}
	if len(rest) != 0 {
		return fmt.Errorf("extra data after payload (%d bytes)", len(rest))
	}
	*ns = out
	return nil
}

// appendString appends the encoding of s to buf and returns the result.
func appendString(buf []byte, s string) ([]byte, error) {
	if len(s) > math.MaxUint16 {
		return nil, fmt.Errorf("string too long (%d bytes)", len(s))
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...), nil
}

// splitString decodes a string from the front of data, returning the string
// and the remainder of data after it.
func splitString(data []byte) (string, []byte, error) {
	if len(data) < 2 {
		return "", nil, fmt.Errorf("truncated length: have %d bytes, want 2", len(data))
	}
	n := int(binary.BigEndian.Uint16(data))
	if len(data) < 2+n {
		return "", nil, fmt.Errorf("truncated string: have %d bytes, want %d", len(data)-2, n)
	}
	return string(data[2 : 2+n]), data[2+n:], nil
}
