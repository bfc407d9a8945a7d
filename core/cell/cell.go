// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package cell implements the Tor link cell codec: fixed and variable
// framing, and the payload layouts of the commands a client exchanges.
package cell

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrNeedMoreData is returned by Decode when the buffer holds less than the
// frame implied by its header.  It is not a protocol error; the caller must
// accumulate more bytes and retry.
var ErrNeedMoreData = errors.New("cell: need more data")

// FramingError is a malformed or oversized cell.  Framing errors are fatal to
// the link that produced them.
type FramingError struct {
	Command Command
	Msg     string
}

// Error implements the error interface.
func (e *FramingError) Error() string {
	return fmt.Sprintf("cell: framing error (%v): %s", e.Command, e.Msg)
}

func newFramingError(cmd Command, f string, a ...interface{}) error {
	return &FramingError{Command: cmd, Msg: fmt.Sprintf(f, a...)}
}

// Cell is a decoded link cell.  Payload excludes the zero padding of fixed
// cells only when the cell was built by the caller; decoded fixed cells
// always carry all PayloadLen bytes.
type Cell struct {
	CircID  uint32
	Command Command
	Payload []byte
}

// New returns a cell, validating that payload fits the command's framing.
func New(circID uint32, cmd Command, payload []byte) (*Cell, error) {
	if cmd.IsVariable() {
		if len(payload) > MaxVariablePayloadLen {
			return nil, newFramingError(cmd, "payload length %d exceeds %d", len(payload), MaxVariablePayloadLen)
		}
	} else if len(payload) > PayloadLen {
		return nil, newFramingError(cmd, "payload length %d exceeds %d", len(payload), PayloadLen)
	}
	if cmd == Versions && circID != 0 {
		return nil, newFramingError(cmd, "nonzero circuit id %d", circID)
	}
	return &Cell{CircID: circID, Command: cmd, Payload: payload}, nil
}

// Len returns the number of bytes the encoded cell occupies.
func (c *Cell) Len() int {
	switch {
	case c.Command == Versions:
		return LegacyCircIDLen + 1 + 2 + len(c.Payload)
	case c.Command.IsVariable():
		return CircIDLen + 1 + 2 + len(c.Payload)
	default:
		return FixedLen
	}
}

// ToBytes serializes the cell.  Fixed cells are zero padded to FixedLen,
// VERSIONS cells use the legacy 2 byte circuit id.
func (c *Cell) ToBytes() []byte {
	return c.AppendTo(nil)
}

// AppendTo appends the serialized cell to b.
func (c *Cell) AppendTo(b []byte) []byte {
	off := len(b)
	b = append(b, make([]byte, c.Len())...)
	out := b[off:]

	switch {
	case c.Command == Versions:
		binary.BigEndian.PutUint16(out[0:], uint16(c.CircID))
		out[2] = byte(c.Command)
		binary.BigEndian.PutUint16(out[3:], uint16(len(c.Payload)))
		copy(out[5:], c.Payload)
	case c.Command.IsVariable():
		binary.BigEndian.PutUint32(out[0:], c.CircID)
		out[4] = byte(c.Command)
		binary.BigEndian.PutUint16(out[5:], uint16(len(c.Payload)))
		copy(out[7:], c.Payload)
	default:
		binary.BigEndian.PutUint32(out[0:], c.CircID)
		out[4] = byte(c.Command)
		copy(out[5:], c.Payload)
	}
	return b
}

// Encode is a convenience wrapper around New and ToBytes.
func Encode(circID uint32, cmd Command, payload []byte) ([]byte, error) {
	c, err := New(circID, cmd, payload)
	if err != nil {
		return nil, err
	}
	return c.ToBytes(), nil
}

// Decoder splits a byte stream into cells.  The zero value expects the
// legacy 2 byte circuit id framing used before version negotiation; once a
// link version of 4 or above is set every cell uses 4 byte circuit ids.
type Decoder struct {
	// LinkVersion is the negotiated link protocol version, 0 if none.
	LinkVersion uint16
}

func (d *Decoder) circIDLen() int {
	if d.LinkVersion >= MinLinkVersion {
		return CircIDLen
	}
	return LegacyCircIDLen
}

// Decode parses one cell from the head of b, returning the cell and the
// unconsumed remainder.  ErrNeedMoreData is returned when b is shorter than
// the frame its header declares.
func (d *Decoder) Decode(b []byte) (*Cell, []byte, error) {
	idLen := d.circIDLen()
	if len(b) < idLen+1 {
		return nil, b, ErrNeedMoreData
	}

	var circID uint32
	if idLen == CircIDLen {
		circID = binary.BigEndian.Uint32(b[0:])
	} else {
		circID = uint32(binary.BigEndian.Uint16(b[0:]))
	}
	cmd := Command(b[idLen])

	if !cmd.IsVariable() {
		if idLen != CircIDLen {
			// Only VERSIONS may precede negotiation.
			return nil, b, newFramingError(cmd, "fixed cell before version negotiation")
		}
		if len(b) < FixedLen {
			return nil, b, ErrNeedMoreData
		}
		payload := make([]byte, PayloadLen)
		copy(payload, b[CircIDLen+1:FixedLen])
		return &Cell{CircID: circID, Command: cmd, Payload: payload}, b[FixedLen:], nil
	}

	hdrLen := idLen + 1 + 2
	if len(b) < hdrLen {
		return nil, b, ErrNeedMoreData
	}
	n := int(binary.BigEndian.Uint16(b[idLen+1:]))
	if n > MaxVariablePayloadLen {
		return nil, b, newFramingError(cmd, "declared length %d exceeds %d", n, MaxVariablePayloadLen)
	}
	if len(b) < hdrLen+n {
		return nil, b, ErrNeedMoreData
	}
	payload := make([]byte, n)
	copy(payload, b[hdrLen:hdrLen+n])
	return &Cell{CircID: circID, Command: cmd, Payload: payload}, b[hdrLen+n:], nil
}

// Decode parses one cell framed for link protocol 4 or later.  VERSIONS
// cells, which always use the legacy framing, are recognized by a zero 2
// byte circuit id followed by the VERSIONS command.
func Decode(b []byte) (*Cell, []byte, error) {
	if len(b) >= LegacyCircIDLen+1 && b[0] == 0 && b[1] == 0 && Command(b[2]) == Versions {
		return new(Decoder).Decode(b)
	}
	d := Decoder{LinkVersion: MinLinkVersion}
	return d.Decode(b)
}
