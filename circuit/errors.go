// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package circuit

import (
	"context"
	"errors"
	"fmt"

	"github.com/katzenpost/torlink/core/cell"
	"github.com/katzenpost/torlink/core/handshake"
	"github.com/katzenpost/torlink/core/link"
	"github.com/katzenpost/torlink/core/onion"
)

var (
	// ErrHandshakeTimeout is returned when no reply to a CREATE or EXTEND2
	// arrives in time.
	ErrHandshakeTimeout = errors.New("circuit: handshake timed out")

	// ErrRelayEarlyExhausted is returned by Extend once the circuit has
	// sent MaxRelayEarly RELAY_EARLY cells.
	ErrRelayEarlyExhausted = errors.New("circuit: RELAY_EARLY budget exhausted")

	// ErrWindowExhausted is returned when RELAY_DATA may not be sent until
	// the peer sends a SENDME.
	ErrWindowExhausted = onion.ErrWindowExhausted

	// ErrNoSuchStream is returned for operations on a stream that is not
	// open.
	ErrNoSuchStream = errors.New("circuit: no such stream")

	// ErrStreamIDsExhausted is returned when every stream id is in use.
	ErrStreamIDsExhausted = errors.New("circuit: stream ids exhausted")
)

// HandshakeAbortedError is returned when the relay refuses a CREATE with a
// DESTROY, or an EXTEND2 with a RELAY_TRUNCATED.
type HandshakeAbortedError struct {
	Reason    cell.DestroyReason
	Truncated bool
}

// Error implements the error interface.
func (e *HandshakeAbortedError) Error() string {
	if e.Truncated {
		return fmt.Sprintf("circuit: extend refused (truncated: %v)", e.Reason)
	}
	return fmt.Sprintf("circuit: create refused (destroyed: %v)", e.Reason)
}

// DestroyedError is returned by every operation on a destroyed circuit.
type DestroyedError struct {
	Reason cell.DestroyReason

	// Remote is true iff the relay destroyed the circuit.
	Remote bool

	// Err is what caused a local teardown, if anything.
	Err error
}

// Error implements the error interface.
func (e *DestroyedError) Error() string {
	origin := "locally"
	if e.Remote {
		origin = "by relay"
	}
	if e.Err != nil {
		return fmt.Sprintf("circuit: destroyed %s (%v): %v", origin, e.Reason, e.Err)
	}
	return fmt.Sprintf("circuit: destroyed %s (%v)", origin, e.Reason)
}

// Unwrap returns the cause of a local teardown.
func (e *DestroyedError) Unwrap() error {
	return e.Err
}

// UnexpectedCellError is returned when the relay answers with something
// other than what the circuit is waiting for.
type UnexpectedCellError struct {
	Expected string
	Got      string
}

// Error implements the error interface.
func (e *UnexpectedCellError) Error() string {
	return fmt.Sprintf("circuit: expected %s, got %s", e.Expected, e.Got)
}

// IsProtocolViolation returns true iff err indicates a misbehaving or buggy
// relay: a failed key confirmation, an unrecognized or malformed cell, or
// an unexpected reply.  Such failures should not be retried with the same
// hop.
func IsProtocolViolation(err error) bool {
	var (
		fe *cell.FramingError
		ue *UnexpectedCellError
		pe *link.ProtocolError
	)
	switch {
	case errors.Is(err, handshake.ErrMismatch),
		errors.Is(err, onion.ErrUnrecognizedCell),
		errors.Is(err, onion.ErrUnexpectedSendme),
		errors.Is(err, onion.ErrLayerReuse),
		errors.As(err, &fe),
		errors.As(err, &ue),
		errors.As(err, &pe):
		return true
	}
	return false
}

// IsTransient returns true iff err is an infrastructure failure: a timeout,
// a closed link, cancellation, or the relay declining or destroying the
// circuit.
func IsTransient(err error) bool {
	if IsProtocolViolation(err) {
		return false
	}
	var (
		ae *HandshakeAbortedError
		de *DestroyedError
	)
	switch {
	case errors.Is(err, ErrHandshakeTimeout),
		errors.Is(err, link.ErrLinkClosed),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.As(err, &ae):
		return true
	case errors.As(err, &de):
		return de.Remote
	}
	return false
}
