// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package link

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrLinkClosed is returned by every operation on a closed link.
	ErrLinkClosed = errors.New("link: closed")

	// ErrNoCommonVersion is returned when the relay offers no link protocol
	// version of 4 or above that this client also supports.
	ErrNoCommonVersion = errors.New("link: no common link protocol version")

	// ErrCircuitReleased is returned by operations on a released queue.
	ErrCircuitReleased = errors.New("link: circuit released")

	// ErrCircuitOverflow is returned by a queue the link tore down because
	// its inbound cells were not consumed fast enough.
	ErrCircuitOverflow = errors.New("link: circuit queue overflow")

	errCircIDsExhausted = errors.New("link: circuit ids exhausted")
)

// HandshakeState is the step of the link handshake that failed.
type HandshakeState string

const (
	HandshakeStateVersions HandshakeState = "versions"
	HandshakeStateCerts    HandshakeState = "certs"
	HandshakeStateNetInfo  HandshakeState = "netinfo"
)

// HandshakeError is a failed link handshake.  Link handshake failures are
// fatal to the link.
type HandshakeError struct {
	State      HandshakeState
	Message    string
	RemoteAddr string

	// Err is the underlying error, if any.
	Err error
}

// Error implements the error interface.
func (e *HandshakeError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "link: handshake failed at %s", e.State)
	if e.RemoteAddr != "" {
		fmt.Fprintf(&b, " with peer %s", e.RemoteAddr)
	}
	fmt.Fprintf(&b, ": %s", e.Message)
	if e.Err != nil {
		fmt.Fprintf(&b, " (underlying error: %v)", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// ProtocolError is the error used to indicate that the link was closed due
// to a link protocol violation after the handshake.
type ProtocolError struct {
	// Err is the original error that triggered link termination.
	Err error
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("link: protocol error: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}
