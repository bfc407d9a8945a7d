// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package onion

import "errors"

const (
	CircuitWindowStart     = 1000
	CircuitWindowIncrement = 100
	StreamWindowStart      = 500
	StreamWindowIncrement  = 50
)

var (
	// ErrWindowExhausted is returned when no RELAY_DATA may be packaged
	// until the peer acknowledges outstanding cells.
	ErrWindowExhausted = errors.New("onion: flow control window exhausted")

	// ErrUnexpectedSendme is returned when a SENDME would grow a package
	// window past its initial size.
	ErrUnexpectedSendme = errors.New("onion: unexpected sendme")
)

// Window is a pair of RELAY_DATA flow control counters.  The package
// window limits cells sent, the deliver window tracks cells received and
// determines when a SENDME is owed.
type Window struct {
	start     int
	increment int

	pkg     int
	deliver int
}

// NewWindow returns a window with both counters at start.
func NewWindow(start, increment int) *Window {
	return &Window{
		start:     start,
		increment: increment,
		pkg:       start,
		deliver:   start,
	}
}

// NewCircuitWindow returns a circuit level window.
func NewCircuitWindow() *Window {
	return NewWindow(CircuitWindowStart, CircuitWindowIncrement)
}

// NewStreamWindow returns a stream level window.
func NewStreamWindow() *Window {
	return NewWindow(StreamWindowStart, StreamWindowIncrement)
}

// CanPackage returns true iff a RELAY_DATA cell may be sent.
func (w *Window) CanPackage() bool {
	return w.pkg > 0
}

// Package accounts for one RELAY_DATA cell sent.
func (w *Window) Package() error {
	if w.pkg <= 0 {
		return ErrWindowExhausted
	}
	w.pkg--
	return nil
}

// Acknowledge accounts for a SENDME received from the peer.
func (w *Window) Acknowledge() error {
	if w.pkg+w.increment > w.start {
		return ErrUnexpectedSendme
	}
	w.pkg += w.increment
	return nil
}

// Deliver accounts for one RELAY_DATA cell received, returning true iff a
// SENDME must now be sent.  The deliver window is credited immediately.
func (w *Window) Deliver() bool {
	w.deliver--
	if w.deliver <= w.start-w.increment {
		w.deliver += w.increment
		return true
	}
	return false
}

// PackageWindow returns the current package window.
func (w *Window) PackageWindow() int {
	return w.pkg
}

// DeliverWindow returns the current deliver window.
func (w *Window) DeliverWindow() int {
	return w.deliver
}
