// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package onion

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/katzenpost/torlink/core/cell"
	"github.com/katzenpost/torlink/core/handshake"
)

const (
	relayRecognizedOff = 1
	relayDigestOff     = 5
	relayDigestLen     = cell.RelayDigestLen
)

var (
	// ErrUnrecognizedCell is returned when no layer of a circuit recognizes
	// an inbound relay cell.  It is fatal to the circuit.
	ErrUnrecognizedCell = errors.New("onion: relay cell not recognized by any hop")

	// ErrLayerReuse is returned when key material already seeding a layer
	// of the stack is pushed again.
	ErrLayerReuse = errors.New("onion: key material already in use")
)

// Stack is the ordered chain of a circuit's layers, index 0 being the hop
// closest to the client.  A Stack is not safe for concurrent use.
type Stack struct {
	layers []*Layer
}

// Push appends a hop seeded from km beyond the current tip.
func (s *Stack) Push(km *handshake.KeyMaterial) error {
	l, err := NewLayer(km)
	if err != nil {
		return err
	}
	for _, v := range s.layers {
		if subtle.ConstantTimeCompare(v.fingerprint[:], l.fingerprint[:]) == 1 {
			return ErrLayerReuse
		}
	}
	s.layers = append(s.layers, l)
	return nil
}

// Len returns the number of hops.
func (s *Stack) Len() int {
	return len(s.layers)
}

// Layer returns the hop at depth, or nil.
func (s *Stack) Layer(depth int) *Layer {
	if depth < 0 || depth >= len(s.layers) {
		return nil
	}
	return s.layers[depth]
}

// Build serializes body and onion encrypts it for the hop at depth.  Only
// the target hop's forward digest is updated; every hop from depth down to
// 0 adds one layer of encryption.
func (s *Stack) Build(depth int, body *cell.RelayBody) ([cell.PayloadLen]byte, error) {
	if depth < 0 || depth >= len(s.layers) {
		return [cell.PayloadLen]byte{}, fmt.Errorf("onion: no hop at depth %d (circuit has %d)", depth, len(s.layers))
	}
	b, err := body.ToBytes()
	if err != nil {
		return b, err
	}
	b[relayRecognizedOff] = 0
	b[relayRecognizedOff+1] = 0

	s.layers[depth].seal(b[:])
	for i := depth - 1; i >= 0; i-- {
		s.layers[i].encrypt(b[:])
	}
	return b, nil
}

// Peel removes onion layers from an inbound relay payload in place until a
// hop recognizes it, returning that hop's depth, the decoded body and the
// hop's backward digest after absorbing the cell.
//
// Each hop's backward cipher is applied exactly once per cell, so on
// failure the stream positions of every hop have advanced and the circuit
// must be torn down.
func (s *Stack) Peel(payload []byte) (int, *cell.RelayBody, []byte, error) {
	if len(payload) != cell.PayloadLen {
		return 0, nil, nil, fmt.Errorf("onion: payload length %d, expected %d", len(payload), cell.PayloadLen)
	}
	for i, l := range s.layers {
		l.decrypt(payload)
		digest, ok := l.recognize(payload)
		if !ok {
			continue
		}
		body, err := cell.ParseRelayBody(payload)
		if err != nil {
			return i, nil, nil, err
		}
		return i, body, digest, nil
	}
	return 0, nil, nil, ErrUnrecognizedCell
}
