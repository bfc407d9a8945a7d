// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package handshake

import (
	"crypto/subtle"
	"fmt"
	"io"

	"github.com/katzenpost/hpqc/util"

	"github.com/katzenpost/torlink/core/cell"
)

// FastState is the client half of a CREATE_FAST handshake.
type FastState struct {
	material [cell.FastMaterialLen]byte
}

// InitiateFast draws fresh client material from r and returns the state and
// the CREATE_FAST payload.
func InitiateFast(r io.Reader) (*FastState, []byte, error) {
	s := new(FastState)
	if _, err := io.ReadFull(r, s.material[:]); err != nil {
		return nil, nil, fmt.Errorf("handshake: failed to generate client material: %w", err)
	}
	return s, append([]byte{}, s.material[:]...), nil
}

// Finish consumes a CREATED_FAST payload and returns the derived key
// material, or ErrMismatch if the relay's confirmation is wrong.
func (s *FastState) Finish(resp []byte) (*KeyMaterial, error) {
	created, err := cell.ParseCreatedFast(resp)
	if err != nil {
		return nil, err
	}

	secret := make([]byte, 0, 2*cell.FastMaterialLen)
	secret = append(secret, s.material[:]...)
	secret = append(secret, created.ServerMaterial[:]...)
	raw := KDFTor(secret, KeyMaterialLen)
	util.ExplicitBzero(secret)
	defer util.ExplicitBzero(raw)

	if subtle.ConstantTimeCompare(raw[:DigestLen], created.Confirmation[:]) != 1 {
		return nil, ErrMismatch
	}
	s.Reset()
	return keyMaterialFromFast(raw), nil
}

// Reset clears the client material.
func (s *FastState) Reset() {
	util.ExplicitBzero(s.material[:])
}
