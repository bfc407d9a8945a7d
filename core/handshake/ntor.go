// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package handshake

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/katzenpost/hpqc/util"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	ntorProtoID = "ntor-curve25519-sha256-1"
	ntorTKey    = ntorProtoID + ":key_extract"
	ntorTMac    = ntorProtoID + ":mac"
	ntorTVerify = ntorProtoID + ":verify"
	ntorMExpand = ntorProtoID + ":key_expand"
	ntorServer  = "Server"

	// IdentityLen is the size of a relay's legacy identity digest.
	IdentityLen = 20

	// NtorKeyLen is the size of a curve25519 key.
	NtorKeyLen = curve25519.ScalarSize

	// NtorRequestLen is the size of the ntor CREATE2/EXTEND2 handshake data.
	NtorRequestLen = IdentityLen + 2*NtorKeyLen

	// NtorResponseLen is the size of the ntor CREATED2/EXTENDED2 handshake
	// data.
	NtorResponseLen = NtorKeyLen + sha256.Size
)

// NtorState is the client half of an ntor handshake.
type NtorState struct {
	identity [IdentityLen]byte
	onionKey [NtorKeyLen]byte

	private [NtorKeyLen]byte
	public  [NtorKeyLen]byte
}

// InitiateNtor generates an ephemeral keypair from r and returns the state
// and the 84 byte request naming the relay identity and onion key.
func InitiateNtor(r io.Reader, identity [IdentityLen]byte, onionKey [NtorKeyLen]byte) (*NtorState, []byte, error) {
	s := &NtorState{
		identity: identity,
		onionKey: onionKey,
	}
	if _, err := io.ReadFull(r, s.private[:]); err != nil {
		return nil, nil, fmt.Errorf("handshake: failed to generate ephemeral key: %w", err)
	}
	pub, err := curve25519.X25519(s.private[:], curve25519.Basepoint)
	if err != nil {
		s.Reset()
		return nil, nil, fmt.Errorf("handshake: failed to derive public key: %w", err)
	}
	copy(s.public[:], pub)

	req := make([]byte, 0, NtorRequestLen)
	req = append(req, s.identity[:]...)
	req = append(req, s.onionKey[:]...)
	req = append(req, s.public[:]...)
	return s, req, nil
}

// PublicKey returns the client ephemeral public key.
func (s *NtorState) PublicKey() [NtorKeyLen]byte {
	return s.public
}

// Finish verifies the relay's 64 byte response and derives key material.
// A response that fails authentication, or yields a degenerate shared
// secret, returns ErrMismatch.
func (s *NtorState) Finish(resp []byte) (*KeyMaterial, error) {
	if len(resp) < NtorResponseLen {
		return nil, fmt.Errorf("handshake: ntor response length %d, expected %d", len(resp), NtorResponseLen)
	}
	serverPublic := resp[:NtorKeyLen]
	auth := resp[NtorKeyLen:NtorResponseLen]

	xy, err := curve25519.X25519(s.private[:], serverPublic)
	if err != nil || util.CtIsZero(xy) {
		return nil, ErrMismatch
	}
	xb, err := curve25519.X25519(s.private[:], s.onionKey[:])
	if err != nil || util.CtIsZero(xb) {
		util.ExplicitBzero(xy)
		return nil, ErrMismatch
	}

	secretInput := make([]byte, 0, 2*NtorKeyLen+IdentityLen+3*NtorKeyLen+len(ntorProtoID))
	secretInput = append(secretInput, xy...)
	secretInput = append(secretInput, xb...)
	secretInput = append(secretInput, s.identity[:]...)
	secretInput = append(secretInput, s.onionKey[:]...)
	secretInput = append(secretInput, s.public[:]...)
	secretInput = append(secretInput, serverPublic...)
	secretInput = append(secretInput, ntorProtoID...)
	util.ExplicitBzero(xy)
	util.ExplicitBzero(xb)
	defer util.ExplicitBzero(secretInput)

	verify := ntorMAC(ntorTVerify, secretInput)
	defer util.ExplicitBzero(verify)

	authInput := make([]byte, 0, len(verify)+IdentityLen+3*NtorKeyLen+len(ntorProtoID)+len(ntorServer))
	authInput = append(authInput, verify...)
	authInput = append(authInput, s.identity[:]...)
	authInput = append(authInput, s.onionKey[:]...)
	authInput = append(authInput, serverPublic...)
	authInput = append(authInput, s.public[:]...)
	authInput = append(authInput, ntorProtoID...)
	authInput = append(authInput, ntorServer...)

	if !hmac.Equal(ntorMAC(ntorTMac, authInput), auth) {
		return nil, ErrMismatch
	}

	raw := make([]byte, KeyMaterialLen)
	kdf := hkdf.New(sha256.New, secretInput, []byte(ntorTKey), []byte(ntorMExpand))
	if _, err := io.ReadFull(kdf, raw); err != nil {
		return nil, fmt.Errorf("handshake: ntor key expansion failed: %w", err)
	}
	defer util.ExplicitBzero(raw)

	s.Reset()
	return keyMaterialFromNtor(raw), nil
}

// Reset clears the ephemeral private key.  It must be called when a
// handshake is abandoned without Finish succeeding.
func (s *NtorState) Reset() {
	util.ExplicitBzero(s.private[:])
}

func ntorMAC(key string, msg []byte) []byte {
	h := hmac.New(sha256.New, []byte(key))
	h.Write(msg)
	return h.Sum(nil)
}
