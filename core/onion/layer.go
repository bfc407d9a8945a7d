// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package onion implements the per-hop layered cipher and running digest
// state of a circuit, and the relay flow control windows.
package onion

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding"
	"hash"

	"gitlab.com/yawning/bsaes.git"

	"github.com/katzenpost/torlink/core/handshake"
)

// Layer is one hop's share of a circuit's cryptographic state.  The forward
// half is only touched when building cells and the backward half only when
// peeling them.
type Layer struct {
	fwdCipher cipher.Stream
	bwdCipher cipher.Stream
	fwdDigest hash.Hash
	bwdDigest hash.Hash

	fingerprint [sha256.Size]byte

	built      uint64
	recognized uint64
}

// NewLayer initializes a hop from key material.  The caller retains km and
// should Reset it once every layer it seeds has been created.
func NewLayer(km *handshake.KeyMaterial) (*Layer, error) {
	fwd, err := newCTR(km.ForwardKey[:])
	if err != nil {
		return nil, err
	}
	bwd, err := newCTR(km.BackwardKey[:])
	if err != nil {
		return nil, err
	}
	l := &Layer{
		fwdCipher: fwd,
		bwdCipher: bwd,
		fwdDigest: sha1.New(),
		bwdDigest: sha1.New(),
	}
	l.fwdDigest.Write(km.ForwardDigest[:])
	l.bwdDigest.Write(km.BackwardDigest[:])

	h := sha256.New()
	h.Write(km.ForwardKey[:])
	h.Write(km.BackwardKey[:])
	h.Write(km.ForwardDigest[:])
	h.Write(km.BackwardDigest[:])
	copy(l.fingerprint[:], h.Sum(nil))
	return l, nil
}

// newCTR returns AES-CTR with a zero IV.  bsaes defers to crypto/aes only
// where the runtime's implementation is constant time.
func newCTR(key []byte) (cipher.Stream, error) {
	block, err := bsaes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	var iv [aes.BlockSize]byte
	return cipher.NewCTR(block, iv[:]), nil
}

// Built returns the number of cells whose digest this layer computed.
func (l *Layer) Built() uint64 {
	return l.built
}

// Recognized returns the number of cells this layer recognized.
func (l *Layer) Recognized() uint64 {
	return l.recognized
}

// seal digests and encrypts a plaintext relay payload addressed to this hop.
func (l *Layer) seal(b []byte) {
	clear(b[relayDigestOff : relayDigestOff+relayDigestLen])
	l.fwdDigest.Write(b)
	sum := l.fwdDigest.Sum(nil)
	copy(b[relayDigestOff:], sum[:relayDigestLen])
	l.built++
	l.encrypt(b)
}

func (l *Layer) encrypt(b []byte) {
	l.fwdCipher.XORKeyStream(b, b)
}

func (l *Layer) decrypt(b []byte) {
	l.bwdCipher.XORKeyStream(b, b)
}

// recognize checks a decrypted payload against the backward running digest.
// On success the digest state advances and its full value is returned; on
// failure the state is left untouched.
func (l *Layer) recognize(b []byte) ([]byte, bool) {
	if b[relayRecognizedOff] != 0 || b[relayRecognizedOff+1] != 0 {
		return nil, false
	}

	var want [relayDigestLen]byte
	copy(want[:], b[relayDigestOff:])

	h, err := cloneDigest(l.bwdDigest)
	if err != nil {
		return nil, false
	}
	clear(b[relayDigestOff : relayDigestOff+relayDigestLen])
	h.Write(b)
	sum := h.Sum(nil)
	if subtle.ConstantTimeCompare(sum[:relayDigestLen], want[:]) != 1 {
		copy(b[relayDigestOff:], want[:])
		return nil, false
	}
	copy(b[relayDigestOff:], want[:])
	l.bwdDigest = h
	l.recognized++
	return sum, true
}

func cloneDigest(h hash.Hash) (hash.Hash, error) {
	state, err := h.(encoding.BinaryMarshaler).MarshalBinary()
	if err != nil {
		return nil, err
	}
	c := sha1.New()
	if err := c.(encoding.BinaryUnmarshaler).UnmarshalBinary(state); err != nil {
		return nil, err
	}
	return c, nil
}
