// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package handshake implements the client side of the Tor circuit creation
// handshakes (CREATE_FAST and ntor) and their key derivation functions.
package handshake

import (
	"crypto/sha1"
	"errors"

	"github.com/katzenpost/hpqc/util"
)

const (
	// KeyLen is the size of an AES-128 hop key.
	KeyLen = 16

	// DigestLen is the size of a running digest seed and of the key
	// confirmation value.
	DigestLen = sha1.Size

	// KeyMaterialLen is the amount of key stream drawn from either KDF.
	KeyMaterialLen = 3*DigestLen + 2*KeyLen
)

// ErrMismatch is returned when a relay's key confirmation or MAC does not
// verify.  No key material is ever returned alongside it.
var ErrMismatch = errors.New("handshake: key confirmation mismatch")

// KeyMaterial is the symmetric state derived by a completed handshake.
type KeyMaterial struct {
	ForwardKey      [KeyLen]byte
	BackwardKey     [KeyLen]byte
	ForwardDigest   [DigestLen]byte
	BackwardDigest  [DigestLen]byte
	KeyConfirmation [DigestLen]byte
}

// Reset clears the key material.
func (k *KeyMaterial) Reset() {
	util.ExplicitBzero(k.ForwardKey[:])
	util.ExplicitBzero(k.BackwardKey[:])
	util.ExplicitBzero(k.ForwardDigest[:])
	util.ExplicitBzero(k.BackwardDigest[:])
	util.ExplicitBzero(k.KeyConfirmation[:])
}

// KDFTor expands secret to n bytes as SHA1(secret | 0) | SHA1(secret | 1) ...
func KDFTor(secret []byte, n int) []byte {
	out := make([]byte, 0, n+DigestLen)
	buf := make([]byte, len(secret)+1)
	copy(buf, secret)
	for i := 0; len(out) < n; i++ {
		buf[len(secret)] = byte(i)
		d := sha1.Sum(buf)
		out = append(out, d[:]...)
	}
	util.ExplicitBzero(buf)
	return out[:n]
}

// keyMaterialFromFast slices KDF-TOR output.
func keyMaterialFromFast(raw []byte) *KeyMaterial {
	k := new(KeyMaterial)
	copy(k.KeyConfirmation[:], raw[0:20])
	copy(k.ForwardDigest[:], raw[20:40])
	copy(k.BackwardDigest[:], raw[40:60])
	copy(k.ForwardKey[:], raw[60:76])
	copy(k.BackwardKey[:], raw[76:92])
	return k
}

// keyMaterialFromNtor slices ntor HKDF output.
func keyMaterialFromNtor(raw []byte) *KeyMaterial {
	k := new(KeyMaterial)
	copy(k.ForwardDigest[:], raw[0:20])
	copy(k.BackwardDigest[:], raw[20:40])
	copy(k.ForwardKey[:], raw[40:56])
	copy(k.BackwardKey[:], raw[56:72])
	copy(k.KeyConfirmation[:], raw[72:92])
	return k
}
