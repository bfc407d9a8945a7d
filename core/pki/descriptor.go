// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package pki describes the relays a client builds circuits through.
// Fetching and parsing the directory consensus is left to Provider
// implementations.
package pki

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/katzenpost/hpqc/util"

	"github.com/katzenpost/torlink/core/cell"
	"github.com/katzenpost/torlink/core/utils"
)

const (
	// IdentityLength is the length of a relay's legacy RSA identity digest.
	IdentityLength = 20

	// Ed25519IdentityLength is the length of a relay's ed25519 identity.
	Ed25519IdentityLength = 32

	// NtorOnionKeyLength is the length of a relay's ntor onion key.
	NtorOnionKeyLength = 32
)

// RelayDescriptor is what a client needs to know about a relay to connect
// to it, and to create or extend a circuit to it.
type RelayDescriptor struct {
	// Nickname is the relay's human readable name.
	Nickname string

	// Address is the relay's OR port as "ip:port".
	Address string

	// Identity is the SHA-1 digest of the relay's RSA identity key.
	Identity [IdentityLength]byte

	// Ed25519Identity is the relay's ed25519 identity key, all zero if
	// unknown.
	Ed25519Identity [Ed25519IdentityLength]byte

	// NtorOnionKey is the relay's curve25519 onion key.
	NtorOnionKey [NtorOnionKeyLength]byte
}

// HasEd25519Identity returns true iff the ed25519 identity is known.
func (d *RelayDescriptor) HasEd25519Identity() bool {
	return !util.CtIsZero(d.Ed25519Identity[:])
}

// LinkSpecifiers returns the EXTEND2 link specifiers naming the relay: its
// address, its legacy identity and, when known, its ed25519 identity.
func (d *RelayDescriptor) LinkSpecifiers() ([]cell.LinkSpecifier, error) {
	ip, port, err := utils.SplitIPPort(d.Address)
	if err != nil {
		return nil, fmt.Errorf("pki: relay '%v' address: %w", d.Nickname, err)
	}
	specs := []cell.LinkSpecifier{
		cell.NewAddrLinkSpecifier(ip, port),
		cell.NewLegacyIDLinkSpecifier(d.Identity),
	}
	if d.HasEd25519Identity() {
		specs = append(specs, cell.NewEd25519LinkSpecifier(d.Ed25519Identity))
	}
	return specs, nil
}

// String returns a terse description suitable for logging.
func (d *RelayDescriptor) String() string {
	return fmt.Sprintf("%s~%X@%s", d.Nickname, d.Identity[:4], d.Address)
}

// IsDescriptorWellFormed validates the descriptor and returns a descriptive
// error iff there are any problems that would make it unusable.
func IsDescriptorWellFormed(d *RelayDescriptor) error {
	if d.Nickname == "" {
		return fmt.Errorf("pki: descriptor missing Nickname")
	}
	if err := utils.EnsureAddrIPPort(d.Address); err != nil {
		return fmt.Errorf("pki: descriptor '%v' Address '%v' is invalid: %v", d.Nickname, d.Address, err)
	}
	if util.CtIsZero(d.Identity[:]) {
		return fmt.Errorf("pki: descriptor '%v' missing Identity", d.Nickname)
	}
	if util.CtIsZero(d.NtorOnionKey[:]) {
		return fmt.Errorf("pki: descriptor '%v' missing NtorOnionKey", d.Nickname)
	}
	return nil
}

// ParseIdentity decodes a hex legacy identity fingerprint, as printed by
// tor (spaces and a leading '$' are tolerated).
func ParseIdentity(s string) ([IdentityLength]byte, error) {
	var id [IdentityLength]byte
	s = strings.TrimPrefix(strings.ReplaceAll(s, " ", ""), "$")
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("pki: invalid identity: %w", err)
	}
	if len(b) != IdentityLength {
		return id, fmt.Errorf("pki: identity length %d, expected %d", len(b), IdentityLength)
	}
	copy(id[:], b)
	return id, nil
}

// ParseKey32 decodes a base64 32 byte key, padded or not, as found in
// descriptors and microdescriptors.
func ParseKey32(s string) ([32]byte, error) {
	var k [32]byte
	b, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return k, fmt.Errorf("pki: invalid key: %w", err)
	}
	if len(b) != len(k) {
		return k, fmt.Errorf("pki: key length %d, expected %d", len(b), len(k))
	}
	copy(k[:], b)
	return k, nil
}
