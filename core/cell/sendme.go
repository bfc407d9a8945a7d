// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package cell

import "encoding/binary"

const (
	// SendmeVersion1 is the authenticated SENDME format.
	SendmeVersion1 = 1

	// SendmeDigestLen is the size of the digest a v1 SENDME carries.
	SendmeDigestLen = 20
)

// Sendme is the body of a RELAY_SENDME message.  A zero Version with no
// digest is the legacy empty body used at stream level.
type Sendme struct {
	Version uint8
	Digest  []byte
}

// ToBytes encodes the body.
func (s *Sendme) ToBytes() []byte {
	if s.Version == 0 {
		return nil
	}
	b := []byte{s.Version, 0, 0}
	binary.BigEndian.PutUint16(b[1:], uint16(len(s.Digest)))
	return append(b, s.Digest...)
}

// ParseSendme decodes a RELAY_SENDME body.
func ParseSendme(b []byte) (*Sendme, error) {
	if len(b) == 0 {
		return new(Sendme), nil
	}
	if len(b) < 3 {
		return nil, newFramingError(Relay, "truncated sendme")
	}
	n := int(binary.BigEndian.Uint16(b[1:]))
	if len(b) < 3+n {
		return nil, newFramingError(Relay, "truncated sendme digest")
	}
	return &Sendme{Version: b[0], Digest: append([]byte{}, b[3:3+n]...)}, nil
}
