// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package cell

import (
	"encoding/binary"
	"net"
)

// LinkSpecType is the type of an EXTEND2 link specifier.
type LinkSpecType uint8

const (
	LinkSpecIPv4     LinkSpecType = 0x00
	LinkSpecIPv6     LinkSpecType = 0x01
	LinkSpecLegacyID LinkSpecType = 0x02
	LinkSpecEd25519  LinkSpecType = 0x03
)

// LinkSpecifier identifies the next hop of an EXTEND2 request.
type LinkSpecifier struct {
	Type LinkSpecType
	Data []byte
}

// NewAddrLinkSpecifier returns an IPv4 or IPv6 link specifier.
func NewAddrLinkSpecifier(ip net.IP, port uint16) LinkSpecifier {
	var b []byte
	t := LinkSpecIPv4
	if v4 := ip.To4(); v4 != nil {
		b = append(b, v4...)
	} else {
		t = LinkSpecIPv6
		b = append(b, ip.To16()...)
	}
	b = binary.BigEndian.AppendUint16(b, port)
	return LinkSpecifier{Type: t, Data: b}
}

// NewLegacyIDLinkSpecifier returns a legacy RSA identity digest specifier.
func NewLegacyIDLinkSpecifier(id [20]byte) LinkSpecifier {
	return LinkSpecifier{Type: LinkSpecLegacyID, Data: append([]byte{}, id[:]...)}
}

// NewEd25519LinkSpecifier returns an ed25519 identity specifier.
func NewEd25519LinkSpecifier(id [32]byte) LinkSpecifier {
	return LinkSpecifier{Type: LinkSpecEd25519, Data: append([]byte{}, id[:]...)}
}

// Extend2 is the body of a RELAY_EXTEND2 message.
type Extend2 struct {
	Specifiers    []LinkSpecifier
	HandshakeType uint16
	HandshakeData []byte
}

// ToBytes encodes the body.
func (e *Extend2) ToBytes() ([]byte, error) {
	if len(e.Specifiers) > 255 {
		return nil, newFramingError(RelayEarly, "too many link specifiers")
	}
	b := []byte{byte(len(e.Specifiers))}
	for _, s := range e.Specifiers {
		if len(s.Data) > 255 {
			return nil, newFramingError(RelayEarly, "link specifier too large")
		}
		b = append(b, byte(s.Type), byte(len(s.Data)))
		b = append(b, s.Data...)
	}
	b = binary.BigEndian.AppendUint16(b, e.HandshakeType)
	b = binary.BigEndian.AppendUint16(b, uint16(len(e.HandshakeData)))
	b = append(b, e.HandshakeData...)
	if len(b) > MaxRelayDataLen {
		return nil, newFramingError(RelayEarly, "extend2 body length %d exceeds %d", len(b), MaxRelayDataLen)
	}
	return b, nil
}

// ParseExtend2 decodes a RELAY_EXTEND2 body.
func ParseExtend2(b []byte) (*Extend2, error) {
	if len(b) < 1 {
		return nil, newFramingError(RelayEarly, "empty extend2 body")
	}
	n := int(b[0])
	rest := b[1:]
	e := new(Extend2)
	for i := 0; i < n; i++ {
		if len(rest) < 2 || len(rest) < 2+int(rest[1]) {
			return nil, newFramingError(RelayEarly, "truncated link specifier %d", i)
		}
		l := int(rest[1])
		e.Specifiers = append(e.Specifiers, LinkSpecifier{
			Type: LinkSpecType(rest[0]),
			Data: append([]byte{}, rest[2:2+l]...),
		})
		rest = rest[2+l:]
	}
	if len(rest) < 4 {
		return nil, newFramingError(RelayEarly, "truncated handshake header")
	}
	e.HandshakeType = binary.BigEndian.Uint16(rest)
	l := int(binary.BigEndian.Uint16(rest[2:]))
	if len(rest) < 4+l {
		return nil, newFramingError(RelayEarly, "truncated handshake data")
	}
	e.HandshakeData = append([]byte{}, rest[4:4+l]...)
	return e, nil
}

// ParseExtended2 decodes a RELAY_EXTENDED2 body, returning the handshake
// response.  The layout is that of CREATED2.
func ParseExtended2(b []byte) ([]byte, error) {
	return ParseCreated2(b)
}

// EncodeExtended2 encodes a RELAY_EXTENDED2 body.
func EncodeExtended2(data []byte) ([]byte, error) {
	return EncodeCreated2(data)
}
