// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package cell

import (
	"encoding/binary"
	"net"
	"time"
)

const (
	// FastMaterialLen is the size of CREATE_FAST/CREATED_FAST key material.
	FastMaterialLen = 20

	// HandshakeTypeNtor is the CREATE2/EXTEND2 handshake type for ntor.
	HandshakeTypeNtor = 2

	// AddrTypeIPv4 and AddrTypeIPv6 are NETINFO address types.
	AddrTypeIPv4 = 0x04
	AddrTypeIPv6 = 0x06
)

// EncodeVersions encodes a VERSIONS payload.
func EncodeVersions(versions []uint16) []byte {
	b := make([]byte, 2*len(versions))
	for i, v := range versions {
		binary.BigEndian.PutUint16(b[2*i:], v)
	}
	return b
}

// ParseVersions decodes a VERSIONS payload.
func ParseVersions(b []byte) ([]uint16, error) {
	if len(b)%2 != 0 {
		return nil, newFramingError(Versions, "odd payload length %d", len(b))
	}
	v := make([]uint16, 0, len(b)/2)
	for i := 0; i < len(b); i += 2 {
		v = append(v, binary.BigEndian.Uint16(b[i:]))
	}
	return v, nil
}

// Address is a NETINFO address.
type Address struct {
	Type uint8
	Data []byte
}

// AddressFromIP returns the NETINFO encoding of ip.
func AddressFromIP(ip net.IP) Address {
	if v4 := ip.To4(); v4 != nil {
		return Address{Type: AddrTypeIPv4, Data: []byte(v4)}
	}
	return Address{Type: AddrTypeIPv6, Data: []byte(ip.To16())}
}

// IP returns the address as a net.IP, or nil if it is not an IP address.
func (a Address) IP() net.IP {
	switch {
	case a.Type == AddrTypeIPv4 && len(a.Data) == net.IPv4len:
		return net.IP(a.Data)
	case a.Type == AddrTypeIPv6 && len(a.Data) == net.IPv6len:
		return net.IP(a.Data)
	}
	return nil
}

// NetInfoPayload is a NETINFO payload.
type NetInfoPayload struct {
	Timestamp uint32
	Other     Address
	MyAddrs   []Address
}

// Time returns the sender's clock, zero if it was not disclosed.
func (n *NetInfoPayload) Time() time.Time {
	if n.Timestamp == 0 {
		return time.Time{}
	}
	return time.Unix(int64(n.Timestamp), 0)
}

// ToBytes encodes the payload.
func (n *NetInfoPayload) ToBytes() ([]byte, error) {
	b := make([]byte, 4, PayloadLen)
	binary.BigEndian.PutUint32(b, n.Timestamp)
	b = appendAddress(b, n.Other)
	if len(n.MyAddrs) > 255 {
		return nil, newFramingError(NetInfo, "too many addresses")
	}
	b = append(b, byte(len(n.MyAddrs)))
	for _, a := range n.MyAddrs {
		b = appendAddress(b, a)
	}
	if len(b) > PayloadLen {
		return nil, newFramingError(NetInfo, "payload too large")
	}
	return b, nil
}

func appendAddress(b []byte, a Address) []byte {
	b = append(b, a.Type, byte(len(a.Data)))
	return append(b, a.Data...)
}

func parseAddress(b []byte) (Address, []byte, error) {
	if len(b) < 2 {
		return Address{}, nil, newFramingError(NetInfo, "truncated address header")
	}
	n := int(b[1])
	if len(b) < 2+n {
		return Address{}, nil, newFramingError(NetInfo, "truncated address")
	}
	a := Address{Type: b[0], Data: append([]byte{}, b[2:2+n]...)}
	return a, b[2+n:], nil
}

// ParseNetInfo decodes a NETINFO payload.  Trailing padding is ignored.
func ParseNetInfo(b []byte) (*NetInfoPayload, error) {
	if len(b) < 4 {
		return nil, newFramingError(NetInfo, "truncated timestamp")
	}
	n := &NetInfoPayload{Timestamp: binary.BigEndian.Uint32(b)}
	var err error
	rest := b[4:]
	if n.Other, rest, err = parseAddress(rest); err != nil {
		return nil, err
	}
	if len(rest) < 1 {
		return nil, newFramingError(NetInfo, "missing address count")
	}
	count := int(rest[0])
	rest = rest[1:]
	for i := 0; i < count; i++ {
		var a Address
		if a, rest, err = parseAddress(rest); err != nil {
			return nil, err
		}
		n.MyAddrs = append(n.MyAddrs, a)
	}
	return n, nil
}

// Cert is one entry of a CERTS cell.  Certificates are carried opaquely;
// link authentication is never performed by a client.
type Cert struct {
	Type uint8
	Body []byte
}

// ParseCerts syntactically validates a CERTS payload.
func ParseCerts(b []byte) ([]Cert, error) {
	if len(b) < 1 {
		return nil, newFramingError(Certs, "empty payload")
	}
	n := int(b[0])
	rest := b[1:]
	certs := make([]Cert, 0, n)
	for i := 0; i < n; i++ {
		if len(rest) < 3 {
			return nil, newFramingError(Certs, "truncated certificate header %d", i)
		}
		l := int(binary.BigEndian.Uint16(rest[1:]))
		if len(rest) < 3+l {
			return nil, newFramingError(Certs, "truncated certificate %d", i)
		}
		certs = append(certs, Cert{Type: rest[0], Body: append([]byte{}, rest[3:3+l]...)})
		rest = rest[3+l:]
	}
	if len(rest) != 0 {
		return nil, newFramingError(Certs, "%d trailing bytes", len(rest))
	}
	return certs, nil
}

// EncodeCerts encodes a CERTS payload.
func EncodeCerts(certs []Cert) []byte {
	b := []byte{byte(len(certs))}
	for _, c := range certs {
		b = append(b, c.Type, 0, 0)
		binary.BigEndian.PutUint16(b[len(b)-2:], uint16(len(c.Body)))
		b = append(b, c.Body...)
	}
	return b
}

// AuthChallengePayload is an AUTH_CHALLENGE payload.
type AuthChallengePayload struct {
	Challenge [32]byte
	Methods   []uint16
}

// ParseAuthChallenge syntactically validates an AUTH_CHALLENGE payload.
func ParseAuthChallenge(b []byte) (*AuthChallengePayload, error) {
	if len(b) < 34 {
		return nil, newFramingError(AuthChallenge, "truncated payload")
	}
	a := new(AuthChallengePayload)
	copy(a.Challenge[:], b)
	n := int(binary.BigEndian.Uint16(b[32:]))
	if len(b) != 34+2*n {
		return nil, newFramingError(AuthChallenge, "method count %d does not match length %d", n, len(b))
	}
	for i := 0; i < n; i++ {
		a.Methods = append(a.Methods, binary.BigEndian.Uint16(b[34+2*i:]))
	}
	return a, nil
}

// ToBytes encodes the payload.
func (a *AuthChallengePayload) ToBytes() []byte {
	b := make([]byte, 34+2*len(a.Methods))
	copy(b, a.Challenge[:])
	binary.BigEndian.PutUint16(b[32:], uint16(len(a.Methods)))
	for i, m := range a.Methods {
		binary.BigEndian.PutUint16(b[34+2*i:], m)
	}
	return b
}

// CreatedFastPayload is a CREATED_FAST payload.
type CreatedFastPayload struct {
	ServerMaterial [FastMaterialLen]byte
	Confirmation   [FastMaterialLen]byte
}

// ParseCreatedFast decodes a CREATED_FAST payload.
func ParseCreatedFast(b []byte) (*CreatedFastPayload, error) {
	if len(b) < 2*FastMaterialLen {
		return nil, newFramingError(CreatedFast, "truncated payload")
	}
	c := new(CreatedFastPayload)
	copy(c.ServerMaterial[:], b)
	copy(c.Confirmation[:], b[FastMaterialLen:])
	return c, nil
}

// ToBytes encodes the payload.
func (c *CreatedFastPayload) ToBytes() []byte {
	b := make([]byte, 0, 2*FastMaterialLen)
	b = append(b, c.ServerMaterial[:]...)
	return append(b, c.Confirmation[:]...)
}

// Create2Payload is a CREATE2 payload.
type Create2Payload struct {
	HandshakeType uint16
	Data          []byte
}

// ToBytes encodes the payload.
func (c *Create2Payload) ToBytes() ([]byte, error) {
	if 4+len(c.Data) > PayloadLen {
		return nil, newFramingError(Create2, "handshake data too large")
	}
	b := make([]byte, 4+len(c.Data))
	binary.BigEndian.PutUint16(b, c.HandshakeType)
	binary.BigEndian.PutUint16(b[2:], uint16(len(c.Data)))
	copy(b[4:], c.Data)
	return b, nil
}

// ParseCreate2 decodes a CREATE2 payload.
func ParseCreate2(b []byte) (*Create2Payload, error) {
	if len(b) < 4 {
		return nil, newFramingError(Create2, "truncated header")
	}
	n := int(binary.BigEndian.Uint16(b[2:]))
	if len(b) < 4+n {
		return nil, newFramingError(Create2, "declared length %d exceeds payload", n)
	}
	return &Create2Payload{
		HandshakeType: binary.BigEndian.Uint16(b),
		Data:          append([]byte{}, b[4:4+n]...),
	}, nil
}

// EncodeCreated2 encodes a CREATED2 payload.  The same layout is used by
// the EXTENDED2 relay body.
func EncodeCreated2(data []byte) ([]byte, error) {
	if 2+len(data) > PayloadLen {
		return nil, newFramingError(Created2, "handshake data too large")
	}
	b := make([]byte, 2+len(data))
	binary.BigEndian.PutUint16(b, uint16(len(data)))
	copy(b[2:], data)
	return b, nil
}

// ParseCreated2 decodes a CREATED2 payload, returning the handshake data.
func ParseCreated2(b []byte) ([]byte, error) {
	if len(b) < 2 {
		return nil, newFramingError(Created2, "truncated header")
	}
	n := int(binary.BigEndian.Uint16(b))
	if len(b) < 2+n {
		return nil, newFramingError(Created2, "declared length %d exceeds payload", n)
	}
	return append([]byte{}, b[2:2+n]...), nil
}

// ParseDestroy returns the reason carried by a DESTROY payload.
func ParseDestroy(b []byte) (DestroyReason, error) {
	if len(b) < 1 {
		return ReasonNone, newFramingError(Destroy, "empty payload")
	}
	return DestroyReason(b[0]), nil
}
