// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package cell

import (
	"encoding/binary"
	"fmt"
)

// RelayCommand is the command of a relay message carried inside a RELAY or
// RELAY_EARLY cell.
type RelayCommand uint8

const (
	RelayBegin     RelayCommand = 1
	RelayData      RelayCommand = 2
	RelayEnd       RelayCommand = 3
	RelayConnected RelayCommand = 4
	RelaySendme    RelayCommand = 5
	RelayExtend    RelayCommand = 6
	RelayExtended  RelayCommand = 7
	RelayTruncate  RelayCommand = 8
	RelayTruncated RelayCommand = 9
	RelayDrop      RelayCommand = 10
	RelayResolve   RelayCommand = 11
	RelayResolved  RelayCommand = 12
	RelayBeginDir  RelayCommand = 13
	RelayExtend2   RelayCommand = 14
	RelayExtended2 RelayCommand = 15
)

var relayCommandNames = map[RelayCommand]string{
	RelayBegin:     "BEGIN",
	RelayData:      "DATA",
	RelayEnd:       "END",
	RelayConnected: "CONNECTED",
	RelaySendme:    "SENDME",
	RelayExtend:    "EXTEND",
	RelayExtended:  "EXTENDED",
	RelayTruncate:  "TRUNCATE",
	RelayTruncated: "TRUNCATED",
	RelayDrop:      "DROP",
	RelayResolve:   "RESOLVE",
	RelayResolved:  "RESOLVED",
	RelayBeginDir:  "BEGIN_DIR",
	RelayExtend2:   "EXTEND2",
	RelayExtended2: "EXTENDED2",
}

func (c RelayCommand) String() string {
	if s, ok := relayCommandNames[c]; ok {
		return "RELAY_" + s
	}
	return fmt.Sprintf("RELAY_CMD(%d)", uint8(c))
}

// Relay body field offsets.
const (
	relayCmdOff        = 0
	relayRecognizedOff = 1
	relayStreamIDOff   = 3
	relayDigestOff     = 5
	relayLengthOff     = 9
	relayDataOff       = 11

	// RelayDigestLen is the number of digest bytes carried on the wire.
	RelayDigestLen = 4

	// MaxRelayDataLen is the largest data field a relay body can carry.
	MaxRelayDataLen = PayloadLen - relayDataOff
)

// RelayBody is the plaintext of a relay cell payload.
type RelayBody struct {
	Command    RelayCommand
	Recognized uint16
	StreamID   uint16
	Digest     [RelayDigestLen]byte
	Data       []byte
}

// ToBytes serializes the body into a full cell payload, zero padded.
func (r *RelayBody) ToBytes() ([PayloadLen]byte, error) {
	var b [PayloadLen]byte
	if len(r.Data) > MaxRelayDataLen {
		return b, newFramingError(Relay, "relay data length %d exceeds %d", len(r.Data), MaxRelayDataLen)
	}
	b[relayCmdOff] = byte(r.Command)
	binary.BigEndian.PutUint16(b[relayRecognizedOff:], r.Recognized)
	binary.BigEndian.PutUint16(b[relayStreamIDOff:], r.StreamID)
	copy(b[relayDigestOff:], r.Digest[:])
	binary.BigEndian.PutUint16(b[relayLengthOff:], uint16(len(r.Data)))
	copy(b[relayDataOff:], r.Data)
	return b, nil
}

// ParseRelayBody decodes a decrypted relay payload.
func ParseRelayBody(b []byte) (*RelayBody, error) {
	if len(b) != PayloadLen {
		return nil, newFramingError(Relay, "payload length %d, expected %d", len(b), PayloadLen)
	}
	n := int(binary.BigEndian.Uint16(b[relayLengthOff:]))
	if n > MaxRelayDataLen {
		return nil, newFramingError(Relay, "relay data length %d exceeds %d", n, MaxRelayDataLen)
	}
	r := &RelayBody{
		Command:    RelayCommand(b[relayCmdOff]),
		Recognized: binary.BigEndian.Uint16(b[relayRecognizedOff:]),
		StreamID:   binary.BigEndian.Uint16(b[relayStreamIDOff:]),
		Data:       append([]byte{}, b[relayDataOff:relayDataOff+n]...),
	}
	copy(r.Digest[:], b[relayDigestOff:])
	return r, nil
}

// IsRecognizedMarker returns true iff the recognized field of a raw relay
// payload is zero.
func IsRecognizedMarker(b []byte) bool {
	return b[relayRecognizedOff] == 0 && b[relayRecognizedOff+1] == 0
}

// DigestField returns the digest field of a raw relay payload.
func DigestField(b []byte) []byte {
	return b[relayDigestOff : relayDigestOff+RelayDigestLen]
}
