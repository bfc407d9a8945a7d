// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package cell

import "fmt"

// Command is a link cell command.
type Command uint8

const (
	Padding          Command = 0
	Create           Command = 1
	Created          Command = 2
	Relay            Command = 3
	Destroy          Command = 4
	CreateFast       Command = 5
	CreatedFast      Command = 6
	Versions         Command = 7
	NetInfo          Command = 8
	RelayEarly       Command = 9
	Create2          Command = 10
	Created2         Command = 11
	PaddingNegotiate Command = 12

	VPadding      Command = 128
	Certs         Command = 129
	AuthChallenge Command = 130
	Authenticate  Command = 131
	Authorize     Command = 132
)

var commandNames = map[Command]string{
	Padding:          "PADDING",
	Create:           "CREATE",
	Created:          "CREATED",
	Relay:            "RELAY",
	Destroy:          "DESTROY",
	CreateFast:       "CREATE_FAST",
	CreatedFast:      "CREATED_FAST",
	Versions:         "VERSIONS",
	NetInfo:          "NETINFO",
	RelayEarly:       "RELAY_EARLY",
	Create2:          "CREATE2",
	Created2:         "CREATED2",
	PaddingNegotiate: "PADDING_NEGOTIATE",
	VPadding:         "VPADDING",
	Certs:            "CERTS",
	AuthChallenge:    "AUTH_CHALLENGE",
	Authenticate:     "AUTHENTICATE",
	Authorize:        "AUTHORIZE",
}

func (c Command) String() string {
	if s, ok := commandNames[c]; ok {
		return s
	}
	return fmt.Sprintf("CMD(%d)", uint8(c))
}

// IsVariable returns true iff cells carrying c use variable-length framing.
func (c Command) IsVariable() bool {
	return c == Versions || c >= 128
}

// IsKnown returns true iff c is a command this codec understands.
func (c Command) IsKnown() bool {
	_, ok := commandNames[c]
	return ok || c >= 128
}

const (
	// PayloadLen is the payload width of every fixed-length cell.
	PayloadLen = 509

	// CircIDLen is the circuit id width for link protocol 4 and above.
	CircIDLen = 4

	// LegacyCircIDLen is the circuit id width used by VERSIONS cells.
	LegacyCircIDLen = 2

	// FixedLen is the on-the-wire size of a fixed-length cell.
	FixedLen = CircIDLen + 1 + PayloadLen

	// MaxVariablePayloadLen bounds the payload of a variable-length cell.
	// CERTS cells from real relays stay well under this.
	MaxVariablePayloadLen = 16384

	// MinLinkVersion is the oldest link protocol this codec frames.
	MinLinkVersion = 4
)

// DestroyReason is the reason byte carried in a DESTROY cell.
type DestroyReason uint8

const (
	ReasonNone          DestroyReason = 0
	ReasonProtocol      DestroyReason = 1
	ReasonInternal      DestroyReason = 2
	ReasonRequested     DestroyReason = 3
	ReasonHibernating   DestroyReason = 4
	ReasonResourceLimit DestroyReason = 5
	ReasonConnectFailed DestroyReason = 6
	ReasonORIdentity    DestroyReason = 7
	ReasonChannelClosed DestroyReason = 8
	ReasonFinished      DestroyReason = 9
	ReasonTimeout       DestroyReason = 10
	ReasonDestroyed     DestroyReason = 11
	ReasonNoSuchService DestroyReason = 12
)

var reasonNames = [...]string{
	"NONE", "PROTOCOL", "INTERNAL", "REQUESTED", "HIBERNATING",
	"RESOURCELIMIT", "CONNECTFAILED", "OR_IDENTITY", "CHANNEL_CLOSED",
	"FINISHED", "TIMEOUT", "DESTROYED", "NOSUCHSERVICE",
}

func (r DestroyReason) String() string {
	if int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return fmt.Sprintf("REASON(%d)", uint8(r))
}
