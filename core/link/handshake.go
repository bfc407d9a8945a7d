// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package link

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/katzenpost/torlink/core/cell"
)

func (l *Link) handshake(ctx context.Context) error {
	deadline := time.Now().Add(l.cfg.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := l.conn.SetDeadline(deadline); err != nil {
		return err
	}
	defer l.conn.SetDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		l.conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if err := l.negotiateVersion(); err != nil {
		return err
	}
	atomic.StoreUint32(&l.state, uint32(StateVersionNegotiated))

	if err := l.recvPeerInfo(); err != nil {
		return err
	}
	if err := l.sendNetInfo(); err != nil {
		return l.handshakeError(HandshakeStateNetInfo, "failed to send NETINFO", err)
	}
	atomic.StoreUint32(&l.state, uint32(StateReady))
	return nil
}

func (l *Link) handshakeError(state HandshakeState, msg string, err error) error {
	return &HandshakeError{
		State:      state,
		Message:    msg,
		RemoteAddr: l.conn.RemoteAddr().String(),
		Err:        err,
	}
}

func (l *Link) negotiateVersion() error {
	c, err := cell.New(0, cell.Versions, cell.EncodeVersions(l.cfg.Versions))
	if err != nil {
		return err
	}
	if err := l.writeCell(c); err != nil {
		return l.handshakeError(HandshakeStateVersions, "failed to send VERSIONS", err)
	}

	resp, err := l.readCell()
	if err != nil {
		return l.handshakeError(HandshakeStateVersions, "failed to receive VERSIONS", err)
	}
	if resp.Command != cell.Versions {
		return l.handshakeError(HandshakeStateVersions, fmt.Sprintf("unexpected %v", resp.Command), nil)
	}
	theirs, err := cell.ParseVersions(resp.Payload)
	if err != nil {
		return l.handshakeError(HandshakeStateVersions, "malformed VERSIONS", err)
	}

	var best uint16
	for _, ours := range l.cfg.Versions {
		for _, v := range theirs {
			if v == ours && v >= cell.MinLinkVersion && v > best {
				best = v
			}
		}
	}
	if best == 0 {
		return l.handshakeError(HandshakeStateVersions, fmt.Sprintf("relay offered %v", theirs), ErrNoCommonVersion)
	}
	l.version = best
	l.dec.LinkVersion = best
	return nil
}

// recvPeerInfo consumes the relay's CERTS, AUTH_CHALLENGE and NETINFO
// cells.  Certificates are only syntactically validated.
func (l *Link) recvPeerInfo() error {
	var sawCerts bool
	for {
		c, err := l.readCell()
		if err != nil {
			state := HandshakeStateCerts
			if sawCerts {
				state = HandshakeStateNetInfo
			}
			return l.handshakeError(state, "failed to receive cell", err)
		}
		if c.CircID != 0 {
			return l.handshakeError(HandshakeStateCerts, fmt.Sprintf("%v on circuit %#x", c.Command, c.CircID), nil)
		}

		switch c.Command {
		case cell.Padding, cell.VPadding:
		case cell.Certs:
			if sawCerts {
				return l.handshakeError(HandshakeStateCerts, "duplicate CERTS", nil)
			}
			certs, err := cell.ParseCerts(c.Payload)
			if err != nil {
				return l.handshakeError(HandshakeStateCerts, "malformed CERTS", err)
			}
			l.log.Debugf("Received %d certificates.", len(certs))
			sawCerts = true
		case cell.AuthChallenge:
			if _, err := cell.ParseAuthChallenge(c.Payload); err != nil {
				return l.handshakeError(HandshakeStateCerts, "malformed AUTH_CHALLENGE", err)
			}
		case cell.NetInfo:
			if !sawCerts {
				return l.handshakeError(HandshakeStateNetInfo, "NETINFO before CERTS", nil)
			}
			ni, err := cell.ParseNetInfo(c.Payload)
			if err != nil {
				return l.handshakeError(HandshakeStateNetInfo, "malformed NETINFO", err)
			}
			l.peer = ni
			return nil
		default:
			return l.handshakeError(HandshakeStateCerts, fmt.Sprintf("unexpected %v", c.Command), nil)
		}
	}
}

// sendNetInfo declares the relay's address and no addresses of our own,
// with a zero timestamp.
func (l *Link) sendNetInfo() error {
	other := cell.Address{Type: cell.AddrTypeIPv4, Data: make([]byte, net.IPv4len)}
	if a, ok := l.conn.RemoteAddr().(*net.TCPAddr); ok {
		other = cell.AddressFromIP(a.IP)
	}
	ni := &cell.NetInfoPayload{Other: other}
	payload, err := ni.ToBytes()
	if err != nil {
		return err
	}
	c, err := cell.New(0, cell.NetInfo, payload)
	if err != nil {
		return err
	}
	return l.writeCell(c)
}
