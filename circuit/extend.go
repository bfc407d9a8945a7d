// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package circuit

import (
	"context"

	"github.com/katzenpost/torlink/core/cell"
	"github.com/katzenpost/torlink/core/handshake"
	"github.com/katzenpost/torlink/core/onion"
	"github.com/katzenpost/torlink/core/pki"
	"github.com/katzenpost/torlink/internal/instrument"
)

// Extend appends the relay described by d to the circuit using ntor over
// RELAY_EARLY EXTEND2.  On failure the circuit is left as it was and
// remains usable unless the error says it was destroyed; whether to retry
// with another relay is up to the caller.
func (c *Circuit) Extend(ctx context.Context, d *pki.RelayDescriptor) error {
	c.extendLock.Lock()
	defer c.extendLock.Unlock()

	specs, err := d.LinkSpecifiers()
	if err != nil {
		return err
	}
	st, data, err := handshake.InitiateNtor(c.cfg.Rand, d.Identity, d.NtorOnionKey)
	if err != nil {
		return err
	}
	defer st.Reset()
	ext := &cell.Extend2{
		Specifiers:    specs,
		HandshakeType: cell.HandshakeTypeNtor,
		HandshakeData: data,
	}
	body, err := ext.ToBytes()
	if err != nil {
		return err
	}

	tip, err := c.sendExtend2(ctx, body)
	if err != nil {
		return err
	}
	c.log.Debugf("Extending to %v.", d)

	c.recvLock.Lock()
	defer c.recvLock.Unlock()

	resp, err := c.awaitExtended2(ctx, tip)
	if err != nil {
		instrument.HandshakeFailed(handshakeNtor, failureReason(err))
		return err
	}
	km, err := st.Finish(resp)
	if err != nil {
		instrument.HandshakeFailed(handshakeNtor, failureReason(err))
		return err
	}
	defer km.Reset()

	c.sendLock.Lock()
	err = c.stack.Push(km)
	c.sendLock.Unlock()
	if err != nil {
		return err
	}
	c.streamLock.Lock()
	c.windows = append(c.windows, onion.NewCircuitWindow())
	c.streamLock.Unlock()

	instrument.CircuitCreated(handshakeNtor)
	c.log.Debugf("Extended to %v, %d hops.", d, tip+2)
	return nil
}

func (c *Circuit) sendExtend2(ctx context.Context, body []byte) (int, error) {
	c.sendLock.Lock()
	defer c.sendLock.Unlock()

	if c.relayEarly >= MaxRelayEarly {
		return 0, ErrRelayEarlyExhausted
	}
	tip := c.stack.Len() - 1
	if err := c.buildAndSend(ctx, cell.RelayEarly, tip, &cell.RelayBody{Command: cell.RelayExtend2, Data: body}); err != nil {
		return 0, err
	}
	c.relayEarly++
	return tip, nil
}

// awaitExtended2 waits for the tip's reply to EXTEND2.  Stream traffic that
// arrives meanwhile is queued for ReceiveRelay.  The caller holds recvLock.
func (c *Circuit) awaitExtended2(ctx context.Context, tip int) ([]byte, error) {
	hsCtx, cancelFn := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancelFn()

	for {
		m, err := c.recvOne(hsCtx)
		if err != nil {
			return nil, handshakeWaitError(ctx, hsCtx, err)
		}
		switch {
		case m == nil:
		case m.StreamID != 0:
			c.pending = append(c.pending, m)
		case m.Hop == tip && m.Command == cell.RelayExtended2:
			return cell.ParseExtended2(m.Data)
		case m.Hop == tip && m.Command == cell.RelayTruncated:
			reason := cell.ReasonNone
			if len(m.Data) > 0 {
				reason = cell.DestroyReason(m.Data[0])
			}
			return nil, &HandshakeAbortedError{Reason: reason, Truncated: true}
		default:
			return nil, &UnexpectedCellError{Expected: cell.RelayExtended2.String(), Got: m.Command.String()}
		}
	}
}
