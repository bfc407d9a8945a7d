// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package circuit

import (
	"context"
	"errors"

	"github.com/katzenpost/torlink/core/cell"
	"github.com/katzenpost/torlink/core/onion"
)

// endReasonDone is the RELAY_END reason for a stream closed normally.
const endReasonDone = 6

// ErrStreamRefused is returned when the relay ends a stream instead of
// connecting it.
var ErrStreamRefused = errors.New("circuit: stream refused")

// OpenStream allocates a stream id and its flow control window.  Nothing
// is sent.
func (c *Circuit) OpenStream() (uint16, error) {
	c.streamLock.Lock()
	defer c.streamLock.Unlock()

	for tries := 0; tries < 1<<16; tries++ {
		id := c.nextStreamID
		c.nextStreamID++
		if id == 0 {
			continue
		}
		if _, ok := c.streams[id]; ok {
			continue
		}
		c.streams[id] = onion.NewStreamWindow()
		return id, nil
	}
	return 0, ErrStreamIDsExhausted
}

// BeginDir opens a directory stream to the last hop and waits for it to
// connect.  Unrelated messages that arrive meanwhile are returned by later
// calls to ReceiveRelay.
func (c *Circuit) BeginDir(ctx context.Context) (uint16, error) {
	id, err := c.OpenStream()
	if err != nil {
		return 0, err
	}
	if err := c.SendRelay(ctx, id, cell.RelayBeginDir, nil); err != nil {
		c.dropStream(id)
		return 0, err
	}

	c.recvLock.Lock()
	defer c.recvLock.Unlock()
	for {
		m, err := c.recvOne(ctx)
		if err != nil {
			c.dropStream(id)
			return 0, err
		}
		switch {
		case m == nil:
		case m.StreamID == id && m.Command == cell.RelayConnected:
			return id, nil
		case m.StreamID == id && m.Command == cell.RelayEnd:
			return 0, ErrStreamRefused
		default:
			c.pending = append(c.pending, m)
		}
	}
}

// CloseStream sends RELAY_END for a stream and forgets it.
func (c *Circuit) CloseStream(ctx context.Context, id uint16) error {
	c.streamLock.Lock()
	_, ok := c.streams[id]
	c.streamLock.Unlock()
	if !ok {
		return ErrNoSuchStream
	}
	return c.SendRelay(ctx, id, cell.RelayEnd, []byte{endReasonDone})
}

func (c *Circuit) dropStream(id uint16) {
	c.streamLock.Lock()
	delete(c.streams, id)
	c.streamLock.Unlock()
}

// packageData charges one RELAY_DATA cell to the hop's circuit window and
// the stream's window.
func (c *Circuit) packageData(hop int, streamID uint16) error {
	c.streamLock.Lock()
	defer c.streamLock.Unlock()

	sw, ok := c.streams[streamID]
	if !ok {
		return ErrNoSuchStream
	}
	cw := c.windows[hop]
	if !cw.CanPackage() || !sw.CanPackage() {
		return ErrWindowExhausted
	}
	cw.Package()
	sw.Package()
	return nil
}

func (c *Circuit) onSendme(hop int, streamID uint16) error {
	c.streamLock.Lock()
	defer c.streamLock.Unlock()

	if streamID == 0 {
		return c.windows[hop].Acknowledge()
	}
	if sw, ok := c.streams[streamID]; ok {
		return sw.Acknowledge()
	}
	return nil
}

// deliverData accounts for a received RELAY_DATA cell and sends whatever
// SENDMEs are now owed.  digest is the hop's backward digest after the
// cell, which a circuit level SENDME authenticates.
func (c *Circuit) deliverData(ctx context.Context, hop int, streamID uint16, digest []byte) error {
	c.streamLock.Lock()
	circSendme := c.windows[hop].Deliver()
	var streamSendme bool
	if sw, ok := c.streams[streamID]; ok {
		streamSendme = sw.Deliver()
	}
	c.streamLock.Unlock()

	if circSendme {
		body := (&cell.Sendme{Version: cell.SendmeVersion1, Digest: digest}).ToBytes()
		if err := c.SendRelayTo(ctx, hop, 0, cell.RelaySendme, body); err != nil {
			return err
		}
	}
	if streamSendme {
		if err := c.SendRelayTo(ctx, hop, streamID, cell.RelaySendme, nil); err != nil {
			return err
		}
	}
	return nil
}
