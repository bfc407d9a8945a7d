// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package circuit implements client circuits over a link: creation with
// CREATE_FAST or ntor, extension hop by hop, relay message exchange and
// flow control.
package circuit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/torlink/core/cell"
	"github.com/katzenpost/torlink/core/handshake"
	"github.com/katzenpost/torlink/core/link"
	"github.com/katzenpost/torlink/core/log"
	"github.com/katzenpost/torlink/core/onion"
	"github.com/katzenpost/torlink/core/pki"
	"github.com/katzenpost/torlink/internal/instrument"
)

const (
	defaultHandshakeTimeout = 30 * time.Second
	destroyTimeout          = 5 * time.Second

	// MaxRelayEarly is the number of RELAY_EARLY cells a circuit may send.
	MaxRelayEarly = 8

	handshakeFast = "fast"
	handshakeNtor = "ntor"
)

// Config is the circuit configuration.
type Config struct {
	// HandshakeTimeout bounds waiting for CREATED, CREATED_FAST and
	// EXTENDED2.
	HandshakeTimeout time.Duration

	// LogBackend is the logging backend, a discarding backend if nil.
	LogBackend *log.Backend

	// Rand is the entropy source for handshakes, hpqc's rand.Reader if nil.
	Rand io.Reader
}

// FixupAndValidate applies defaults to unset fields.
func (cfg *Config) FixupAndValidate() error {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.LogBackend == nil {
		cfg.LogBackend = log.NewDiscard()
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}
	return nil
}

// Message is a relay message received on a circuit.
type Message struct {
	// Hop is the depth of the hop that sent the message.
	Hop      int
	Command  cell.RelayCommand
	StreamID uint16
	Data     []byte
}

// Circuit is an open circuit.
//
// Sends, receives and extends may be issued concurrently.  Sends are
// serialized among themselves, as are receives, so cells leave and are
// consumed in order.
type Circuit struct {
	cfg Config
	log *logging.Logger
	q   *link.Queue

	extendLock sync.Mutex

	// sendLock guards the forward half of stack and relayEarly.  recvLock
	// guards the backward half of stack and pending.  Changing the number
	// of hops requires both, always taken recvLock first.
	sendLock   sync.Mutex
	recvLock   sync.Mutex
	stack      onion.Stack
	relayEarly int
	pending    []*Message

	streamLock   sync.Mutex
	windows      []*onion.Window
	streams      map[uint16]*onion.Window
	nextStreamID uint16

	stateLock sync.Mutex
	err       error
}

// CreateFast creates a one hop circuit to the link's relay with the
// CREATE_FAST handshake.
func CreateFast(ctx context.Context, l *link.Link, cfg *Config) (*Circuit, error) {
	c := *cfg
	if err := c.FixupAndValidate(); err != nil {
		return nil, err
	}
	st, req, err := handshake.InitiateFast(c.Rand)
	if err != nil {
		return nil, err
	}
	defer st.Reset()

	return create(ctx, l, &c, handshakeFast, cell.CreateFast, req, cell.CreatedFast, st.Finish)
}

// CreateNtor creates a one hop circuit to the link's relay, described by d,
// with the ntor handshake.
func CreateNtor(ctx context.Context, l *link.Link, d *pki.RelayDescriptor, cfg *Config) (*Circuit, error) {
	c := *cfg
	if err := c.FixupAndValidate(); err != nil {
		return nil, err
	}
	st, data, err := handshake.InitiateNtor(c.Rand, d.Identity, d.NtorOnionKey)
	if err != nil {
		return nil, err
	}
	defer st.Reset()

	req, err := (&cell.Create2Payload{HandshakeType: cell.HandshakeTypeNtor, Data: data}).ToBytes()
	if err != nil {
		return nil, err
	}
	finish := func(payload []byte) (*handshake.KeyMaterial, error) {
		resp, err := cell.ParseCreated2(payload)
		if err != nil {
			return nil, err
		}
		return st.Finish(resp)
	}
	return create(ctx, l, &c, handshakeNtor, cell.Create2, req, cell.Created2, finish)
}

func create(ctx context.Context, l *link.Link, cfg *Config, kind string, cmd cell.Command, req []byte, want cell.Command, finish func([]byte) (*handshake.KeyMaterial, error)) (*Circuit, error) {
	q, err := l.OpenCircuit()
	if err != nil {
		return nil, err
	}
	circLog := cfg.LogBackend.GetLogger(fmt.Sprintf("circuit:%#x", q.ID()))

	fail := func(reason string, err error, destroy bool) (*Circuit, error) {
		instrument.HandshakeFailed(kind, reason)
		circLog.Debugf("%v handshake failed: %v", kind, err)
		if destroy {
			sendDestroy(q, destroyReasonFor(err))
		}
		q.Release()
		return nil, err
	}

	if err := q.Send(ctx, &cell.Cell{Command: cmd, Payload: req}); err != nil {
		return fail("send", err, false)
	}
	resp, err := awaitCreated(ctx, q, want, cfg.HandshakeTimeout)
	if err != nil {
		var ae *HandshakeAbortedError
		return fail(failureReason(err), err, !errors.As(err, &ae))
	}
	km, err := finish(resp.Payload)
	if err != nil {
		return fail(failureReason(err), err, true)
	}
	defer km.Reset()

	c := &Circuit{
		cfg:          *cfg,
		log:          circLog,
		q:            q,
		streams:      make(map[uint16]*onion.Window),
		nextStreamID: 1,
	}
	if err := c.stack.Push(km); err != nil {
		return fail("internal", err, true)
	}
	c.windows = append(c.windows, onion.NewCircuitWindow())

	instrument.CircuitCreated(kind)
	c.log.Debugf("Created with %v handshake.", kind)
	return c, nil
}

// awaitCreated waits for the reply to a CREATE.  No reply within timeout
// is ErrHandshakeTimeout, a DESTROY is a HandshakeAbortedError.
func awaitCreated(ctx context.Context, q *link.Queue, want cell.Command, timeout time.Duration) (*cell.Cell, error) {
	hsCtx, cancelFn := context.WithTimeout(ctx, timeout)
	defer cancelFn()

	c, err := q.Recv(hsCtx)
	if err != nil {
		return nil, handshakeWaitError(ctx, hsCtx, err)
	}
	switch {
	case c.CircID != q.ID():
		return nil, &UnexpectedCellError{Expected: want.String(), Got: fmt.Sprintf("%v on circuit %#x", c.Command, c.CircID)}
	case c.Command == cell.Destroy:
		reason, err := cell.ParseDestroy(c.Payload)
		if err != nil {
			return nil, err
		}
		return nil, &HandshakeAbortedError{Reason: reason}
	case c.Command != want:
		return nil, &UnexpectedCellError{Expected: want.String(), Got: c.Command.String()}
	}
	return c, nil
}

// handshakeWaitError distinguishes the handshake timer expiring from the
// caller's context ending.
func handshakeWaitError(parent, hsCtx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil && hsCtx.Err() != nil {
		return ErrHandshakeTimeout
	}
	return err
}

func failureReason(err error) string {
	var ae *HandshakeAbortedError
	switch {
	case errors.Is(err, handshake.ErrMismatch):
		return "mismatch"
	case errors.Is(err, ErrHandshakeTimeout):
		return "timeout"
	case errors.As(err, &ae):
		return "aborted"
	case IsProtocolViolation(err):
		return "protocol"
	default:
		return "other"
	}
}

func destroyReasonFor(err error) cell.DestroyReason {
	switch {
	case errors.Is(err, ErrHandshakeTimeout):
		return cell.ReasonTimeout
	case IsProtocolViolation(err):
		return cell.ReasonProtocol
	default:
		return cell.ReasonInternal
	}
}

// sendDestroy is best effort, a closed link has torn the circuit down
// already.
func sendDestroy(q *link.Queue, reason cell.DestroyReason) {
	ctx, cancelFn := context.WithTimeout(context.Background(), destroyTimeout)
	defer cancelFn()
	q.Send(ctx, &cell.Cell{Command: cell.Destroy, Payload: []byte{byte(reason)}})
}

// ID returns the circuit id.
func (c *Circuit) ID() uint32 {
	return c.q.ID()
}

// Link returns the link the circuit runs over.
func (c *Circuit) Link() *link.Link {
	return c.q.Link()
}

// Len returns the number of hops.
func (c *Circuit) Len() int {
	c.sendLock.Lock()
	defer c.sendLock.Unlock()
	return c.stack.Len()
}

// Err returns why the circuit was destroyed, or nil while it is usable.
func (c *Circuit) Err() error {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	return c.err
}

// SendRelay sends a relay message to the last hop.
func (c *Circuit) SendRelay(ctx context.Context, streamID uint16, cmd cell.RelayCommand, data []byte) error {
	c.sendLock.Lock()
	defer c.sendLock.Unlock()
	return c.sendRelayLocked(ctx, c.stack.Len()-1, streamID, cmd, data)
}

// SendRelayTo sends a relay message to the hop at depth.
func (c *Circuit) SendRelayTo(ctx context.Context, hop int, streamID uint16, cmd cell.RelayCommand, data []byte) error {
	c.sendLock.Lock()
	defer c.sendLock.Unlock()
	return c.sendRelayLocked(ctx, hop, streamID, cmd, data)
}

func (c *Circuit) sendRelayLocked(ctx context.Context, hop int, streamID uint16, cmd cell.RelayCommand, data []byte) error {
	if hop < 0 || hop >= c.stack.Len() {
		return fmt.Errorf("circuit: no hop at depth %d", hop)
	}

	// Nothing may be charged to a window for a cell that cannot be sent.
	if err := c.Err(); err != nil {
		return err
	}
	if len(data) > cell.MaxRelayDataLen {
		return &cell.FramingError{
			Command: cell.Relay,
			Msg:     fmt.Sprintf("relay data length %d exceeds %d", len(data), cell.MaxRelayDataLen),
		}
	}
	if cmd == cell.RelayData {
		if err := c.packageData(hop, streamID); err != nil {
			return err
		}
	}
	body := &cell.RelayBody{Command: cmd, StreamID: streamID, Data: data}
	if err := c.buildAndSend(ctx, cell.Relay, hop, body); err != nil {
		return err
	}
	if cmd == cell.RelayEnd {
		c.dropStream(streamID)
	}
	return nil
}

// buildAndSend onion encrypts body for hop and queues it.  The caller holds
// sendLock.
func (c *Circuit) buildAndSend(ctx context.Context, cmd cell.Command, hop int, body *cell.RelayBody) error {
	if err := c.Err(); err != nil {
		return err
	}
	payload, err := c.stack.Build(hop, body)
	if err != nil {
		return err
	}
	if err := c.q.Send(ctx, &cell.Cell{Command: cmd, Payload: payload[:]}); err != nil {
		// The forward ciphers have advanced past a cell the relay will
		// never see.
		return c.teardown(cell.ReasonInternal, err)
	}
	return nil
}

// ReceiveRelay returns the next relay message on the circuit.  SENDMEs are
// consumed and emitted internally.
func (c *Circuit) ReceiveRelay(ctx context.Context) (*Message, error) {
	c.recvLock.Lock()
	defer c.recvLock.Unlock()

	if len(c.pending) > 0 {
		m := c.pending[0]
		c.pending = c.pending[1:]
		return m, nil
	}
	for {
		m, err := c.recvOne(ctx)
		if err != nil {
			return nil, err
		}
		if m != nil {
			return m, nil
		}
	}
}

// recvOne reads and processes one cell, returning nil for cells handled
// internally.  The caller holds recvLock.
func (c *Circuit) recvOne(ctx context.Context) (*Message, error) {
	if err := c.Err(); err != nil {
		return nil, err
	}
	ce, err := c.q.Recv(ctx)
	if err != nil {
		switch {
		case errors.Is(err, link.ErrLinkClosed):
			c.markDestroyed(&DestroyedError{Reason: cell.ReasonChannelClosed, Err: err})
		case errors.Is(err, link.ErrCircuitOverflow):
			// The link has already released the id and sent DESTROY.
			de := &DestroyedError{Reason: cell.ReasonResourceLimit, Err: err}
			if !c.markDestroyed(de) {
				return nil, c.Err()
			}
			instrument.CircuitDestroyed("local")
			c.log.Warningf("Destroyed, inbound cells were not consumed.")
			return nil, de
		}
		return nil, err
	}

	switch ce.Command {
	case cell.Destroy:
		reason, err := cell.ParseDestroy(ce.Payload)
		if err != nil {
			return nil, c.teardown(cell.ReasonProtocol, err)
		}
		de := &DestroyedError{Reason: reason, Remote: true}
		c.markDestroyed(de)
		c.q.Release()
		instrument.CircuitDestroyed("remote")
		c.log.Noticef("Destroyed by relay: %v", reason)
		return nil, de
	case cell.Relay, cell.RelayEarly:
	default:
		return nil, c.teardown(cell.ReasonProtocol, &UnexpectedCellError{Expected: "RELAY", Got: ce.Command.String()})
	}

	hop, body, digest, err := c.stack.Peel(ce.Payload)
	if err != nil {
		return nil, c.teardown(cell.ReasonProtocol, err)
	}

	m := &Message{
		Hop:      hop,
		Command:  body.Command,
		StreamID: body.StreamID,
		Data:     body.Data,
	}
	switch body.Command {
	case cell.RelaySendme:
		if err := c.onSendme(hop, body.StreamID); err != nil {
			return nil, c.teardown(cell.ReasonProtocol, err)
		}
		return nil, nil
	case cell.RelayData:
		if err := c.deliverData(ctx, hop, body.StreamID, digest); err != nil {
			return nil, err
		}
	case cell.RelayEnd:
		c.dropStream(body.StreamID)
	}
	return m, nil
}

// teardown destroys the circuit locally after a fatal error.
func (c *Circuit) teardown(reason cell.DestroyReason, cause error) error {
	err := &DestroyedError{Reason: reason, Err: cause}
	if !c.markDestroyed(err) {
		return c.Err()
	}
	c.log.Warningf("Tearing down: %v", cause)
	sendDestroy(c.q, reason)
	c.q.Release()
	instrument.CircuitDestroyed("local")
	return err
}

func (c *Circuit) markDestroyed(err *DestroyedError) bool {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	if c.err != nil {
		return false
	}
	c.err = err
	return true
}

// Close destroys the circuit.
func (c *Circuit) Close() error {
	if !c.markDestroyed(&DestroyedError{Reason: cell.ReasonNone}) {
		return nil
	}
	sendDestroy(c.q, cell.ReasonNone)
	c.q.Release()
	instrument.CircuitDestroyed("local")
	c.log.Debugf("Closed.")
	return nil
}
