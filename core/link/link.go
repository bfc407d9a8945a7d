// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package link implements a client Tor link: the TLS transport to one relay,
// the VERSIONS/CERTS/NETINFO handshake and the cell multiplexer that
// circuits on the link share.
package link

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/torlink/core/cell"
	"github.com/katzenpost/torlink/core/log"
	"github.com/katzenpost/torlink/core/utils"
	"github.com/katzenpost/torlink/core/worker"
	"github.com/katzenpost/torlink/internal/instrument"
)

const (
	defaultHandshakeTimeout = 30 * time.Second
	defaultSendQueueLen     = 64
	defaultCircuitQueueLen  = 32

	keepAliveInterval = 3 * time.Minute
	connectTimeout    = 1 * time.Minute

	readChunkLen = 16 * 1024

	circIDHighBit = 0x80000000
)

// DefaultVersions is the list of link protocol versions offered when none
// are configured.
var DefaultVersions = []uint16{4, 5}

var defaultDialer = net.Dialer{
	KeepAlive: keepAliveInterval,
	Timeout:   connectTimeout,
}

// State is the state of a Link.
type State uint32

const (
	StateConnecting State = iota
	StateVersionNegotiated
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateVersionNegotiated:
		return "version_negotiated"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

// Config is the link configuration.
type Config struct {
	// Versions are the link protocol versions offered, all of which must be
	// 4 or above.
	Versions []uint16

	// HandshakeTimeout bounds the link handshake.
	HandshakeTimeout time.Duration

	// SendQueueLen is the capacity of the outbound cell queue.
	SendQueueLen int

	// CircuitQueueLen is the capacity of each circuit's inbound queue.
	CircuitQueueLen int

	// LogBackend is the logging backend, a discarding backend if nil.
	LogBackend *log.Backend

	// DialContextFn is the dialer used by Dial, net.Dialer if nil.
	DialContextFn func(ctx context.Context, network, address string) (net.Conn, error)

	// TLSConfig is the optional TLS client configuration used by Dial.
	// Relay certificates are never verified at the TLS layer.
	TLSConfig *tls.Config
}

// FixupAndValidate applies defaults to unset fields and validates the
// configuration.
func (cfg *Config) FixupAndValidate() error {
	if len(cfg.Versions) == 0 {
		cfg.Versions = append([]uint16{}, DefaultVersions...)
	}
	for _, v := range cfg.Versions {
		if v < cell.MinLinkVersion {
			return fmt.Errorf("link/config: unsupported link protocol version %d", v)
		}
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.SendQueueLen <= 0 {
		cfg.SendQueueLen = defaultSendQueueLen
	}
	if cfg.CircuitQueueLen <= 0 {
		cfg.CircuitQueueLen = defaultCircuitQueueLen
	}
	if cfg.LogBackend == nil {
		cfg.LogBackend = log.NewDiscard()
	}
	return nil
}

// Link is an established link to one relay.
type Link struct {
	worker.Worker

	cfg  Config
	conn net.Conn
	log  *logging.Logger

	state   uint32
	version uint16
	peer    *cell.NetInfoPayload

	dec  cell.Decoder
	rbuf []byte

	sendCh chan []byte

	circLock   sync.Mutex
	circuits   map[uint32]*Queue
	nextCircID uint32

	closeOnce sync.Once
	closedCh  chan struct{}
	err       error
}

// Dial opens a TLS connection to the relay at addr ("ip:port") and
// performs the link handshake.
func Dial(ctx context.Context, addr string, cfg *Config) (*Link, error) {
	if err := utils.EnsureAddrIPPort(addr); err != nil {
		return nil, fmt.Errorf("link: invalid relay address '%v': %w", addr, err)
	}
	c := *cfg
	if err := c.FixupAndValidate(); err != nil {
		return nil, err
	}

	dialFn := c.DialContextFn
	if dialFn == nil {
		dialFn = defaultDialer.DialContext
	}
	rawConn, err := dialFn(ctx, "tcp", addr)
	if err != nil {
		instrument.Link("dial_failed")
		return nil, fmt.Errorf("link: failed to connect to %v: %w", addr, err)
	}

	tlsCfg := &tls.Config{}
	if c.TLSConfig != nil {
		tlsCfg = c.TLSConfig.Clone()
	}
	tlsCfg.InsecureSkipVerify = true
	if tlsCfg.MinVersion == 0 {
		tlsCfg.MinVersion = tls.VersionTLS12
	}
	tlsConn := tls.Client(rawConn, tlsCfg)

	hsCtx, cancelFn := context.WithTimeout(ctx, c.HandshakeTimeout)
	defer cancelFn()
	if err := tlsConn.HandshakeContext(hsCtx); err != nil {
		rawConn.Close()
		instrument.Link("tls_failed")
		return nil, fmt.Errorf("link: TLS handshake with %v failed: %w", addr, err)
	}
	return New(ctx, tlsConn, &c)
}

// New performs the link handshake over an already established, encrypted
// connection and starts the link's reader and writer.  On failure conn is
// closed.
func New(ctx context.Context, conn net.Conn, cfg *Config) (*Link, error) {
	c := *cfg
	if err := c.FixupAndValidate(); err != nil {
		conn.Close()
		return nil, err
	}

	l := &Link{
		cfg:        c,
		conn:       conn,
		log:        c.LogBackend.GetLogger("link:" + conn.RemoteAddr().String()),
		sendCh:     make(chan []byte, c.SendQueueLen),
		circuits:   make(map[uint32]*Queue),
		nextCircID: 1,
		closedCh:   make(chan struct{}),
	}
	if err := l.handshake(ctx); err != nil {
		l.log.Errorf("Link handshake failed: %v", err)
		atomic.StoreUint32(&l.state, uint32(StateClosed))
		conn.Close()
		instrument.Link("handshake_failed")
		return nil, err
	}
	instrument.Link("ok")
	l.log.Debugf("Link established, version %d.", l.version)

	l.Go(l.reader)
	l.Go(l.writer)
	return l, nil
}

// State returns the link's current state.
func (l *Link) State() State {
	return State(atomic.LoadUint32(&l.state))
}

// Version returns the negotiated link protocol version.
func (l *Link) Version() uint16 {
	return l.version
}

// PeerNetInfo returns the NETINFO the relay sent during the handshake.
func (l *Link) PeerNetInfo() *cell.NetInfoPayload {
	return l.peer
}

// RemoteAddr returns the relay's address.
func (l *Link) RemoteAddr() net.Addr {
	return l.conn.RemoteAddr()
}

// Done returns a channel that is closed once the link is closed.
func (l *Link) Done() <-chan struct{} {
	return l.closedCh
}

// Err returns the reason the link closed, or nil while it is open.
func (l *Link) Err() error {
	select {
	case <-l.closedCh:
		return l.closedErr()
	default:
		return nil
	}
}

// Close tears down the link.  Every circuit on it becomes unusable.
func (l *Link) Close() error {
	l.closeWithErr(ErrLinkClosed)
	l.Halt()
	return nil
}

func (l *Link) closeWithErr(err error) {
	l.closeOnce.Do(func() {
		l.err = err
		atomic.StoreUint32(&l.state, uint32(StateClosed))
		close(l.closedCh)
		l.conn.Close()
		if err != ErrLinkClosed {
			l.log.Noticef("Link closed: %v", err)
		} else {
			l.log.Debugf("Link closed.")
		}
	})
}

func (l *Link) closedErr() error {
	if l.err == nil || errors.Is(l.err, ErrLinkClosed) {
		return ErrLinkClosed
	}
	return fmt.Errorf("%w: %w", ErrLinkClosed, l.err)
}

// readCell blocks until the decoder yields a cell.
func (l *Link) readCell() (*cell.Cell, error) {
	var tmp [readChunkLen]byte
	for {
		c, rest, err := l.dec.Decode(l.rbuf)
		switch {
		case err == nil:
			l.rbuf = rest
			return c, nil
		case !errors.Is(err, cell.ErrNeedMoreData):
			return nil, err
		}

		n, err := l.conn.Read(tmp[:])
		if n > 0 {
			l.rbuf = append(l.rbuf, tmp[:n]...)
		}
		if err != nil && n == 0 {
			return nil, err
		}
	}
}

func (l *Link) writeCell(c *cell.Cell) error {
	_, err := l.conn.Write(c.ToBytes())
	if err == nil {
		instrument.CellSent(c.Command.String())
	}
	return err
}

func (l *Link) reader() {
	for {
		c, err := l.readCell()
		if err != nil {
			var fe *cell.FramingError
			if errors.As(err, &fe) {
				err = &ProtocolError{Err: err}
			}
			l.closeWithErr(err)
			return
		}
		instrument.CellReceived(c.Command.String())

		if !c.Command.IsKnown() {
			l.log.Debugf("Dropping cell with unknown command %v.", c.Command)
			continue
		}
		if c.CircID == 0 {
			l.onLinkCell(c)
			continue
		}

		l.circLock.Lock()
		q := l.circuits[c.CircID]
		l.circLock.Unlock()
		if q == nil {
			l.log.Debugf("Dropping %v for unknown circuit %#x.", c.Command, c.CircID)
			continue
		}

		// The reader never waits on a single circuit.  A circuit whose
		// consumer falls behind is destroyed instead.
		select {
		case q.inCh <- c:
		case <-q.releaseCh:
		default:
			l.overflow(q)
		}
	}
}

// overflow releases q and tells the relay, without blocking the reader.
func (l *Link) overflow(q *Queue) {
	l.log.Warningf("Circuit %#x inbound queue full, destroying.", q.id)
	q.overflowed.Store(true)
	q.Release()

	b, err := cell.Encode(q.id, cell.Destroy, []byte{byte(cell.ReasonResourceLimit)})
	if err != nil {
		return
	}
	l.Go(func() {
		haltCtx, cancelHalt := l.HaltContext(context.Background())
		defer cancelHalt()
		ctx, cancelFn := context.WithTimeout(haltCtx, l.cfg.HandshakeTimeout)
		defer cancelFn()
		if err := l.enqueue(ctx, b); err != nil {
			l.log.Debugf("Failed to send DESTROY for circuit %#x: %v", q.id, err)
		}
	})
}

func (l *Link) onLinkCell(c *cell.Cell) {
	switch c.Command {
	case cell.Padding, cell.VPadding:
	case cell.NetInfo:
		l.log.Debugf("Ignoring NETINFO received after the handshake.")
	default:
		l.log.Warningf("Dropping unexpected link level %v.", c.Command)
	}
}

func (l *Link) writer() {
	for {
		select {
		case <-l.closedCh:
			return
		case b := <-l.sendCh:
			if _, err := l.conn.Write(b); err != nil {
				l.closeWithErr(err)
				return
			}
			instrument.CellSent(cell.Command(b[cell.CircIDLen]).String())
		}
	}
}

func (l *Link) enqueue(ctx context.Context, b []byte) error {
	select {
	case <-l.closedCh:
		return l.closedErr()
	default:
	}
	select {
	case l.sendCh <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.closedCh:
		return l.closedErr()
	}
}

// OpenCircuit allocates a fresh circuit id and registers its inbound queue.
func (l *Link) OpenCircuit() (*Queue, error) {
	l.circLock.Lock()
	defer l.circLock.Unlock()

	select {
	case <-l.closedCh:
		return nil, l.closedErr()
	default:
	}

	for tries := 0; tries <= len(l.circuits); tries++ {
		id := circIDHighBit | (l.nextCircID & ^uint32(circIDHighBit))
		l.nextCircID++
		if _, ok := l.circuits[id]; ok {
			continue
		}
		q := &Queue{
			l:         l,
			id:        id,
			inCh:      make(chan *cell.Cell, l.cfg.CircuitQueueLen),
			releaseCh: make(chan struct{}),
		}
		l.circuits[id] = q
		return q, nil
	}
	return nil, errCircIDsExhausted
}

// NumCircuits returns the number of registered circuits.
func (l *Link) NumCircuits() int {
	l.circLock.Lock()
	defer l.circLock.Unlock()
	return len(l.circuits)
}

// Queue is one circuit's view of a link: a circuit id, and the inbound
// cells addressed to it.
type Queue struct {
	l  *Link
	id uint32

	inCh        chan *cell.Cell
	releaseCh   chan struct{}
	releaseOnce sync.Once
	overflowed  atomic.Bool
}

// ID returns the circuit id.
func (q *Queue) ID() uint32 {
	return q.id
}

// Link returns the link the queue belongs to.
func (q *Queue) Link() *Link {
	return q.l
}

// Send queues a cell for transmission, blocking until the outbound queue
// has room.  The cell's circuit id is overwritten with the queue's.
func (q *Queue) Send(ctx context.Context, c *cell.Cell) error {
	c.CircID = q.id
	if _, err := cell.New(c.CircID, c.Command, c.Payload); err != nil {
		return err
	}
	return q.l.enqueue(ctx, c.ToBytes())
}

// Recv blocks until a cell arrives for the circuit.
func (q *Queue) Recv(ctx context.Context) (*cell.Cell, error) {
	select {
	case <-q.l.closedCh:
		return nil, q.l.closedErr()
	case <-q.releaseCh:
		return nil, q.releasedErr()
	default:
	}
	select {
	case c := <-q.inCh:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.releaseCh:
		return nil, q.releasedErr()
	case <-q.l.closedCh:
		return nil, q.l.closedErr()
	}
}

func (q *Queue) releasedErr() error {
	if q.overflowed.Load() {
		return ErrCircuitOverflow
	}
	return ErrCircuitReleased
}

// Release unregisters the circuit id.  Cells that arrive for it afterwards
// are dropped.
func (q *Queue) Release() {
	q.releaseOnce.Do(func() {
		close(q.releaseCh)
		q.l.circLock.Lock()
		delete(q.l.circuits, q.id)
		q.l.circLock.Unlock()
	})
}
