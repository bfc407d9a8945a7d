// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package testrelay is an in-process relay that speaks just enough of the
// link and circuit protocols to exercise clients in tests.  It answers the
// link handshake, CREATE_FAST, CREATE2 and EXTEND2 (by simulating further
// hops itself), and replies to BEGIN/BEGIN_DIR and echoes RELAY_DATA.
package testrelay

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/torlink/core/cell"
	"github.com/katzenpost/torlink/core/handshake"
	"github.com/katzenpost/torlink/core/onion"
	"github.com/katzenpost/torlink/core/worker"
)

// CreateBehavior controls how the relay answers circuit creation.
type CreateBehavior int

const (
	// CreateRespond completes the handshake honestly.
	CreateRespond CreateBehavior = iota

	// CreateIgnore never answers.
	CreateIgnore

	// CreateDestroy answers with DESTROY.
	CreateDestroy

	// CreateCorrupt answers with a response that fails key confirmation.
	CreateCorrupt
)

// Hop is a relay reachable through EXTEND2.
type Hop struct {
	Identity     [handshake.IdentityLen]byte
	OnionPrivate [handshake.NtorKeyLen]byte
}

// Config is the relay configuration.
type Config struct {
	// Versions are the offered link protocol versions, {4, 5} if empty.
	Versions []uint16

	// Rand supplies server material and ephemeral keys, hpqc's rand.Reader
	// if nil.
	Rand io.Reader

	// Identity and OnionPrivate are this relay's ntor keys.
	Identity     [handshake.IdentityLen]byte
	OnionPrivate [handshake.NtorKeyLen]byte

	// Hops are the relays EXTEND2 can reach.  Unknown identities are
	// answered with RELAY_TRUNCATED.
	Hops []Hop

	// Create selects how CREATE_FAST and CREATE2 are answered.
	Create CreateBehavior

	// DestroyReason is sent when Create is CreateDestroy.
	DestroyReason cell.DestroyReason

	// NoEcho disables echoing RELAY_DATA.
	NoEcho bool
}

// Message is a relay message the relay recognized.
type Message struct {
	CircID uint32
	Hop    int
	Early  bool
	Body   *cell.RelayBody
}

type circuit struct {
	stack onion.Stack
	keys  []*handshake.KeyMaterial
}

// Relay is a fake relay serving one connection.
type Relay struct {
	worker.Worker

	cfg  Config
	conn net.Conn
	dec  cell.Decoder
	rbuf []byte

	sync.Mutex
	circuits  map[uint32]*circuit
	cells     [][]byte
	messages  []*Message
	destroyed map[uint32]cell.DestroyReason
	peer      *cell.NetInfoPayload
	err       error
}

// New starts serving conn.
func New(conn net.Conn, cfg *Config) *Relay {
	r := &Relay{
		cfg:       *cfg,
		conn:      conn,
		circuits:  make(map[uint32]*circuit),
		destroyed: make(map[uint32]cell.DestroyReason),
	}
	if len(r.cfg.Versions) == 0 {
		r.cfg.Versions = []uint16{4, 5}
	}
	if r.cfg.Rand == nil {
		r.cfg.Rand = rand.Reader
	}
	r.Go(r.serve)
	return r
}

// Pipe returns the client end of an in-memory connection served by a new
// Relay.
func Pipe(cfg *Config) (net.Conn, *Relay) {
	client, server := net.Pipe()
	return client, New(server, cfg)
}

// Close closes the connection and waits for the relay to stop.
func (r *Relay) Close() {
	r.conn.Close()
	r.Halt()
}

// Err returns the error that stopped the relay, if any.
func (r *Relay) Err() error {
	r.Lock()
	defer r.Unlock()
	return r.err
}

// PeerNetInfo returns the client's NETINFO.
func (r *Relay) PeerNetInfo() *cell.NetInfoPayload {
	r.Lock()
	defer r.Unlock()
	return r.peer
}

// Cells returns the raw cells received after the link handshake.
func (r *Relay) Cells() [][]byte {
	r.Lock()
	defer r.Unlock()
	return append([][]byte{}, r.cells...)
}

// Messages returns the relay messages recognized so far.
func (r *Relay) Messages() []*Message {
	r.Lock()
	defer r.Unlock()
	return append([]*Message{}, r.messages...)
}

// Keys returns the key material of every hop of a circuit, in the client's
// orientation.
func (r *Relay) Keys(circID uint32) []*handshake.KeyMaterial {
	r.Lock()
	defer r.Unlock()
	c, ok := r.circuits[circID]
	if !ok {
		return nil
	}
	return append([]*handshake.KeyMaterial{}, c.keys...)
}

// Destroyed returns the DESTROY reason the client sent for a circuit.
func (r *Relay) Destroyed(circID uint32) (cell.DestroyReason, bool) {
	r.Lock()
	defer r.Unlock()
	reason, ok := r.destroyed[circID]
	return reason, ok
}

// SendRelay sends a relay message from the hop at depth.
func (r *Relay) SendRelay(circID uint32, hop int, body *cell.RelayBody) error {
	r.Lock()
	defer r.Unlock()
	return r.sendRelay(circID, hop, body)
}

// Destroy tears down a circuit from the relay side.
func (r *Relay) Destroy(circID uint32, reason cell.DestroyReason) error {
	r.Lock()
	defer r.Unlock()
	delete(r.circuits, circID)
	return r.send(circID, cell.Destroy, []byte{byte(reason)})
}

// Inject writes raw bytes to the client.
func (r *Relay) Inject(b []byte) error {
	r.Lock()
	defer r.Unlock()
	_, err := r.conn.Write(b)
	return err
}

func (r *Relay) serve() {
	err := r.handshake()
	for err == nil {
		var c *cell.Cell
		if c, err = r.readCell(); err != nil {
			break
		}
		err = r.onCell(c)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
		err = nil
	}
	r.Lock()
	r.err = err
	r.Unlock()
	r.conn.Close()
}

func (r *Relay) readCell() (*cell.Cell, error) {
	var tmp [4096]byte
	for {
		c, rest, err := r.dec.Decode(r.rbuf)
		switch {
		case err == nil:
			r.rbuf = rest
			return c, nil
		case !errors.Is(err, cell.ErrNeedMoreData):
			return nil, err
		}
		n, err := r.conn.Read(tmp[:])
		r.rbuf = append(r.rbuf, tmp[:n]...)
		if err != nil && n == 0 {
			return nil, err
		}
	}
}

func (r *Relay) send(circID uint32, cmd cell.Command, payload []byte) error {
	b, err := cell.Encode(circID, cmd, payload)
	if err != nil {
		return err
	}
	_, err = r.conn.Write(b)
	return err
}

func (r *Relay) handshake() error {
	c, err := r.readCell()
	if err != nil {
		return err
	}
	if c.Command != cell.Versions {
		return fmt.Errorf("testrelay: expected VERSIONS, got %v", c.Command)
	}
	theirs, err := cell.ParseVersions(c.Payload)
	if err != nil {
		return err
	}
	if err := r.send(0, cell.Versions, cell.EncodeVersions(r.cfg.Versions)); err != nil {
		return err
	}
	var best uint16
	for _, v := range theirs {
		if v >= cell.MinLinkVersion && v > best && containsVersion(r.cfg.Versions, v) {
			best = v
		}
	}
	if best == 0 {
		return fmt.Errorf("testrelay: no common version in %v", theirs)
	}
	r.dec.LinkVersion = best

	certs := cell.EncodeCerts([]cell.Cert{{Type: 1, Body: bytes.Repeat([]byte{0xc3}, 32)}, {Type: 2, Body: bytes.Repeat([]byte{0x3c}, 32)}})
	if err := r.send(0, cell.Certs, certs); err != nil {
		return err
	}
	challenge := &cell.AuthChallengePayload{Methods: []uint16{1, 3}}
	if err := r.send(0, cell.AuthChallenge, challenge.ToBytes()); err != nil {
		return err
	}
	ni := &cell.NetInfoPayload{
		Timestamp: 1700000000,
		Other:     cell.AddressFromIP(net.IPv4(127, 0, 0, 1)),
		MyAddrs:   []cell.Address{cell.AddressFromIP(net.IPv4(192, 0, 2, 1))},
	}
	payload, err := ni.ToBytes()
	if err != nil {
		return err
	}
	if err := r.send(0, cell.NetInfo, payload); err != nil {
		return err
	}

	if c, err = r.readCell(); err != nil {
		return err
	}
	if c.Command != cell.NetInfo {
		return fmt.Errorf("testrelay: expected NETINFO, got %v", c.Command)
	}
	peer, err := cell.ParseNetInfo(c.Payload)
	if err != nil {
		return err
	}
	r.Lock()
	r.peer = peer
	r.Unlock()
	return nil
}

func containsVersion(versions []uint16, v uint16) bool {
	for _, x := range versions {
		if x == v {
			return true
		}
	}
	return false
}

func (r *Relay) onCell(c *cell.Cell) error {
	r.Lock()
	defer r.Unlock()
	r.cells = append(r.cells, c.ToBytes())

	switch c.Command {
	case cell.CreateFast, cell.Create2:
		return r.onCreate(c)
	case cell.Destroy:
		reason, err := cell.ParseDestroy(c.Payload)
		if err != nil {
			return err
		}
		delete(r.circuits, c.CircID)
		r.destroyed[c.CircID] = reason
		return nil
	case cell.Relay, cell.RelayEarly:
		return r.onRelay(c)
	default:
		return nil
	}
}

func (r *Relay) onCreate(c *cell.Cell) error {
	switch r.cfg.Create {
	case CreateIgnore:
		return nil
	case CreateDestroy:
		return r.send(c.CircID, cell.Destroy, []byte{byte(r.cfg.DestroyReason)})
	}

	var (
		resp    []byte
		km      *handshake.KeyMaterial
		created cell.Command
		err     error
	)
	if c.Command == cell.CreateFast {
		created = cell.CreatedFast
		resp, km, err = respondFast(r.cfg.Rand, c.Payload)
	} else {
		created = cell.Created2
		var req *cell.Create2Payload
		if req, err = cell.ParseCreate2(c.Payload); err != nil {
			return err
		}
		if resp, km, err = respondNtor(r.cfg.Rand, r.cfg.Identity, r.cfg.OnionPrivate, req.Data); err != nil {
			return err
		}
		resp, err = cell.EncodeCreated2(resp)
	}
	if err != nil {
		return err
	}
	if r.cfg.Create == CreateCorrupt {
		resp[len(resp)-1] ^= 0x01
	}

	circ := &circuit{keys: []*handshake.KeyMaterial{km}}
	if err := circ.stack.Push(reversed(km)); err != nil {
		return err
	}
	r.circuits[c.CircID] = circ
	return r.send(c.CircID, created, resp)
}

func (r *Relay) onRelay(c *cell.Cell) error {
	circ, ok := r.circuits[c.CircID]
	if !ok {
		return nil
	}
	hop, body, _, err := circ.stack.Peel(c.Payload)
	if err != nil {
		delete(r.circuits, c.CircID)
		return r.send(c.CircID, cell.Destroy, []byte{byte(cell.ReasonProtocol)})
	}
	r.messages = append(r.messages, &Message{
		CircID: c.CircID,
		Hop:    hop,
		Early:  c.Command == cell.RelayEarly,
		Body:   body,
	})

	switch body.Command {
	case cell.RelayExtend2:
		return r.onExtend2(c.CircID, circ, hop, body)
	case cell.RelayBegin, cell.RelayBeginDir:
		return r.sendRelay(c.CircID, hop, &cell.RelayBody{Command: cell.RelayConnected, StreamID: body.StreamID})
	case cell.RelayData:
		if r.cfg.NoEcho {
			return nil
		}
		return r.sendRelay(c.CircID, hop, &cell.RelayBody{Command: cell.RelayData, StreamID: body.StreamID, Data: body.Data})
	default:
		return nil
	}
}

func (r *Relay) onExtend2(circID uint32, circ *circuit, hop int, body *cell.RelayBody) error {
	ext, err := cell.ParseExtend2(body.Data)
	if err != nil {
		return err
	}
	var next *Hop
	for _, spec := range ext.Specifiers {
		if spec.Type != cell.LinkSpecLegacyID {
			continue
		}
		for i := range r.cfg.Hops {
			if bytes.Equal(r.cfg.Hops[i].Identity[:], spec.Data) {
				next = &r.cfg.Hops[i]
			}
		}
	}
	if next == nil || hop != circ.stack.Len()-1 || ext.HandshakeType != cell.HandshakeTypeNtor {
		return r.sendRelay(circID, hop, &cell.RelayBody{Command: cell.RelayTruncated, Data: []byte{byte(cell.ReasonConnectFailed)}})
	}

	resp, km, err := respondNtor(r.cfg.Rand, next.Identity, next.OnionPrivate, ext.HandshakeData)
	if err != nil {
		return err
	}
	data, err := cell.EncodeExtended2(resp)
	if err != nil {
		return err
	}
	if err := r.sendRelay(circID, hop, &cell.RelayBody{Command: cell.RelayExtended2, Data: data}); err != nil {
		return err
	}
	circ.keys = append(circ.keys, km)
	return circ.stack.Push(reversed(km))
}

func (r *Relay) sendRelay(circID uint32, hop int, body *cell.RelayBody) error {
	circ, ok := r.circuits[circID]
	if !ok {
		return fmt.Errorf("testrelay: no circuit %#x", circID)
	}
	payload, err := circ.stack.Build(hop, body)
	if err != nil {
		return err
	}
	return r.send(circID, cell.Relay, payload[:])
}
