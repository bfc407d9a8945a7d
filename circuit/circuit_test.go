// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package circuit

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/torlink/core/cell"
	"github.com/katzenpost/torlink/core/handshake"
	"github.com/katzenpost/torlink/core/link"
	"github.com/katzenpost/torlink/core/onion"
	"github.com/katzenpost/torlink/core/pki"
	"github.com/katzenpost/torlink/internal/testrelay"
)

const (
	fastClientMaterial = "0102030405060708090a0b0c0d0e0f1011121314"
	fastServerMaterial = "4142434445464748494a4b4c4d4e4f5051525354"
	fastKf             = "5926e4b0fb90e0c947d78e09be90159d"
	fastKb             = "05d265b3efc47d471d96ecd4d8f89400"

	ntorX        = "6162636465666768696a6b6c6d6e6f707172737475767778797a7b7c7d7e7f80"
	ntorY        = "8182838485868788898a8b8c8d8e8f909192939495969798999a9b9c9d9e9fa0"
	ntorB        = "a1a2a3a4a5a6a7a8a9aaabacadaeafb0b1b2b3b4b5b6b7b8b9babbbcbdbebfc0"
	ntorIdentity = "c1c2c3c4c5c6c7c8c9cacbcccdcecfd0d1d2d3d4"
	ntorPubB     = "ad438bfae31f6c093d61d4339255ea798092c9fadd07b97827f4b0ae9dee7c1c"
	ntorKf       = "1d6fcf45b46cffa94957e44b0bf45465"
	ntorKH       = "2ff3b4ab6dcb36a5a4ebd507e02b7fcd9c13ba4c"

	// A RELAY cell carrying BEGIN_DIR on stream 1 to the second hop of
	// circuit 0x80000001, the first hop keyed by the fast fixture and the
	// second by the ntor fixture, after one EXTEND2.
	beginDirWire = "8000000103c9643468f70a5d0aad9199c6672f582939612f95e67dd0b3ef75d7f0a961d4dd8a67d1a5129a4f1492d41ad6a36dede4281740134969457d84b6c34fe09b3ade5c5cdf8ec6700b26c53e2ebcad21e20231b3a120fc242ce4b0431f46db424061c421e63f36ab45ecc3b8d5e26ef95f39110f6314079a7e4feb560ae1f49e742bd9b7757eb0b6169a2d1dc77a0fff3b14d85509e2c4d05904f763a532d1669ff328e015e076c6f8a93e2ea093ee1b13c274ed6e5750a33301ec9a783ba417adfdbda9b800aad01ad71f4fa400b39cacdda107506f5d48b03f4bb8d4b7d126110df86359a62b11ca6160eebe0e833ed9649a9422556a575ebb75ba622ccf8a6e3bcfe06fa1bcb1c670c42d5a5c859e4b2e5dc17f8878a90d6a51078704439aac9e7805e5432e018157c3b095430699fa339a36f376af0af4bcee115bbaad12605e44dbb88f688ba7afb011b4f1e60e53b947c9bd5f2d1501732c0369dd048f45d376821e2867b6a9415fcf7a8e8209217e92dc557a60b82fe84e57b8a71a4530a043b65b80ca68975a529607272f5cf17946270991bb2ca1bafe81a6ff0545b49fd8c5a942478fdf4b31e62adf5684730b8d05f483210e24efaf080ce836d9c8b1f1b3fe0d1aeff7c15f54f858d40464d422aecb3e6b3f398f3abf667d2efa185b1e60521c412acfff5829db46cbf3c12f29af76be3c4d84a61deb468be5"

	firstCircID = 0x80000001
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func testContext(t *testing.T) context.Context {
	ctx, cancelFn := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancelFn)
	return ctx
}

func newTestLink(t *testing.T, cfg *testrelay.Config) (*link.Link, *testrelay.Relay) {
	conn, relay := testrelay.Pipe(cfg)
	l, err := link.New(context.Background(), conn, &link.Config{})
	require.NoError(t, err)
	t.Cleanup(func() {
		l.Close()
		relay.Close()
	})
	return l, relay
}

func middleHop(t *testing.T) (testrelay.Hop, *pki.RelayDescriptor) {
	hop := testrelay.Hop{
		Identity:     [handshake.IdentityLen]byte(mustHex(t, ntorIdentity)),
		OnionPrivate: [handshake.NtorKeyLen]byte(mustHex(t, ntorB)),
	}
	d := &pki.RelayDescriptor{
		Nickname:     "middle",
		Address:      "192.0.2.2:9001",
		Identity:     hop.Identity,
		NtorOnionKey: [pki.NtorOnionKeyLength]byte(mustHex(t, ntorPubB)),
	}
	return hop, d
}

func fixtureReader(t *testing.T, parts ...string) io.Reader {
	var b []byte
	for _, p := range parts {
		b = append(b, mustHex(t, p)...)
	}
	return bytes.NewReader(b)
}

func TestCreateFastFixture(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	ctx := testContext(t)

	l, relay := newTestLink(t, &testrelay.Config{Rand: fixtureReader(t, fastServerMaterial)})
	c, err := CreateFast(ctx, l, &Config{Rand: fixtureReader(t, fastClientMaterial)})
	require.NoError(err)
	require.Equal(uint32(firstCircID), c.ID())
	require.Equal(1, c.Len())

	keys := relay.Keys(c.ID())
	require.Len(keys, 1)
	require.Equal(mustHex(t, fastKf), keys[0].ForwardKey[:])
	require.Equal(mustHex(t, fastKb), keys[0].BackwardKey[:])

	id, err := c.BeginDir(ctx)
	require.NoError(err)
	require.Equal(uint16(1), id)
	require.NoError(c.SendRelay(ctx, id, cell.RelayData, []byte("hello")))
	m, err := c.ReceiveRelay(ctx)
	require.NoError(err)
	require.Equal(&Message{Hop: 0, Command: cell.RelayData, StreamID: id, Data: []byte("hello")}, m)

	require.NoError(c.Close())
	require.Eventually(func() bool {
		reason, ok := relay.Destroyed(c.ID())
		return ok && reason == cell.ReasonNone
	}, 5*time.Second, 10*time.Millisecond)
	require.Zero(l.NumCircuits())

	var de *DestroyedError
	require.ErrorAs(c.SendRelay(ctx, id, cell.RelayData, nil), &de)
}

func TestCreateNtor(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	ctx := testContext(t)

	hop, d := middleHop(t)
	l, relay := newTestLink(t, &testrelay.Config{
		Rand:         fixtureReader(t, ntorY),
		Identity:     hop.Identity,
		OnionPrivate: hop.OnionPrivate,
	})
	c, err := CreateNtor(ctx, l, d, &Config{Rand: fixtureReader(t, ntorX)})
	require.NoError(err)

	keys := relay.Keys(c.ID())
	require.Len(keys, 1)
	require.Equal(mustHex(t, ntorKf), keys[0].ForwardKey[:])
	require.Equal(mustHex(t, ntorKH), keys[0].KeyConfirmation[:])

	_, err = c.BeginDir(ctx)
	require.NoError(err)
}

func TestExtendBeginDirWire(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	ctx := testContext(t)

	hop, d := middleHop(t)
	l, relay := newTestLink(t, &testrelay.Config{
		Rand: fixtureReader(t, fastServerMaterial, ntorY),
		Hops: []testrelay.Hop{hop},
	})
	c, err := CreateFast(ctx, l, &Config{Rand: fixtureReader(t, fastClientMaterial, ntorX)})
	require.NoError(err)
	require.NoError(c.Extend(ctx, d))
	require.Equal(2, c.Len())

	keys := relay.Keys(c.ID())
	require.Len(keys, 2)
	require.Equal(mustHex(t, ntorKH), keys[1].KeyConfirmation[:])

	id, err := c.BeginDir(ctx)
	require.NoError(err)
	require.Equal(uint16(1), id)

	cells := relay.Cells()
	require.Len(cells, 3)
	require.Equal(byte(cell.CreateFast), cells[0][cell.CircIDLen])
	require.Equal(byte(cell.RelayEarly), cells[1][cell.CircIDLen])
	require.Equal(mustHex(t, beginDirWire), cells[2])

	msgs := relay.Messages()
	require.Len(msgs, 2)
	require.Equal(0, msgs[0].Hop)
	require.Equal(cell.RelayExtend2, msgs[0].Body.Command)
	require.True(msgs[0].Early)
	require.Equal(1, msgs[1].Hop)
	require.Equal(cell.RelayBeginDir, msgs[1].Body.Command)
}

func TestCreateFastMismatch(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	ctx := testContext(t)

	l, relay := newTestLink(t, &testrelay.Config{Create: testrelay.CreateCorrupt})
	c, err := CreateFast(ctx, l, &Config{})
	require.ErrorIs(err, handshake.ErrMismatch)
	require.Nil(c)
	require.True(IsProtocolViolation(err))
	require.False(IsTransient(err))
	require.Zero(l.NumCircuits())

	require.Eventually(func() bool {
		reason, ok := relay.Destroyed(firstCircID)
		return ok && reason == cell.ReasonProtocol
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCreateTimeoutAndDestroy(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	ctx := testContext(t)

	l, relay := newTestLink(t, &testrelay.Config{Create: testrelay.CreateIgnore})
	_, err := CreateFast(ctx, l, &Config{HandshakeTimeout: 50 * time.Millisecond})
	require.ErrorIs(err, ErrHandshakeTimeout)
	require.True(IsTransient(err))
	require.Zero(l.NumCircuits())
	require.Eventually(func() bool {
		reason, ok := relay.Destroyed(firstCircID)
		return ok && reason == cell.ReasonTimeout
	}, 5*time.Second, 10*time.Millisecond)

	cancelled, cancelFn := context.WithCancel(ctx)
	cancelFn()
	_, err = CreateFast(cancelled, l, &Config{HandshakeTimeout: time.Minute})
	require.ErrorIs(err, context.Canceled)
	require.NotErrorIs(err, ErrHandshakeTimeout)

	l, _ = newTestLink(t, &testrelay.Config{
		Create:        testrelay.CreateDestroy,
		DestroyReason: cell.ReasonResourceLimit,
	})
	_, err = CreateFast(ctx, l, &Config{})
	var ae *HandshakeAbortedError
	require.ErrorAs(err, &ae)
	require.Equal(cell.ReasonResourceLimit, ae.Reason)
	require.False(ae.Truncated)
	require.NotErrorIs(err, ErrHandshakeTimeout)
	require.True(IsTransient(err))
	require.False(IsProtocolViolation(err))
	require.Zero(l.NumCircuits())
}

func TestExtendTruncated(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	ctx := testContext(t)

	_, d := middleHop(t)
	l, _ := newTestLink(t, &testrelay.Config{})
	c, err := CreateFast(ctx, l, &Config{})
	require.NoError(err)

	err = c.Extend(ctx, d)
	var ae *HandshakeAbortedError
	require.ErrorAs(err, &ae)
	require.True(ae.Truncated)
	require.Equal(cell.ReasonConnectFailed, ae.Reason)
	require.Equal(1, c.Len())
	require.NoError(c.Err())

	_, err = c.BeginDir(ctx)
	require.NoError(err)
}

func TestRelayEarlyBudget(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	ctx := testContext(t)

	hop, d := middleHop(t)
	l, relay := newTestLink(t, &testrelay.Config{Hops: []testrelay.Hop{hop}})
	c, err := CreateFast(ctx, l, &Config{})
	require.NoError(err)

	for i := 0; i < MaxRelayEarly; i++ {
		require.NoError(c.Extend(ctx, d), "extend %d", i)
	}
	require.Equal(MaxRelayEarly+1, c.Len())
	require.ErrorIs(c.Extend(ctx, d), ErrRelayEarlyExhausted)
	require.Equal(MaxRelayEarly+1, c.Len())

	var early int
	for _, m := range relay.Messages() {
		if m.Body.Command == cell.RelayExtend2 {
			require.True(m.Early)
			early++
		}
	}
	require.Equal(MaxRelayEarly, early)

	id, err := c.BeginDir(ctx)
	require.NoError(err)
	require.NoError(c.SendRelay(ctx, id, cell.RelayData, []byte("deep")))
	m, err := c.ReceiveRelay(ctx)
	require.NoError(err)
	require.Equal(MaxRelayEarly, m.Hop)
	require.Equal([]byte("deep"), m.Data)
}

func TestSendmeEmission(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	ctx := testContext(t)

	l, relay := newTestLink(t, &testrelay.Config{NoEcho: true})
	c, err := CreateFast(ctx, l, &Config{})
	require.NoError(err)
	id, err := c.BeginDir(ctx)
	require.NoError(err)

	const n = 2 * onion.CircuitWindowIncrement
	errCh := make(chan error, 1)
	go func() {
		for i := 0; i < n; i++ {
			body := &cell.RelayBody{Command: cell.RelayData, StreamID: id, Data: []byte{byte(i)}}
			if err := relay.SendRelay(c.ID(), 0, body); err != nil {
				errCh <- err
				return
			}
		}
		errCh <- nil
	}()
	for i := 0; i < n; i++ {
		m, err := c.ReceiveRelay(ctx)
		require.NoError(err)
		require.Equal([]byte{byte(i)}, m.Data)
	}
	require.NoError(<-errCh)

	countSendmes := func() (int, int) {
		var circ, stream int
		for _, m := range relay.Messages() {
			if m.Body.Command != cell.RelaySendme {
				continue
			}
			if m.Body.StreamID == 0 {
				s, err := cell.ParseSendme(m.Body.Data)
				if err != nil || s.Version != cell.SendmeVersion1 || len(s.Digest) != cell.SendmeDigestLen {
					continue
				}
				circ++
			} else if m.Body.StreamID == id && len(m.Body.Data) == 0 {
				stream++
			}
		}
		return circ, stream
	}
	require.Eventually(func() bool {
		circ, stream := countSendmes()
		return circ == n/onion.CircuitWindowIncrement && stream == n/onion.StreamWindowIncrement
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPackageWindow(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	ctx := testContext(t)

	l, _ := newTestLink(t, &testrelay.Config{NoEcho: true})
	c, err := CreateFast(ctx, l, &Config{})
	require.NoError(err)

	require.ErrorIs(c.SendRelay(ctx, 0, cell.RelayData, nil), ErrNoSuchStream)
	require.ErrorIs(c.SendRelay(ctx, 42, cell.RelayData, nil), ErrNoSuchStream)

	id, err := c.BeginDir(ctx)
	require.NoError(err)
	for i := 0; i < onion.StreamWindowStart; i++ {
		require.NoError(c.SendRelay(ctx, id, cell.RelayData, []byte{1}))
	}
	require.ErrorIs(c.SendRelay(ctx, id, cell.RelayData, []byte{1}), ErrWindowExhausted)
	require.NoError(c.Err())

	require.NoError(c.CloseStream(ctx, id))
	require.ErrorIs(c.CloseStream(ctx, id), ErrNoSuchStream)
}

func TestFailedSendKeepsWindows(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	ctx := testContext(t)

	l, _ := newTestLink(t, &testrelay.Config{NoEcho: true})
	c, err := CreateFast(ctx, l, &Config{})
	require.NoError(err)
	id, err := c.BeginDir(ctx)
	require.NoError(err)

	windows := func() (int, int) {
		c.streamLock.Lock()
		defer c.streamLock.Unlock()
		return c.windows[0].PackageWindow(), c.streams[id].PackageWindow()
	}

	var fe *cell.FramingError
	err = c.SendRelay(ctx, id, cell.RelayData, make([]byte, cell.MaxRelayDataLen+1))
	require.ErrorAs(err, &fe)
	circ, stream := windows()
	require.Equal(onion.CircuitWindowStart, circ)
	require.Equal(onion.StreamWindowStart, stream)
	require.NoError(c.Err())

	require.NoError(c.SendRelay(ctx, id, cell.RelayData, make([]byte, cell.MaxRelayDataLen)))
	circ, stream = windows()
	require.Equal(onion.CircuitWindowStart-1, circ)
	require.Equal(onion.StreamWindowStart-1, stream)

	require.NoError(c.Close())
	var de *DestroyedError
	require.ErrorAs(c.SendRelay(ctx, id, cell.RelayData, []byte{1}), &de)
	circ, stream = windows()
	require.Equal(onion.CircuitWindowStart-1, circ)
	require.Equal(onion.StreamWindowStart-1, stream)
}

func TestUnreadCircuitDoesNotStallLink(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	ctx := testContext(t)

	l, relay := newTestLink(t, &testrelay.Config{NoEcho: true})
	idle, err := CreateFast(ctx, l, &Config{})
	require.NoError(err)
	busy, err := CreateFast(ctx, l, &Config{})
	require.NoError(err)

	// Flood the circuit nobody reads well past its inbound queue.
	doneCh := make(chan struct{})
	go func() {
		defer close(doneCh)
		for i := 0; i < 100; i++ {
			body := &cell.RelayBody{Command: cell.RelayDrop}
			if err := relay.SendRelay(idle.ID(), 0, body); err != nil {
				return
			}
		}
	}()

	dirCtx, cancelFn := context.WithTimeout(ctx, 5*time.Second)
	defer cancelFn()
	_, err = busy.BeginDir(dirCtx)
	require.NoError(err)

	<-doneCh
	require.Eventually(func() bool {
		reason, ok := relay.Destroyed(idle.ID())
		return ok && reason == cell.ReasonResourceLimit
	}, 5*time.Second, 10*time.Millisecond)

	_, err = idle.ReceiveRelay(ctx)
	var de *DestroyedError
	require.ErrorAs(err, &de)
	require.False(de.Remote)
	require.Equal(cell.ReasonResourceLimit, de.Reason)
	require.ErrorIs(err, link.ErrCircuitOverflow)

	require.NoError(busy.Err())
	require.Equal(1, l.NumCircuits())
}

func TestUnrecognizedCellTeardown(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	ctx := testContext(t)

	l, relay := newTestLink(t, &testrelay.Config{})
	c, err := CreateFast(ctx, l, &Config{})
	require.NoError(err)
	sibling, err := CreateFast(ctx, l, &Config{})
	require.NoError(err)
	require.Equal(2, l.NumCircuits())

	garbage, err := cell.Encode(c.ID(), cell.Relay, bytes.Repeat([]byte{0xa5}, cell.PayloadLen))
	require.NoError(err)
	require.NoError(relay.Inject(garbage))

	_, err = c.ReceiveRelay(ctx)
	var de *DestroyedError
	require.ErrorAs(err, &de)
	require.Equal(cell.ReasonProtocol, de.Reason)
	require.False(de.Remote)
	require.ErrorIs(err, onion.ErrUnrecognizedCell)
	require.True(IsProtocolViolation(err))
	require.Error(c.SendRelay(ctx, 0, cell.RelayDrop, nil))

	require.Eventually(func() bool {
		reason, ok := relay.Destroyed(c.ID())
		return ok && reason == cell.ReasonProtocol
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(1, l.NumCircuits())

	_, err = sibling.BeginDir(ctx)
	require.NoError(err)
}

func TestRemoteDestroy(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	ctx := testContext(t)

	l, relay := newTestLink(t, &testrelay.Config{})
	c, err := CreateFast(ctx, l, &Config{})
	require.NoError(err)

	require.NoError(relay.Destroy(c.ID(), cell.ReasonFinished))
	_, err = c.ReceiveRelay(ctx)
	var de *DestroyedError
	require.ErrorAs(err, &de)
	require.True(de.Remote)
	require.Equal(cell.ReasonFinished, de.Reason)
	require.True(IsTransient(err))
	require.Equal(err, c.Err())
	require.Zero(l.NumCircuits())
}

func TestLinkClosed(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	ctx := testContext(t)

	l, _ := newTestLink(t, &testrelay.Config{})
	c, err := CreateFast(ctx, l, &Config{})
	require.NoError(err)

	require.NoError(l.Close())
	_, err = c.ReceiveRelay(ctx)
	require.ErrorIs(err, link.ErrLinkClosed)
	require.True(IsTransient(err))

	_, err = c.ReceiveRelay(ctx)
	require.ErrorIs(err, link.ErrLinkClosed)

	_, err = CreateFast(ctx, l, &Config{})
	require.ErrorIs(err, link.ErrLinkClosed)
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		err       error
		protocol  bool
		transient bool
	}{
		{handshake.ErrMismatch, true, false},
		{fmt.Errorf("wrapped: %w", onion.ErrUnrecognizedCell), true, false},
		{&cell.FramingError{Command: cell.Relay, Msg: "bad"}, true, false},
		{&UnexpectedCellError{Expected: "CREATED2", Got: "CREATED_FAST"}, true, false},
		{ErrHandshakeTimeout, false, true},
		{link.ErrLinkClosed, false, true},
		{context.DeadlineExceeded, false, true},
		{&HandshakeAbortedError{Reason: cell.ReasonHibernating}, false, true},
		{&DestroyedError{Reason: cell.ReasonFinished, Remote: true}, false, true},
		{&DestroyedError{Reason: cell.ReasonProtocol, Err: onion.ErrUnrecognizedCell}, true, false},
		{&DestroyedError{Reason: cell.ReasonNone}, false, false},
		{ErrWindowExhausted, false, false},
		{errors.New("other"), false, false},
	} {
		assert.Equal(t, tc.protocol, IsProtocolViolation(tc.err), "protocol: %v", tc.err)
		assert.Equal(t, tc.transient, IsTransient(tc.err), "transient: %v", tc.err)
	}
}
