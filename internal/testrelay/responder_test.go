// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package testrelay

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/torlink/core/handshake"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

const (
	fastClientMaterial = "0102030405060708090a0b0c0d0e0f1011121314"
	fastServerMaterial = "4142434445464748494a4b4c4d4e4f5051525354"
	fastKH             = "2fe02bc8bd6bc5cfa2a4379f8415a92c1f2b654e"
	fastKf             = "5926e4b0fb90e0c947d78e09be90159d"

	ntorX        = "6162636465666768696a6b6c6d6e6f707172737475767778797a7b7c7d7e7f80"
	ntorY        = "8182838485868788898a8b8c8d8e8f909192939495969798999a9b9c9d9e9fa0"
	ntorB        = "a1a2a3a4a5a6a7a8a9aaabacadaeafb0b1b2b3b4b5b6b7b8b9babbbcbdbebfc0"
	ntorIdentity = "c1c2c3c4c5c6c7c8c9cacbcccdcecfd0d1d2d3d4"
	ntorPubY     = "883186b800b41d5cf0429695da9b3cc4f328ebcd184a6e482fa578c103f06c77"
	ntorPubB     = "ad438bfae31f6c093d61d4339255ea798092c9fadd07b97827f4b0ae9dee7c1c"
	ntorAuth     = "ba08908b6f781b1f6cfff04b97f4c48d2c858f9e2122ac753fa917f24513e457"
	ntorKH       = "2ff3b4ab6dcb36a5a4ebd507e02b7fcd9c13ba4c"
)

func TestRespondFast(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	resp, km, err := respondFast(bytes.NewReader(mustHex(t, fastServerMaterial)), mustHex(t, fastClientMaterial))
	require.NoError(err)
	require.Equal(mustHex(t, fastServerMaterial+fastKH), resp)
	require.Equal(mustHex(t, fastKf), km.ForwardKey[:])

	rev := reversed(km)
	require.Equal(km.ForwardKey, rev.BackwardKey)
	require.Equal(km.BackwardDigest, rev.ForwardDigest)

	_, _, err = respondFast(bytes.NewReader(mustHex(t, fastServerMaterial)), []byte{1, 2, 3})
	require.Error(err)
}

func TestRespondNtor(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	var id [handshake.IdentityLen]byte
	var b [handshake.NtorKeyLen]byte
	copy(id[:], mustHex(t, ntorIdentity))
	copy(b[:], mustHex(t, ntorB))
	st, req, err := handshake.InitiateNtor(bytes.NewReader(mustHex(t, ntorX)), id, [handshake.NtorKeyLen]byte(mustHex(t, ntorPubB)))
	require.NoError(err)

	resp, km, err := respondNtor(bytes.NewReader(mustHex(t, ntorY)), id, b, req)
	require.NoError(err)
	require.Equal(mustHex(t, ntorPubY+ntorAuth), resp)
	require.Equal(mustHex(t, ntorKH), km.KeyConfirmation[:])

	client, err := st.Finish(resp)
	require.NoError(err)
	require.Equal(client, km)

	id[0] ^= 0xff
	_, _, err = respondNtor(bytes.NewReader(mustHex(t, ntorY)), id, b, req)
	require.ErrorIs(err, errWrongRelay)
}
