// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package testrelay

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"github.com/katzenpost/hpqc/util"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/katzenpost/torlink/core/cell"
	"github.com/katzenpost/torlink/core/handshake"
)

const (
	ntorProtoID = "ntor-curve25519-sha256-1"
	ntorTKey    = ntorProtoID + ":key_extract"
	ntorTMac    = ntorProtoID + ":mac"
	ntorTVerify = ntorProtoID + ":verify"
	ntorMExpand = ntorProtoID + ":key_expand"
	ntorServer  = "Server"
)

var errWrongRelay = errors.New("testrelay: ntor request for another relay")

// reversed returns the relay's view of k: the relay decrypts with the
// client's forward key and encrypts with its backward key.
func reversed(k *handshake.KeyMaterial) *handshake.KeyMaterial {
	return &handshake.KeyMaterial{
		ForwardKey:      k.BackwardKey,
		BackwardKey:     k.ForwardKey,
		ForwardDigest:   k.BackwardDigest,
		BackwardDigest:  k.ForwardDigest,
		KeyConfirmation: k.KeyConfirmation,
	}
}

// respondFast answers CREATE_FAST.  The key material is in the client's
// orientation so tests can compare it with what the client derived.
func respondFast(r io.Reader, req []byte) ([]byte, *handshake.KeyMaterial, error) {
	if len(req) < cell.FastMaterialLen {
		return nil, nil, fmt.Errorf("testrelay: fast request length %d", len(req))
	}
	resp := new(cell.CreatedFastPayload)
	if _, err := io.ReadFull(r, resp.ServerMaterial[:]); err != nil {
		return nil, nil, err
	}

	secret := append(append([]byte{}, req[:cell.FastMaterialLen]...), resp.ServerMaterial[:]...)
	raw := handshake.KDFTor(secret, handshake.KeyMaterialLen)
	defer util.ExplicitBzero(raw)

	km := new(handshake.KeyMaterial)
	copy(km.KeyConfirmation[:], raw[0:20])
	copy(km.ForwardDigest[:], raw[20:40])
	copy(km.BackwardDigest[:], raw[40:60])
	copy(km.ForwardKey[:], raw[60:76])
	copy(km.BackwardKey[:], raw[76:92])

	copy(resp.Confirmation[:], km.KeyConfirmation[:])
	return resp.ToBytes(), km, nil
}

// respondNtor answers an ntor request addressed to the relay with the
// given identity and onion private key.
func respondNtor(r io.Reader, identity [handshake.IdentityLen]byte, onionPrivate [handshake.NtorKeyLen]byte, req []byte) ([]byte, *handshake.KeyMaterial, error) {
	if len(req) != handshake.NtorRequestLen {
		return nil, nil, fmt.Errorf("testrelay: ntor request length %d", len(req))
	}
	onionKey, err := curve25519.X25519(onionPrivate[:], curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	const keyOff = handshake.IdentityLen
	if subtle.ConstantTimeCompare(req[:keyOff], identity[:]) != 1 || subtle.ConstantTimeCompare(req[keyOff:keyOff+handshake.NtorKeyLen], onionKey) != 1 {
		return nil, nil, errWrongRelay
	}
	clientPublic := req[keyOff+handshake.NtorKeyLen:]

	var y [handshake.NtorKeyLen]byte
	if _, err := io.ReadFull(r, y[:]); err != nil {
		return nil, nil, err
	}
	serverPublic, err := curve25519.X25519(y[:], curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	xy, err := curve25519.X25519(y[:], clientPublic)
	if err != nil {
		return nil, nil, err
	}
	xb, err := curve25519.X25519(onionPrivate[:], clientPublic)
	if err != nil {
		return nil, nil, err
	}

	var secretInput, authInput []byte
	for _, v := range [][]byte{xy, xb, identity[:], onionKey, clientPublic, serverPublic, []byte(ntorProtoID)} {
		secretInput = append(secretInput, v...)
	}
	for _, v := range [][]byte{mac(ntorTVerify, secretInput), identity[:], onionKey, serverPublic, clientPublic, []byte(ntorProtoID), []byte(ntorServer)} {
		authInput = append(authInput, v...)
	}

	raw := make([]byte, handshake.KeyMaterialLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secretInput, []byte(ntorTKey), []byte(ntorMExpand)), raw); err != nil {
		return nil, nil, err
	}
	km := new(handshake.KeyMaterial)
	copy(km.ForwardDigest[:], raw[0:20])
	copy(km.BackwardDigest[:], raw[20:40])
	copy(km.ForwardKey[:], raw[40:56])
	copy(km.BackwardKey[:], raw[56:72])
	copy(km.KeyConfirmation[:], raw[72:92])

	return append(serverPublic, mac(ntorTMac, authInput)...), km, nil
}

func mac(key string, msg []byte) []byte {
	h := hmac.New(sha256.New, []byte(key))
	h.Write(msg)
	return h.Sum(nil)
}
