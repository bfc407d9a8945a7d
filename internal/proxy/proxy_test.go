// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package proxy

import (
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFixupAndValidate(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	cfg := &Config{}
	require.NoError(cfg.FixupAndValidate())
	require.Equal(typeNone, cfg.Type)
	require.Nil(cfg.ToDialContext("relay"))

	for _, bad := range []*Config{
		{Type: "http"},
		{Type: "socks5", Network: "udp", Address: "127.0.0.1:9050"},
		{Type: "socks5", Network: "tcp", Address: "localhost:9050"},
		{Type: "socks5", Network: "tcp", Address: "127.0.0.1:9050", User: "alice"},
		{Type: "tor+socks5", Network: "tcp", Address: "127.0.0.1:9050", User: "alice", Password: "secret"},
		{Type: "socks5", Network: "tcp", Address: "127.0.0.1:9050", User: strings.Repeat("u", 256), Password: "p"},
		{Type: "socks5", Network: "unix", Address: "/nonexistent/socket"},
	} {
		require.Error(bad.FixupAndValidate(), "%+v", bad)
	}

	cfg = &Config{Type: "SOCKS5", Network: "TCP", Address: "127.0.0.1:9050", User: "alice", Password: "secret"}
	require.NoError(cfg.FixupAndValidate())
	require.Equal(typeSocks5, cfg.Type)
	require.Equal(netTCP, cfg.Network)
	require.NotNil(cfg.auth)
}

// serveSOCKS5 answers one CONNECT with username/password authentication,
// reporting the credentials and target port it saw.
func serveSOCKS5(t *testing.T, ln net.Listener, userCh chan<- string) {
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	buf := make([]byte, 512)
	if _, err := io.ReadFull(conn, buf[:2]); err != nil {
		return
	}
	if _, err := io.ReadFull(conn, buf[:buf[1]]); err != nil {
		return
	}
	conn.Write([]byte{0x05, 0x02})

	if _, err := io.ReadFull(conn, buf[:2]); err != nil {
		return
	}
	user := make([]byte, buf[1])
	io.ReadFull(conn, user)
	io.ReadFull(conn, buf[:1])
	io.ReadFull(conn, buf[:buf[0]])
	conn.Write([]byte{0x01, 0x00})

	// VER CMD RSV ATYP(IPv4) ADDR PORT
	if _, err := io.ReadFull(conn, buf[:10]); err != nil {
		return
	}
	conn.Write([]byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
	userCh <- string(user)
	io.Copy(conn, conn)
}

func TestTorSocks5Isolation(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	ctx, cancelFn := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFn()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	defer ln.Close()

	cfg := &Config{Type: "tor+socks5", Network: "tcp", Address: ln.Addr().String()}
	require.NoError(cfg.FixupAndValidate())

	userCh := make(chan string, 3)
	var users []string
	for _, tag := range []string{"relay-a", "relay-b", "relay-a"} {
		go serveSOCKS5(t, ln, userCh)
		conn, err := cfg.ToDialContext(tag)(ctx, "tcp", "192.0.2.7:9001")
		require.NoError(err)

		_, err = conn.Write([]byte("ping"))
		require.NoError(err)
		echo := make([]byte, 4)
		_, err = io.ReadFull(conn, echo)
		require.NoError(err)
		require.Equal("ping", string(echo))
		conn.Close()

		users = append(users, <-userCh)
	}
	require.True(strings.HasPrefix(users[0], torSocks5ProcessIsolation))
	require.NotEqual(users[0], users[1])
	require.Equal(users[0], users[2])
}
