// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const basicConfig = `# A basic configuration example.
[Logging]
Disable = true
Level = "debug"

[Link]
Versions = [ 4, 5 ]
CircuitTimeout = 10
UseCreateFast = true

[UpstreamProxy]
Type = "tor+socks5"
Network = "tcp"
Address = "127.0.0.1:9050"

[Metrics]
Address = "127.0.0.1:9100"

[[Relays]]
Nickname = "guard"
Address = "192.0.2.1:9001"
Identity = "$C1C2C3C4C5C6C7C8C9CACBCCCDCECFD0D1D2D3D4"
Ed25519Identity = "AQIDBAUGBwgJCgsMDQ4PEBESExQVFhcYGRobHB0eHyA"
NtorOnionKey = "rUOL+uMfbAk9YdQzklXqeYCSyfrdB7l4J/Swrp3ufBw="

[[Relays]]
Nickname = "middle"
Address = "192.0.2.2:443"
Identity = "0102030405060708090a0b0c0d0e0f1011121314"
NtorOnionKey = "rUOL+uMfbAk9YdQzklXqeYCSyfrdB7l4J/Swrp3ufBw"
`

func TestConfig(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	_, err := Load(nil)
	require.Error(err, "Load() with nil config")

	cfg, err := Load([]byte(basicConfig))
	require.NoError(err, "Load() with basic config")
	require.Equal("DEBUG", cfg.Logging.Level)
	require.True(cfg.Link.UseCreateFast)
	require.Equal(defaultHandshakeTimeout, cfg.Link.HandshakeTimeout)

	path, err := cfg.Provider().Path(context.Background())
	require.NoError(err)
	require.Len(path, 2)
	require.Equal("guard", path[0].Nickname)
	require.True(path[0].HasEd25519Identity())
	require.False(path[1].HasEd25519Identity())
	require.Equal(byte(0x14), path[1].Identity[19])

	backend, err := cfg.NewLogBackend()
	require.NoError(err)
	lCfg := cfg.LinkConfig(backend, "guard")
	require.Equal([]uint16{4, 5}, lCfg.Versions)
	require.Equal(30*time.Second, lCfg.HandshakeTimeout)
	require.NotNil(lCfg.DialContextFn)
	require.NoError(lCfg.FixupAndValidate())

	cCfg := cfg.CircuitConfig(backend)
	require.Equal(10*time.Second, cCfg.HandshakeTimeout)
	require.Equal("tor+socks5", cfg.UpstreamProxyConfig().Type)
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	cfg, err := Load([]byte(`
[[Relays]]
Nickname = "guard"
Address = "192.0.2.1:9001"
Identity = "C1C2C3C4C5C6C7C8C9CACBCCCDCECFD0D1D2D3D4"
NtorOnionKey = "rUOL+uMfbAk9YdQzklXqeYCSyfrdB7l4J/Swrp3ufBw"
`))
	require.NoError(err)
	require.Equal(defaultLogLevel, cfg.Logging.Level)
	require.Equal(defaultCircuitTimeout, cfg.Link.CircuitTimeout)
	require.Equal("none", cfg.UpstreamProxyConfig().Type)
	require.Nil(cfg.LinkConfig(nil, "guard").DialContextFn)
}

func TestConfigInvalid(t *testing.T) {
	t.Parallel()

	const relay = `
[[Relays]]
Nickname = "guard"
Address = "192.0.2.1:9001"
Identity = "C1C2C3C4C5C6C7C8C9CACBCCCDCECFD0D1D2D3D4"
NtorOnionKey = "rUOL+uMfbAk9YdQzklXqeYCSyfrdB7l4J/Swrp3ufBw"
`
	for name, body := range map[string]string{
		"no relays":     "[Logging]\nLevel = \"INFO\"\n",
		"log level":     "[Logging]\nLevel = \"LOUD\"\n" + relay,
		"link version":  "[Link]\nVersions = [ 3 ]\n" + relay,
		"proxy type":    "[UpstreamProxy]\nType = \"http\"\n" + relay,
		"metrics":       "[Metrics]\nAddress = \"localhost:9100\"\n" + relay,
		"unknown key":   "[Link]\nFoo = 1\n" + relay,
		"bad identity":  "[[Relays]]\nNickname = \"x\"\nAddress = \"192.0.2.1:1\"\nIdentity = \"00\"\nNtorOnionKey = \"rUOL+uMfbAk9YdQzklXqeYCSyfrdB7l4J/Swrp3ufBw\"\n",
		"duplicate":     relay + relay,
		"bad address":   "[[Relays]]\nNickname = \"x\"\nAddress = \"relay.example:1\"\nIdentity = \"C1C2C3C4C5C6C7C8C9CACBCCCDCECFD0D1D2D3D4\"\nNtorOnionKey = \"rUOL+uMfbAk9YdQzklXqeYCSyfrdB7l4J/Swrp3ufBw\"\n",
		"bad onion key": "[[Relays]]\nNickname = \"x\"\nAddress = \"192.0.2.1:1\"\nIdentity = \"C1C2C3C4C5C6C7C8C9CACBCCCDCECFD0D1D2D3D4\"\nNtorOnionKey = \"AAAA\"\n",
	} {
		_, err := Load([]byte(body))
		require.Error(t, err, name)
	}
}

func TestLoadFile(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	f := filepath.Join(t.TempDir(), "torlink.toml")
	require.NoError(os.WriteFile(f, []byte(basicConfig), 0600))
	cfg, err := LoadFile(f)
	require.NoError(err)
	require.Len(cfg.Relays, 2)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(err)
}
