// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package config provides the torlink client configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/katzenpost/torlink/circuit"
	"github.com/katzenpost/torlink/core/cell"
	"github.com/katzenpost/torlink/core/link"
	"github.com/katzenpost/torlink/core/log"
	"github.com/katzenpost/torlink/core/pki"
	"github.com/katzenpost/torlink/core/utils"
	"github.com/katzenpost/torlink/internal/proxy"
)

const (
	defaultLogLevel         = "NOTICE"
	defaultHandshakeTimeout = 30
	defaultCircuitTimeout   = 60
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl
	return nil
}

// Link is the link and circuit protocol configuration.
type Link struct {
	// Versions are the link protocol versions offered, 4 and 5 if empty.
	Versions []uint16

	// HandshakeTimeout is the number of seconds the TLS and link
	// handshakes may take.
	HandshakeTimeout int

	// CircuitTimeout is the number of seconds to wait for a reply to a
	// CREATE or EXTEND2.
	CircuitTimeout int

	// SendQueueLen is the capacity of each link's outbound cell queue.
	SendQueueLen int

	// CircuitQueueLen is the capacity of each circuit's inbound queue.
	CircuitQueueLen int

	// UseCreateFast creates the first hop with CREATE_FAST instead of
	// ntor.
	UseCreateFast bool
}

func (l *Link) fixup() error {
	if len(l.Versions) == 0 {
		l.Versions = append([]uint16{}, link.DefaultVersions...)
	}
	for _, v := range l.Versions {
		if v < cell.MinLinkVersion {
			return fmt.Errorf("config: Link: Version %d is unsupported", v)
		}
	}
	if l.HandshakeTimeout <= 0 {
		l.HandshakeTimeout = defaultHandshakeTimeout
	}
	if l.CircuitTimeout <= 0 {
		l.CircuitTimeout = defaultCircuitTimeout
	}
	return nil
}

// UpstreamProxy is the outgoing connection proxy configuration.
type UpstreamProxy struct {
	// Type is the proxy type ("none", "socks5", "tor+socks5").
	Type string

	// Network is the proxy address' network (`unix`, `tcp`).
	Network string

	// Address is the proxy's address.
	Address string

	// User is the optional proxy username.
	User string

	// Password is the optional proxy password.
	Password string
}

func (uCfg *UpstreamProxy) toProxyConfig() (*proxy.Config, error) {
	cfg := new(proxy.Config)
	if uCfg != nil {
		cfg.Type = uCfg.Type
		cfg.Network = uCfg.Network
		cfg.Address = uCfg.Address
		cfg.User = uCfg.User
		cfg.Password = uCfg.Password
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Metrics is the Prometheus exporter configuration.
type Metrics struct {
	// Address is the "ip:port" to serve /metrics on, disabled if empty.
	Address string
}

// Relay is a statically configured relay.
type Relay struct {
	// Nickname is the relay's name.
	Nickname string

	// Address is the relay's OR port as "ip:port".
	Address string

	// Identity is the hex encoded RSA identity fingerprint.
	Identity string

	// Ed25519Identity is the optional base64 encoded ed25519 identity.
	Ed25519Identity string

	// NtorOnionKey is the base64 encoded ntor onion key.
	NtorOnionKey string
}

func (r *Relay) toDescriptor() (*pki.RelayDescriptor, error) {
	if err := utils.EnsureAddrIPPort(r.Address); err != nil {
		return nil, fmt.Errorf("config: Relay '%v': Address '%v' is invalid: %v", r.Nickname, r.Address, err)
	}
	d := &pki.RelayDescriptor{
		Nickname: r.Nickname,
		Address:  r.Address,
	}
	var err error
	if d.Identity, err = pki.ParseIdentity(r.Identity); err != nil {
		return nil, fmt.Errorf("config: Relay '%v': %w", r.Nickname, err)
	}
	if d.NtorOnionKey, err = pki.ParseKey32(r.NtorOnionKey); err != nil {
		return nil, fmt.Errorf("config: Relay '%v': NtorOnionKey: %w", r.Nickname, err)
	}
	if r.Ed25519Identity != "" {
		if d.Ed25519Identity, err = pki.ParseKey32(r.Ed25519Identity); err != nil {
			return nil, fmt.Errorf("config: Relay '%v': Ed25519Identity: %w", r.Nickname, err)
		}
	}
	return d, nil
}

// Config is the top level torlink configuration.
type Config struct {
	Logging       *Logging
	Link          *Link
	UpstreamProxy *UpstreamProxy
	Metrics       *Metrics

	// Relays is the circuit path, guard first.
	Relays []*Relay

	upstreamProxy *proxy.Config
	provider      *pki.StaticProvider
}

// UpstreamProxyConfig returns the configured upstream proxy.
func (c *Config) UpstreamProxyConfig() *proxy.Config {
	return c.upstreamProxy
}

// Provider returns the relays as a pki.Provider.
func (c *Config) Provider() *pki.StaticProvider {
	return c.provider
}

// NewLogBackend returns the configured logging backend.
func (c *Config) NewLogBackend() (*log.Backend, error) {
	return log.New(c.Logging.File, c.Logging.Level, c.Logging.Disable)
}

// LinkConfig returns the link configuration.  tag isolates the link's
// upstream proxy connection when the proxy supports it.
func (c *Config) LinkConfig(backend *log.Backend, tag string) *link.Config {
	cfg := &link.Config{
		Versions:         c.Link.Versions,
		HandshakeTimeout: time.Duration(c.Link.HandshakeTimeout) * time.Second,
		SendQueueLen:     c.Link.SendQueueLen,
		CircuitQueueLen:  c.Link.CircuitQueueLen,
		LogBackend:       backend,
	}
	if fn := c.upstreamProxy.ToDialContext(tag); fn != nil {
		cfg.DialContextFn = fn
	}
	return cfg
}

// CircuitConfig returns the circuit configuration.
func (c *Config) CircuitConfig(backend *log.Backend) *circuit.Config {
	return &circuit.Config{
		HandshakeTimeout: time.Duration(c.Link.CircuitTimeout) * time.Second,
		LogBackend:       backend,
	}
}

// FixupAndValidate applies defaults to config entries and validates the
// configuration sections.
func (c *Config) FixupAndValidate() error {
	if len(c.Relays) == 0 {
		return errors.New("config: No Relays were configured")
	}

	// Handle missing sections if possible.
	if c.Logging == nil {
		l := defaultLogging
		c.Logging = &l
	}
	if c.Link == nil {
		c.Link = new(Link)
	}
	if c.Metrics == nil {
		c.Metrics = new(Metrics)
	}

	// Validate/fixup the various sections.
	if err := c.Logging.validate(); err != nil {
		return err
	}
	if err := c.Link.fixup(); err != nil {
		return err
	}
	if c.Metrics.Address != "" {
		if err := utils.EnsureAddrIPPort(c.Metrics.Address); err != nil {
			return fmt.Errorf("config: Metrics: Address '%v' is invalid: %v", c.Metrics.Address, err)
		}
	}
	uCfg, err := c.UpstreamProxy.toProxyConfig()
	if err != nil {
		return err
	}
	c.upstreamProxy = uCfg

	var descs []*pki.RelayDescriptor
	for _, r := range c.Relays {
		d, err := r.toDescriptor()
		if err != nil {
			return err
		}
		descs = append(descs, d)
	}
	if c.provider, err = pki.NewStaticProvider(descs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses, and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
