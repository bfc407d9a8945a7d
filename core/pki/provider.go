// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package pki

import (
	"context"
	"errors"
	"fmt"
)

// ErrNoSuchRelay is returned when a Provider does not know a relay.
var ErrNoSuchRelay = errors.New("pki: no such relay")

// Provider is the abstract interface used to look up relays.
type Provider interface {
	// Get returns the descriptor of the named relay.
	Get(ctx context.Context, nickname string) (*RelayDescriptor, error)

	// Path returns the relays of a circuit, guard first.
	Path(ctx context.Context) ([]*RelayDescriptor, error)
}

// StaticProvider is a Provider over a fixed list of relays, whose order is
// also the circuit path.
type StaticProvider struct {
	relays []*RelayDescriptor
	byName map[string]*RelayDescriptor
}

// NewStaticProvider validates relays and returns a provider serving them.
func NewStaticProvider(relays ...*RelayDescriptor) (*StaticProvider, error) {
	p := &StaticProvider{
		byName: make(map[string]*RelayDescriptor),
	}
	for _, d := range relays {
		if err := IsDescriptorWellFormed(d); err != nil {
			return nil, err
		}
		if _, ok := p.byName[d.Nickname]; ok {
			return nil, fmt.Errorf("pki: duplicate relay '%v'", d.Nickname)
		}
		p.byName[d.Nickname] = d
		p.relays = append(p.relays, d)
	}
	return p, nil
}

// Get implements Provider.
func (p *StaticProvider) Get(ctx context.Context, nickname string) (*RelayDescriptor, error) {
	d, ok := p.byName[nickname]
	if !ok {
		return nil, fmt.Errorf("%w: '%v'", ErrNoSuchRelay, nickname)
	}
	return d, nil
}

// Path implements Provider.
func (p *StaticProvider) Path(ctx context.Context) ([]*RelayDescriptor, error) {
	if len(p.relays) == 0 {
		return nil, ErrNoSuchRelay
	}
	return append([]*RelayDescriptor{}, p.relays...), nil
}
