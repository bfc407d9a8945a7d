// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/katzenpost/torlink/circuit"
	"github.com/katzenpost/torlink/config"
	"github.com/katzenpost/torlink/core/link"
	"github.com/katzenpost/torlink/core/log"
	"github.com/katzenpost/torlink/core/pki"
)

type prober struct {
	cfg      *config.Config
	backend  *log.Backend
	beginDir bool
	out      io.Writer

	dialFn func(context.Context, *pki.RelayDescriptor) (*link.Link, error)
}

func (p *prober) report(start time.Time, format string, args ...interface{}) {
	fmt.Fprintf(p.out, "[%8s] %s\n", time.Since(start).Round(time.Millisecond), fmt.Sprintf(format, args...))
}

func (p *prober) probe(ctx context.Context) error {
	path, err := p.cfg.Provider().Path(ctx)
	if err != nil {
		return err
	}
	start := time.Now()

	guard := path[0]
	l, err := p.dialFn(ctx, guard)
	if err != nil {
		return fmt.Errorf("link to %v: %w", guard, err)
	}
	defer l.Close()
	p.report(start, "link to %v ready, version %d", guard, l.Version())

	cCfg := p.cfg.CircuitConfig(p.backend)
	var circ *circuit.Circuit
	if p.cfg.Link.UseCreateFast {
		circ, err = circuit.CreateFast(ctx, l, cCfg)
	} else {
		circ, err = circuit.CreateNtor(ctx, l, guard, cCfg)
	}
	if err != nil {
		return fmt.Errorf("create to %v: %w", guard, err)
	}
	defer circ.Close()
	p.report(start, "circuit %#x created to %v", circ.ID(), guard.Nickname)

	for _, hop := range path[1:] {
		if err := circ.Extend(ctx, hop); err != nil {
			return fmt.Errorf("extend to %v: %w", hop, err)
		}
		p.report(start, "circuit %#x extended to %v, %d hops", circ.ID(), hop.Nickname, circ.Len())
	}

	if p.beginDir {
		id, err := circ.BeginDir(ctx)
		if err != nil {
			return fmt.Errorf("begin_dir: %w", err)
		}
		p.report(start, "directory stream %d connected", id)
		if err := circ.CloseStream(ctx, id); err != nil {
			return fmt.Errorf("end: %w", err)
		}
	}
	return nil
}
