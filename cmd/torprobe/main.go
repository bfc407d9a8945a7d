// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/katzenpost/torlink/circuit"
	"github.com/katzenpost/torlink/common"
	"github.com/katzenpost/torlink/config"
	"github.com/katzenpost/torlink/core/link"
	"github.com/katzenpost/torlink/core/pki"
	"github.com/katzenpost/torlink/core/retry"
	"github.com/katzenpost/torlink/internal/instrument"
)

// Flags holds the command line configuration.
type Flags struct {
	ConfigFile string
	Fast       bool
	BeginDir   bool
	Metrics    string
	Timeout    time.Duration
	Attempts   int
}

func newRootCommand() *cobra.Command {
	var flags Flags

	cmd := &cobra.Command{
		Use:   "torprobe",
		Short: "Build a Tor circuit through a fixed path of relays",
		Long: `torprobe connects to the first configured relay, negotiates a link,
creates a circuit and extends it through every remaining relay in the
configured path.  Each step is reported as it completes, which makes it
useful for checking that a set of relays is reachable and speaks the
link and circuit protocols correctly.

The path is taken from the [[Relays]] entries of the configuration file,
guard first.`,
		Example: `  # Build a circuit through the configured path
  torprobe -c torlink.toml

  # Create the first hop with CREATE_FAST and open a directory stream
  torprobe -c torlink.toml --fast --begin-dir

  # Expose Prometheus metrics while probing
  torprobe -c torlink.toml --metrics 127.0.0.1:9100`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, flags)
		},
	}

	cmd.Flags().StringVarP(&flags.ConfigFile, "config", "c", "",
		"path to the torlink configuration file (TOML format)")
	cmd.Flags().BoolVar(&flags.Fast, "fast", false,
		"create the first hop with CREATE_FAST instead of ntor")
	cmd.Flags().BoolVar(&flags.BeginDir, "begin-dir", false,
		"open a BEGIN_DIR stream on the final hop")
	cmd.Flags().StringVar(&flags.Metrics, "metrics", "",
		"serve Prometheus metrics on this address")
	cmd.Flags().DurationVarP(&flags.Timeout, "timeout", "t", 2*time.Minute,
		"overall time limit for the probe")
	cmd.Flags().IntVarP(&flags.Attempts, "attempts", "n", 1,
		"number of times to try building the circuit on transient failures")

	return cmd
}

func main() {
	common.ExecuteWithFang(newRootCommand())
}

func run(cmd *cobra.Command, flags Flags) error {
	if flags.ConfigFile == "" {
		return common.ConfigError("", nil)
	}
	cfg, err := config.LoadFile(flags.ConfigFile)
	if err != nil {
		return common.ConfigError(flags.ConfigFile, err)
	}
	if flags.Fast {
		cfg.Link.UseCreateFast = true
	}

	backend, err := cfg.NewLogBackend()
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %v", err)
	}
	log := backend.GetLogger("torprobe")

	metricsAddr := cfg.Metrics.Address
	if flags.Metrics != "" {
		metricsAddr = flags.Metrics
	}
	if metricsAddr != "" {
		instrument.Init()
		srv := &http.Server{Addr: metricsAddr, Handler: instrument.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorf("Metrics server failed: %v", err)
			}
		}()
		defer srv.Close()
	}

	ctx, cancelFn := context.WithTimeout(cmd.Context(), flags.Timeout)
	defer cancelFn()
	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(haltCh)
	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)
	defer signal.Stop(rotateCh)
	go func() {
		for {
			select {
			case <-haltCh:
				cancelFn()
				return
			case <-rotateCh:
				if err := backend.Reopen(); err != nil {
					log.Errorf("Failed to reopen log file: %v", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	p := &prober{
		cfg:      cfg,
		backend:  backend,
		beginDir: flags.BeginDir,
		out:      cmd.OutOrStdout(),
		dialFn: func(ctx context.Context, d *pki.RelayDescriptor) (*link.Link, error) {
			return link.Dial(ctx, d.Address, cfg.LinkConfig(backend, d.Nickname))
		},
	}
	policy := retry.Policy{
		MaxAttempts: flags.Attempts,
		Retryable:   circuit.IsTransient,
	}
	return retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		if attempt > 0 {
			log.Noticef("Retrying, attempt %d of %d", attempt+1, flags.Attempts)
		}
		err := p.probe(ctx)
		if err != nil {
			log.Warningf("Probe failed: %v", err)
		}
		return err
	})
}
