// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package common provides helpers shared by the torlink command line tools.
package common

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"charm.land/lipgloss/v2"
	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/colorprofile"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
)

// flagErrors are fragments of the errors cobra and pflag return for a bad
// command line.  They are plain strings, so matching them is all there is.
var flagErrors = []string{
	"flag needs an argument:",
	"unknown flag:",
	"unknown shorthand flag:",
	"unknown command",
	"invalid argument",
	"required flag",
	"accepts",
	"arg(s), received",
}

// UsageError is an error caused by how a tool was invoked or configured
// rather than by the network.  Hint, if set, is printed after the error.
type UsageError struct {
	Hint string
	Err  error
}

// Error implements the error interface.
func (e *UsageError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *UsageError) Unwrap() error {
	return e.Err
}

// ConfigError wraps a failure to load the configuration file f.
func ConfigError(f string, err error) error {
	if f == "" {
		return &UsageError{
			Hint: "Pass the configuration file with -c.",
			Err:  errors.New("config file must be specified"),
		}
	}
	return &UsageError{
		Hint: "Each [[Relays]] entry needs an ip:port Address, a hex Identity and a base64 NtorOnionKey.",
		Err:  fmt.Errorf("failed to load config file '%v': %w", f, err),
	}
}

// ExecuteWithFang runs cmd under fang with the version and error handler
// every torlink tool uses, exiting with status 1 on failure.
func ExecuteWithFang(cmd *cobra.Command) {
	if err := fang.Execute(
		context.Background(),
		cmd,
		fang.WithVersion(versioninfo.Short()),
		fang.WithErrorHandler(ErrorHandlerWithUsage(cmd)),
	); err != nil {
		os.Exit(1)
	}
}

// ErrorHandlerWithUsage returns a fang.ErrorHandler that prints the error.
// Command line errors are followed by the command's help, configuration
// errors by their hint, and everything else by a pointer to --help.
func ErrorHandlerWithUsage(cmd *cobra.Command) fang.ErrorHandler {
	return func(w io.Writer, styles fang.Styles, err error) {
		_, _ = fmt.Fprintln(w, styles.ErrorHeader.String())
		_, _ = fmt.Fprintln(w, styles.ErrorText.Render(err.Error()+"."))
		_, _ = fmt.Fprintln(w)

		var ue *UsageError
		switch {
		case errors.As(err, &ue) && ue.Hint != "":
			_, _ = fmt.Fprintln(w, styles.ErrorText.UnsetWidth().Render(ue.Hint))
			_, _ = fmt.Fprintln(w)
		case IsUsageError(err):
			if helpFunc := cmd.HelpFunc(); helpFunc != nil {
				_ = colorprofile.NewWriter(w, nil)
				helpFunc(cmd, []string{})
			}
		default:
			_, _ = fmt.Fprintln(w, lipgloss.JoinHorizontal(
				lipgloss.Left,
				styles.ErrorText.UnsetWidth().Render("Try"),
				styles.Program.Flag.Render("--help"),
				styles.ErrorText.UnsetWidth().UnsetMargins().UnsetTransform().PaddingLeft(1).Render("for usage."),
			))
			_, _ = fmt.Fprintln(w)
		}
	}
}

// IsUsageError returns true iff err is a UsageError or a command line
// parsing error.
func IsUsageError(err error) bool {
	if err == nil {
		return false
	}
	var ue *UsageError
	if errors.As(err, &ue) {
		return true
	}
	s := err.Error()
	for _, frag := range flagErrors {
		if strings.Contains(s, frag) {
			return true
		}
	}
	return false
}
