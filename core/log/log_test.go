// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package log

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	lvl, err := ParseLevel("debug")
	require.NoError(err)
	require.Equal(logging.DEBUG, lvl)

	_, err = ParseLevel("LOUD")
	require.Error(err)
}

func TestFileBackend(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	f := filepath.Join(t.TempDir(), "torlink.log")
	b, err := New(f, "INFO", false)
	require.NoError(err)

	l := b.GetLogger("link:test")
	l.Debug("not written")
	l.Notice("circuit built")
	require.NoError(b.Reopen())

	raw, err := os.ReadFile(f)
	require.NoError(err)
	require.Contains(string(raw), "link:test: circuit built")
	require.NotContains(string(raw), "not written")
}

func TestDiscardBackend(t *testing.T) {
	t.Parallel()
	b := NewDiscard()
	require.NotPanics(t, func() { b.GetLogger("discard").Error("dropped") })
}
