// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWorkerHalt(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	var w Worker
	var stopped int32
	for i := 0; i < 4; i++ {
		w.Go(func() {
			<-w.HaltCh()
			atomic.AddInt32(&stopped, 1)
		})
	}
	w.Halt()
	require.Equal(int32(4), atomic.LoadInt32(&stopped))

	// A second Halt must not panic on the closed channel.
	require.NotPanics(w.Halt)
}

func TestWorkerHaltContext(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	var w Worker
	ctx, cancelFn := w.HaltContext(context.Background())
	defer cancelFn()

	w.Halt()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		require.FailNow("context not cancelled by Halt")
	}
}
