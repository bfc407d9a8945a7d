// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package instrument exports Prometheus counters for links, cells and
// circuits.
package instrument

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	cellsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "torlink_cells_sent_total",
			Help: "Number of cells written to links",
		},
		[]string{"command"},
	)
	cellsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "torlink_cells_received_total",
			Help: "Number of cells read from links",
		},
		[]string{"command"},
	)
	circuitsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "torlink_circuits_created_total",
			Help: "Number of hops successfully added to circuits",
		},
		[]string{"handshake"},
	)
	handshakeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "torlink_handshake_failures_total",
			Help: "Number of failed circuit handshakes",
		},
		[]string{"handshake", "reason"},
	)
	circuitsDestroyed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "torlink_circuits_destroyed_total",
			Help: "Number of circuits destroyed",
		},
		[]string{"origin"},
	)
	links = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "torlink_links_total",
			Help: "Number of link handshakes attempted",
		},
		[]string{"result"},
	)

	initOnce sync.Once
)

// Init registers the metrics with the default registry.  It is safe to
// call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(cellsSent)
		prometheus.MustRegister(cellsReceived)
		prometheus.MustRegister(circuitsCreated)
		prometheus.MustRegister(handshakeFailures)
		prometheus.MustRegister(circuitsDestroyed)
		prometheus.MustRegister(links)
	})
}

// Handler returns the HTTP handler exposing the registered metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

func CellSent(command string) {
	cellsSent.With(prometheus.Labels{"command": command}).Inc()
}

func CellReceived(command string) {
	cellsReceived.With(prometheus.Labels{"command": command}).Inc()
}

func CircuitCreated(handshake string) {
	circuitsCreated.With(prometheus.Labels{"handshake": handshake}).Inc()
}

func HandshakeFailed(handshake, reason string) {
	handshakeFailures.With(prometheus.Labels{"handshake": handshake, "reason": reason}).Inc()
}

// CircuitDestroyed counts a destroyed circuit, origin being "local" or
// "remote".
func CircuitDestroyed(origin string) {
	circuitsDestroyed.With(prometheus.Labels{"origin": origin}).Inc()
}

// Link counts a link handshake outcome.
func Link(result string) {
	links.With(prometheus.Labels{"result": result}).Inc()
}
