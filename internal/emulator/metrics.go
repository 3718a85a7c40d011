// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package emulator

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts emulator traffic.
type Metrics struct {
	RelayRequests *prometheus.CounterVec
	Mints         *prometheus.CounterVec
	NodeCalls     *prometheus.CounterVec
	SignedShares  prometheus.Counter
}

// NewMetrics creates the emulator collectors and registers them with reg
// when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RelayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pkpemu",
			Subsystem: "relay",
			Name:      "requests_total",
			Help:      "Relay requests by route and response code.",
		}, []string{"route", "code"}),
		Mints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pkpemu",
			Subsystem: "relay",
			Name:      "mints_total",
			Help:      "Mint requests by terminal status.",
		}, []string{"status"}),
		NodeCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pkpemu",
			Subsystem: "node",
			Name:      "calls_total",
			Help:      "Signing node RPC calls by method and outcome.",
		}, []string{"method", "outcome"}),
		SignedShares: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pkpemu",
			Subsystem: "node",
			Name:      "signature_shares_total",
			Help:      "Signature shares released by all nodes.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.RelayRequests, m.Mints, m.NodeCalls, m.SignedShares)
	}
	return m
}
