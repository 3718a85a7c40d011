// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

// Package emulator is an in-process stand-in for the relay service, the
// login gateway and a threshold-signing node set. It exposes only the public
// contracts the pkpauth clients speak; its share scheme (a deterministic
// Shamir split of an ordinary ECDSA signature) is not a threshold protocol.
package emulator

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aplane-algo/pkpauth/internal/ethkey"
	"github.com/aplane-algo/pkpauth/internal/logging"
)

// Options configures an Emulator.
type Options struct {
	// Network is the name reported by the nodes (default: localhost).
	Network string
	// Nodes and Threshold size the node set (default: 3 and 2).
	Nodes     int
	Threshold int

	Relay RelayOptions

	// ExecuteRate and ExecuteBurst bound executions per session key on
	// each node (0 disables). Over the limit a node answers RateLimited.
	ExecuteRate  float64
	ExecuteBurst int

	// Verifier checks identity tokens. When nil an HMACTokens keyed by
	// TokenSecret is used, and the gateway issues tokens from it.
	Verifier    TokenVerifier
	TokenSecret []byte
	TokenTTL    time.Duration

	// Registry receives the emulator's metrics (optional).
	Registry *prometheus.Registry

	Logger *slog.Logger
	Now    func() time.Time
}

// Emulator bundles the emulated services over one shared keyring.
type Emulator struct {
	keyring  *Keyring
	tokens   *HMACTokens
	relay    *Relay
	gateway  *Gateway
	nodes    []*Node
	net      *network
	metrics  *Metrics
	registry *prometheus.Registry
}

// New builds an emulator. Nothing listens until the handlers are served.
func New(opts Options) (*Emulator, error) {
	if opts.Network == "" {
		opts.Network = "localhost"
	}
	if opts.Nodes == 0 {
		opts.Nodes = 3
	}
	if opts.Threshold == 0 {
		opts.Threshold = 2
	}
	if opts.Threshold < 1 || opts.Threshold > opts.Nodes {
		return nil, fmt.Errorf("threshold %d out of range for %d nodes", opts.Threshold, opts.Nodes)
	}
	if opts.TokenTTL == 0 {
		opts.TokenTTL = time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := logging.Or(opts.Logger)

	var tokens *HMACTokens
	if len(opts.TokenSecret) > 0 {
		tokens = NewHMACTokens(opts.TokenSecret, "pkpemu")
		tokens.now = opts.Now
	}
	verifier := opts.Verifier
	switch {
	case verifier == nil && tokens == nil:
		return nil, errors.New("either Verifier or TokenSecret is required")
	case verifier == nil:
		verifier = tokens
	case tokens != nil:
		verifier = Verifiers{verifier, tokens}
	}

	var reg prometheus.Registerer
	if opts.Registry != nil {
		reg = opts.Registry
	}
	metrics := NewMetrics(reg)
	keyring := NewKeyring()

	netKey, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate network key: %w", err)
	}
	net := &network{
		name:             opts.Network,
		threshold:        opts.Threshold,
		networkPublicKey: ethkey.PublicKeyHex(netKey.PubKey()),
		keyring:          keyring,
		verifier:         verifier,
		metrics:          metrics,
		log:              log,
		now:              opts.Now,
		executeRate:      opts.ExecuteRate,
		executeBurst:     opts.ExecuteBurst,
	}

	e := &Emulator{
		keyring:  keyring,
		tokens:   tokens,
		relay:    newRelay(opts.Relay, keyring, verifier, metrics, log, opts.Now),
		net:      net,
		metrics:  metrics,
		registry: opts.Registry,
	}
	if tokens != nil {
		e.gateway = NewGateway(tokens, opts.TokenTTL)
	}
	for i := 1; i <= opts.Nodes; i++ {
		e.nodes = append(e.nodes, newNode(net, uint32(i)))
	}
	return e, nil
}

// Keyring returns the shared keyring.
func (e *Emulator) Keyring() *Keyring {
	return e.keyring
}

// Tokens returns the token issuer, or nil when no TokenSecret was given.
func (e *Emulator) Tokens() *HMACTokens {
	return e.tokens
}

// Metrics returns the emulator's collectors.
func (e *Emulator) Metrics() *Metrics {
	return e.metrics
}

// RelayHandler serves the relay API.
func (e *Emulator) RelayHandler() http.Handler {
	return e.relay.Handler()
}

// GatewayHandler serves the login gateway, or nil without a TokenSecret.
func (e *Emulator) GatewayHandler() http.Handler {
	if e.gateway == nil {
		return nil
	}
	return e.gateway.Handler()
}

// Nodes returns the emulated nodes in share-index order.
func (e *Emulator) Nodes() []*Node {
	return append([]*Node(nil), e.nodes...)
}

// MetricsHandler serves the registry in the Prometheus exposition format.
func (e *Emulator) MetricsHandler() http.Handler {
	if e.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// SetExecuteFailure makes every node reject executions while on.
func (e *Emulator) SetExecuteFailure(on bool) {
	e.net.failExecute.Store(on)
}
