// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package testutil

import (
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/aplane-algo/pkpauth/internal/emulator"
	"github.com/aplane-algo/pkpauth/internal/litnode"
	"github.com/aplane-algo/pkpauth/internal/relay"
)

// Network is a running emulated relay, gateway and node set.
type Network struct {
	Emulator   *emulator.Emulator
	RelayURL   string
	GatewayURL string
	Config     litnode.NetworkConfig

	servers   []*httptest.Server
	closeOnce sync.Once
}

// NetworkOptions tunes StartNetwork. The zero value gives three nodes with
// threshold two, a relay that completes mints on the first poll, and the
// opaque token "abc" bound to identity "user-1".
type NetworkOptions struct {
	Nodes        int
	Threshold    int
	Relay        emulator.RelayOptions
	ExecuteRate  float64
	ExecuteBurst int
	Tokens       emulator.StaticTokens
	TokenSecret  []byte
	Now          func() time.Time
	RequestLimit time.Duration
}

// StartNetwork serves an emulator on loopback httptest servers. The servers
// are closed on test cleanup; tests that check for goroutine leaks should
// call Close themselves first.
func StartNetwork(t *testing.T, opts NetworkOptions) *Network {
	t.Helper()

	tokens := opts.Tokens
	if tokens == nil {
		tokens = emulator.StaticTokens{"abc": "user-1"}
	}
	secret := opts.TokenSecret
	if secret == nil {
		secret = []byte("pkpauth-test-secret")
	}
	emu, err := emulator.New(emulator.Options{
		Nodes:        opts.Nodes,
		Threshold:    opts.Threshold,
		Relay:        opts.Relay,
		ExecuteRate:  opts.ExecuteRate,
		ExecuteBurst: opts.ExecuteBurst,
		Verifier:     tokens,
		TokenSecret:  secret,
		Now:          opts.Now,
	})
	if err != nil {
		t.Fatalf("Failed to create emulator: %v", err)
	}

	n := &Network{Emulator: emu}
	relaySrv := httptest.NewServer(emu.RelayHandler())
	gatewaySrv := httptest.NewServer(emu.GatewayHandler())
	n.servers = append(n.servers, relaySrv, gatewaySrv)
	n.RelayURL = relaySrv.URL
	n.GatewayURL = gatewaySrv.URL

	timeout := opts.RequestLimit
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	n.Config = litnode.NetworkConfig{Name: "localhost", RequestTimeout: timeout}
	for _, node := range emu.Nodes() {
		srv := httptest.NewServer(node.Server())
		n.servers = append(n.servers, srv)
		n.Config.Nodes = append(n.Config.Nodes, srv.URL)
	}
	n.Config.MinNodes = len(n.Config.Nodes)

	t.Cleanup(n.Close)
	return n
}

// Close shuts down every server. It is safe to call more than once.
func (n *Network) Close() {
	n.closeOnce.Do(func() {
		for _, srv := range n.servers {
			srv.CloseClientConnections()
			srv.Close()
		}
	})
}

// Mint creates a PKP for owner directly in the keyring.
func (n *Network) Mint(t *testing.T, owner string) relay.KeyPair {
	t.Helper()

	kp, err := n.Emulator.Keyring().Mint(owner)
	if err != nil {
		t.Fatalf("Failed to mint: %v", err)
	}
	return kp
}
