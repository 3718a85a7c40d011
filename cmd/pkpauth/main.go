// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

// pkpauth is a terminal client that signs in with an identity provider,
// lists or mints the identity's key pairs and signs messages with them
// through the threshold signing network.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/aplane-algo/pkpauth/internal/config"
	"github.com/aplane-algo/pkpauth/internal/identity"
	"github.com/aplane-algo/pkpauth/internal/logging"
	"github.com/aplane-algo/pkpauth/internal/orchestrator"
	"github.com/aplane-algo/pkpauth/internal/relay"
	"github.com/aplane-algo/pkpauth/internal/security"
	"github.com/aplane-algo/pkpauth/internal/version"
)

func main() {
	printVersion := flag.Bool("version", false, "Print version and exit")
	dataDir := flag.String("d", "", "Data directory (default: ~/.pkpauth or PKPAUTH_DATA)")
	noBrowser := flag.Bool("no-browser", false, "Print the login URL instead of opening a browser")
	flag.Parse()

	if *printVersion {
		fmt.Printf("pkpauth %s\n", version.String())
		os.Exit(0)
	}

	// Resolve data directory: -d flag > PKPAUTH_DATA env var > ~/.pkpauth
	cfg, err := config.Load(config.ResolveDataDir(*dataDir))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log := logging.Init(logging.Options{Output: os.Stderr, Debug: cfg.Debug})

	// Session keys live only in memory; keep them out of swap and core files.
	security.Harden(log)

	netCfg, err := cfg.NetworkConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	orch, err := orchestrator.New(cfg.RedirectURI,
		orchestrator.WithIdentity(identity.NewHandler(identity.Options{GatewayURL: cfg.GatewayURL})),
		orchestrator.WithKeyCustody(relay.New(cfg.RelayURL, &relay.Options{
			APIKey: cfg.RelayAPIKey,
			Poll:   cfg.Poll.Policy(),
			Logger: log,
		})),
		orchestrator.WithConnector(orchestrator.LitConnector(netCfg, nil)),
		orchestrator.WithScope(cfg.Scope),
		orchestrator.WithLogger(log),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	cb, err := startCallbackServer(cfg.RedirectURI, orch)
	if err != nil {
		orch.Close()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	startREPL(orch, netCfg.Name, !*noBrowser)

	_ = cb.Close() // Best-effort close, errors during shutdown not critical
	orch.Close()
}
