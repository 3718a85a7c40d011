// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

// pkpemu runs a local relay, login gateway and signing node set for
// development against pkpauth's "localhost" network preset.
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/aplane-algo/pkpauth/internal/emulator"
	"github.com/aplane-algo/pkpauth/internal/logging"
	"github.com/aplane-algo/pkpauth/internal/version"
)

func main() {
	printVersion := flag.Bool("version", false, "Print version and exit")
	host := flag.String("host", "127.0.0.1", "Listen address")
	nodePort := flag.Int("node-port", 7470, "Port of the first signing node")
	nodes := flag.Int("nodes", 3, "Number of signing nodes")
	threshold := flag.Int("threshold", 2, "Signature shares required")
	relayPort := flag.Int("relay-port", 7480, "Relay port")
	gatewayPort := flag.Int("gateway-port", 7481, "Login gateway port")
	metricsPort := flag.Int("metrics-port", 7482, "Metrics port (0 disables)")
	tokens := flag.String("tokens", "abc=user-1", "Static identity tokens, comma-separated token=subject pairs")
	secret := flag.String("secret", "", "Gateway token signing secret (default: random)")
	apiKey := flag.String("api-key", "", "Require this relay api-key header")
	pendingPolls := flag.Int("pending-polls", 2, "Status polls answered InProgress before a mint completes")
	rateLimit := flag.Float64("rate", 0, "Relay requests per second per identity (0 disables)")
	executeRate := flag.Float64("execute-rate", 0, "Node executions per second per session key (0 disables)")
	flag.Parse()

	if *printVersion {
		fmt.Printf("pkpemu %s\n", version.String())
		os.Exit(0)
	}

	log := logging.Init(logging.Options{KeepMetadata: true})

	static, err := parseTokens(*tokens)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	key := []byte(*secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		_, _ = rand.Read(key)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	emu, err := emulator.New(emulator.Options{
		Nodes:     *nodes,
		Threshold: *threshold,
		Relay: emulator.RelayOptions{
			APIKey:       *apiKey,
			PendingPolls: *pendingPolls,
			RateLimit:    *rateLimit,
			Burst:        5,
		},
		ExecuteRate:  *executeRate,
		ExecuteBurst: 5,
		Verifier:     static,
		TokenSecret:  key,
		Registry:     reg,
		Logger:       log,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	s, err := start(emu, ports{
		Host:    *host,
		Node:    *nodePort,
		Relay:   *relayPort,
		Gateway: *gatewayPort,
		Metrics: *metricsPort,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("pkpemu running. Point pkpauth at it with:")
	fmt.Printf("  export PKPAUTH_NETWORK=localhost\n")
	fmt.Printf("  export PKPAUTH_NODES=%s\n", strings.Join(s.NodeURLs, ","))
	fmt.Printf("  export PKPAUTH_MIN_NODES=%d\n", *threshold)
	fmt.Printf("  export PKPAUTH_RELAY_URL=%s\n", s.RelayURL)
	fmt.Printf("  export PKPAUTH_GATEWAY_URL=%s\n", s.GatewayURL)
	if *apiKey != "" {
		fmt.Printf("  export PKPAUTH_RELAY_API_KEY=%s\n", *apiKey)
	}
	if s.MetricsURL != "" {
		fmt.Printf("Metrics: %s/metrics\n", s.MetricsURL)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		fmt.Println("\n[*] Shutdown signal received, cleaning up...")
	case err := <-s.Err:
		fmt.Printf("\n[X] Server error: %v\n", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		fmt.Printf("Warning: Server shutdown error: %v\n", err)
	}
	fmt.Println("[✓] Shutdown complete")
}

// parseTokens reads "token=subject,token=subject".
func parseTokens(s string) (emulator.StaticTokens, error) {
	out := emulator.StaticTokens{}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		tok, sub, ok := strings.Cut(pair, "=")
		if !ok || tok == "" || sub == "" {
			return nil, errors.New("tokens: expected token=subject, got " + pair)
		}
		out[tok] = sub
	}
	return out, nil
}
