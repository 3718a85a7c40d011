// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/aplane-algo/pkpauth/internal/emulator"
)

// ports selects listen ports. Node is the first node's port; the rest
// follow consecutively. A zero port picks a free one, except Metrics
// where zero disables the endpoint.
type ports struct {
	Host    string
	Node    int
	Relay   int
	Gateway int
	Metrics int
}

type servers struct {
	NodeURLs   []string
	RelayURL   string
	GatewayURL string
	MetricsURL string

	// Err receives the first serve error.
	Err chan error

	running []*http.Server
}

func listen(host string, port int) (net.Listener, string, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return nil, "", err
	}
	return ln, "http://" + ln.Addr().String(), nil
}

// start serves every emulator endpoint. On error nothing is left running.
func start(emu *emulator.Emulator, p ports) (*servers, error) {
	s := &servers{Err: make(chan error, 1)}

	serve := func(port int, h http.Handler) (string, error) {
		ln, url, err := listen(p.Host, port)
		if err != nil {
			return "", err
		}
		srv := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
		s.running = append(s.running, srv)
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				select {
				case s.Err <- err:
				default:
				}
			}
		}()
		return url, nil
	}

	fail := func(err error) (*servers, error) {
		_ = s.Shutdown(context.Background())
		return nil, err
	}

	for i, node := range emu.Nodes() {
		port := p.Node
		if port != 0 {
			port += i
		}
		url, err := serve(port, node.Server())
		if err != nil {
			return fail(fmt.Errorf("node %d: %w", i, err))
		}
		s.NodeURLs = append(s.NodeURLs, url)
	}

	var err error
	if s.RelayURL, err = serve(p.Relay, emu.RelayHandler()); err != nil {
		return fail(fmt.Errorf("relay: %w", err))
	}
	if gw := emu.GatewayHandler(); gw != nil {
		if s.GatewayURL, err = serve(p.Gateway, gw); err != nil {
			return fail(fmt.Errorf("gateway: %w", err))
		}
	}
	if p.Metrics != 0 {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", emu.MetricsHandler())
		if s.MetricsURL, err = serve(p.Metrics, mux); err != nil {
			return fail(fmt.Errorf("metrics: %w", err))
		}
	}
	return s, nil
}

// Shutdown stops every server.
func (s *servers) Shutdown(ctx context.Context) error {
	var errs []error
	for _, srv := range s.running {
		errs = append(errs, srv.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
