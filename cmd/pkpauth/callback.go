// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package main

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/aplane-algo/pkpauth/internal/logging"
	"github.com/aplane-algo/pkpauth/internal/orchestrator"
)

// locationHandler is the part of the orchestrator the callback needs.
type locationHandler interface {
	HandleLocation(ctx context.Context, location string) (bool, error)
}

const callbackPage = `<!doctype html>
<html><head><title>pkpauth</title></head>
<body><p>%s</p><p>You can close this window and return to the terminal.</p></body></html>
`

// callbackHandler feeds navigations to the redirect address into the
// workflow. base is the scheme and host of the redirect URI.
func callbackHandler(base *url.URL, h locationHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		location := base.Scheme + "://" + base.Host + r.URL.RequestURI()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		handled, err := h.HandleLocation(ctx, location)

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		switch {
		case !handled && err == nil:
			http.NotFound(w, r)
		case err != nil:
			w.WriteHeader(statusFor(err))
			_, _ = fmt.Fprintf(w, callbackPage, "Sign-in failed: "+html.EscapeString(err.Error()))
		default:
			_, _ = fmt.Fprintf(w, callbackPage, "Signed in.")
		}
	})
}

func statusFor(err error) int {
	var te *orchestrator.TransitionError
	switch {
	case errors.As(err, &te), errors.Is(err, orchestrator.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

// startCallbackServer listens on the redirect URI's host and port.
func startCallbackServer(redirectURI string, h locationHandler) (*http.Server, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return nil, fmt.Errorf("redirect URI: %w", err)
	}
	if u.Scheme != "http" {
		return nil, fmt.Errorf("redirect URI %q: only http loopback addresses can be served locally", redirectURI)
	}
	addr := u.Host
	if u.Port() == "" {
		addr = net.JoinHostPort(u.Hostname(), "80")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen for login callback: %w", err)
	}

	srv := &http.Server{
		Handler:           callbackHandler(u, h),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Logger().Error("callback server stopped", "error", err)
		}
	}()
	logging.Logger().Debug("listening for login callback", "addr", ln.Addr().String())
	return srv, nil
}
