// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package emulator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/dop251/goja"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/aplane-algo/pkpauth/internal/ethkey"
	"github.com/aplane-algo/pkpauth/internal/identity"
	"github.com/aplane-algo/pkpauth/internal/relay"
)

var fastPoll = relay.PollPolicy{Interval: 5 * time.Millisecond, MaxAttempts: 10, Timeout: 5 * time.Second}

func newTestEmulator(t *testing.T, opts Options) *Emulator {
	t.Helper()
	if opts.Verifier == nil {
		opts.Verifier = StaticTokens{"abc": "user-1"}
	}
	if opts.TokenSecret == nil {
		opts.TokenSecret = []byte("secret")
	}
	emu, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return emu
}

func TestNewValidatesOptions(t *testing.T) {
	if _, err := New(Options{Nodes: 2, Threshold: 3, TokenSecret: []byte("s")}); err == nil {
		t.Error("threshold above node count accepted")
	}
	if _, err := New(Options{}); err == nil {
		t.Error("missing verifier accepted")
	}
	emu, err := New(Options{Verifier: StaticTokens{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if emu.GatewayHandler() != nil {
		t.Error("gateway served without a token secret")
	}
	if len(emu.Nodes()) != 3 {
		t.Errorf("Nodes() = %d, want 3", len(emu.Nodes()))
	}
}

func TestRelayListAndMint(t *testing.T) {
	reg := prometheus.NewRegistry()
	emu := newTestEmulator(t, Options{Registry: reg, Relay: RelayOptions{APIKey: "k", PendingPolls: 2}})
	srv := httptest.NewServer(emu.RelayHandler())
	defer srv.Close()

	client := relay.New(srv.URL, &relay.Options{APIKey: "k", Poll: fastPoll})
	a := identity.Assertion{Token: "abc", Provider: identity.ProviderGoogle}
	ctx := context.Background()

	pkps, err := client.ListKeyPairs(ctx, a)
	if err != nil {
		t.Fatalf("ListKeyPairs: %v", err)
	}
	if len(pkps) != 0 {
		t.Fatalf("fresh identity has %d PKPs", len(pkps))
	}

	req, err := client.RequestMint(ctx, a)
	if err != nil {
		t.Fatalf("RequestMint: %v", err)
	}
	kp, err := client.PollMint(ctx, req.RequestID)
	if err != nil {
		t.Fatalf("PollMint: %v", err)
	}
	if derived, _ := ethkey.AddressFromPublicKey(kp.PublicKey); derived != kp.Address {
		t.Errorf("address %s does not match public key (%s)", kp.Address, derived)
	}

	pkps, err = client.ListKeyPairs(ctx, a)
	if err != nil || len(pkps) != 1 || pkps[0].Address != kp.Address {
		t.Fatalf("ListKeyPairs after mint = %v, %v", pkps, err)
	}

	if got := testutil.ToFloat64(emu.Metrics().Mints.WithLabelValues("succeeded")); got != 1 {
		t.Errorf("succeeded mints = %v, want 1", got)
	}
	if got := testutil.ToFloat64(emu.Metrics().RelayRequests.WithLabelValues("status", "200")); got != 3 {
		t.Errorf("status requests = %v, want 3", got)
	}
}

func TestRelayRejects(t *testing.T) {
	emu := newTestEmulator(t, Options{Relay: RelayOptions{APIKey: "k", RateLimit: 0.001, Burst: 1}})
	srv := httptest.NewServer(emu.RelayHandler())
	defer srv.Close()
	ctx := context.Background()
	a := identity.Assertion{Token: "abc", Provider: identity.ProviderGoogle}

	var statusErr *relay.StatusError

	_, err := relay.New(srv.URL, nil).ListKeyPairs(ctx, a)
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("missing api key: err = %v", err)
	}

	client := relay.New(srv.URL, &relay.Options{APIKey: "k"})
	bad := identity.Assertion{Token: "nope", Provider: identity.ProviderGoogle}
	if _, err := client.ListKeyPairs(ctx, bad); !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad token: err = %v", err)
	}

	if _, err := client.ListKeyPairs(ctx, a); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if _, err := client.ListKeyPairs(ctx, a); !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("second request: err = %v, want 429", err)
	}
}

func TestRelayFailedMint(t *testing.T) {
	emu := newTestEmulator(t, Options{Relay: RelayOptions{FailMints: true}})
	srv := httptest.NewServer(emu.RelayHandler())
	defer srv.Close()

	client := relay.New(srv.URL, &relay.Options{Poll: fastPoll})
	a := identity.Assertion{Token: "abc", Provider: identity.ProviderGoogle}
	req, err := client.RequestMint(context.Background(), a)
	if err != nil {
		t.Fatalf("RequestMint: %v", err)
	}
	if _, err := client.PollMint(context.Background(), req.RequestID); !errors.Is(err, relay.ErrMintFailed) {
		t.Errorf("PollMint err = %v, want ErrMintFailed", err)
	}
	if _, err := client.PollMint(context.Background(), "unknown"); err == nil {
		t.Error("unknown request id succeeded")
	}
}

func TestGatewayRedirect(t *testing.T) {
	emu := newTestEmulator(t, Options{})
	srv := httptest.NewServer(emu.GatewayHandler())
	defer srv.Close()

	const returnURI = "http://127.0.0.1:9999/callback"
	h := identity.NewHandler(identity.Options{GatewayURL: srv.URL})
	loginURL, err := h.BuildLoginURL(returnURI)
	if err != nil {
		t.Fatalf("BuildLoginURL: %v", err)
	}

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err := client.Get(loginURL + "&subject=alice")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d, want 302", resp.StatusCode)
	}

	location := resp.Header.Get("Location")
	if !h.IsRedirectCallback(location, returnURI) {
		t.Fatalf("%q is not a callback", location)
	}
	a, err := h.ExtractAssertion(location, returnURI)
	if err != nil {
		t.Fatalf("ExtractAssertion: %v", err)
	}
	subject, err := emu.Tokens().Verify(a.Token)
	if err != nil || subject != "alice" {
		t.Errorf("Verify = %q, %v; want alice", subject, err)
	}

	resp, err = client.Get(srv.URL + "/auth/google?app_redirect=javascript:alert(1)")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad redirect status = %d, want 400", resp.StatusCode)
	}
}

func TestHMACTokens(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tokens := NewHMACTokens([]byte("k"), "iss")
	tokens.now = func() time.Time { return now }

	tok, err := tokens.Issue("bob", time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if sub, err := tokens.Verify(tok); err != nil || sub != "bob" {
		t.Errorf("Verify = %q, %v", sub, err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := tokens.Verify(tok); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expired token: err = %v", err)
	}
	if _, err := NewHMACTokens([]byte("other"), "iss").Verify(tok); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("wrong key: err = %v", err)
	}
}

func TestSignatureShareDeterministic(t *testing.T) {
	k := NewKeyring()
	kp, err := k.Mint("u")
	if err != nil {
		t.Fatal(err)
	}
	p, err := k.lookup(kp.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	hash := ethkey.HashMessage([]byte("m"))

	a, err := signatureShare(p, hash, 2, 3)
	if err != nil {
		t.Fatal(err)
	}
	b, err := signatureShare(p, hash, 2, 3)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("shares differ:\n%+v\n%+v", a, b)
	}
	c, _ := signatureShare(p, hash, 3, 3)
	if c.S == a.S || c.R != a.R {
		t.Error("shares at different indexes should differ only in s")
	}

	if _, err := k.lookup(ethkey.PublicKeyHex(mustKey(t).PubKey())); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("lookup unknown: err = %v", err)
	}
	if got := k.List("u"); len(got) != 1 || got[0] != kp {
		t.Errorf("List = %v", got)
	}
}

func TestExportBytes(t *testing.T) {
	vm := goja.New()
	tests := []struct {
		src     string
		want    []byte
		wantErr bool
	}{
		{"[1, 2, 255]", []byte{1, 2, 255}, false},
		{"'0x0aff'", []byte{0x0a, 0xff}, false},
		{"[256]", nil, true},
		{"[-1]", nil, true},
		{"({})", nil, true},
		{"undefined", nil, true},
	}
	for _, tt := range tests {
		v, err := vm.RunString(tt.src)
		if err != nil {
			t.Fatalf("%s: %v", tt.src, err)
		}
		got, err := exportBytes(v)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: err = %v, wantErr %v", tt.src, err, tt.wantErr)
			continue
		}
		if string(got) != string(tt.want) {
			t.Errorf("%s: got %v, want %v", tt.src, got, tt.want)
		}
	}
}

func TestMetricsHandler(t *testing.T) {
	emu := newTestEmulator(t, Options{})
	rec := httptest.NewRecorder()
	emu.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("no registry: status = %d, want 404", rec.Code)
	}

	reg := prometheus.NewRegistry()
	emu = newTestEmulator(t, Options{Registry: reg})
	emu.Metrics().SignedShares.Inc()
	rec = httptest.NewRecorder()
	emu.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := testutil.ToFloat64(emu.Metrics().SignedShares); got != 1 {
		t.Errorf("signed shares = %v, want 1", got)
	}
}

func mustKey(t *testing.T) *secp256k1.PrivateKey {
	t.Helper()
	k, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	return k
}
