// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"go.uber.org/goleak"

	"github.com/aplane-algo/pkpauth/internal/ethkey"
	"github.com/aplane-algo/pkpauth/internal/identity"
)

var testAssertion = identity.Assertion{Token: "abc", Provider: identity.ProviderGoogle}

func testKeyPair(t *testing.T, seed byte) KeyPair {
	t.Helper()
	raw := make([]byte, 32)
	raw[0] = 1
	raw[31] = seed
	pub := secp256k1.PrivKeyFromBytes(raw).PubKey()
	return KeyPair{Address: ethkey.PublicKeyToAddress(pub), PublicKey: ethkey.PublicKeyHex(pub)}
}

func fastPolicy() PollPolicy {
	return PollPolicy{Interval: 5 * time.Millisecond, Multiplier: 1, MaxAttempts: 5, Timeout: 2 * time.Second}
}

func newClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		srv.Client().CloseIdleConnections()
		srv.Close()
	})
	return New(srv.URL, &Options{HTTPClient: srv.Client(), Poll: fastPolicy(), APIKey: "k1"})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestListKeyPairs(t *testing.T) {
	kp := testKeyPair(t, 1)
	lower := KeyPair{Address: strings.ToLower(kp.Address), PublicKey: strings.TrimPrefix(kp.PublicKey, "0x")}

	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/auth/google/userinfo" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("api-key") != "k1" {
			t.Errorf("api-key header = %q", r.Header.Get("api-key"))
		}
		var body idTokenBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.IDToken != "abc" {
			t.Errorf("body = %+v, err = %v", body, err)
		}
		writeJSON(w, map[string]any{"pkps": []KeyPair{lower}})
	}))

	got, err := c.ListKeyPairs(context.Background(), testAssertion)
	if err != nil {
		t.Fatalf("ListKeyPairs error: %v", err)
	}
	if len(got) != 1 || got[0].Address != kp.Address || got[0].PublicKey != kp.PublicKey {
		t.Errorf("ListKeyPairs = %+v, want normalized %+v", got, kp)
	}
}

func TestListKeyPairsErrors(t *testing.T) {
	kp := testKeyPair(t, 2)
	other := testKeyPair(t, 3)

	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    error
	}{
		{"missing pkps field", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{}`))
		}, ErrRelayProtocol},
		{"malformed json", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"pkps":`))
		}, ErrRelayProtocol},
		{"entry missing public key", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, map[string]any{"pkps": []KeyPair{{Address: kp.Address}}})
		}, ErrRelayProtocol},
		{"address mismatch", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, map[string]any{"pkps": []KeyPair{{Address: other.Address, PublicKey: kp.PublicKey}}})
		}, ErrRelayProtocol},
		{"server error", func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}, ErrRelayUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClient(t, tt.handler)
			_, err := c.ListKeyPairs(context.Background(), testAssertion)
			if !errors.Is(err, tt.want) {
				t.Errorf("ListKeyPairs error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestListKeyPairsEmpty(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"pkps":[]}`))
	}))
	got, err := c.ListKeyPairs(context.Background(), testAssertion)
	if err != nil {
		t.Fatalf("ListKeyPairs error: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("ListKeyPairs = %#v, want empty non-nil slice", got)
	}
}

func TestListKeyPairsTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(url, &Options{Poll: fastPolicy()})
	_, err := c.ListKeyPairs(context.Background(), testAssertion)
	if !errors.Is(err, ErrRelayUnavailable) {
		t.Errorf("ListKeyPairs error = %v, want ErrRelayUnavailable", err)
	}
}

func TestRequestMint(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    string
		wantErr error
	}{
		{"ok", `{"requestId":"r1"}`, "r1", nil},
		{"empty id", `{"requestId":""}`, "", ErrRelayProtocol},
		{"missing id", `{}`, "", ErrRelayProtocol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/auth/google" {
					t.Errorf("path = %s", r.URL.Path)
				}
				_, _ = w.Write([]byte(tt.body))
			}))
			got, err := c.RequestMint(context.Background(), testAssertion)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("RequestMint error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("RequestMint error: %v", err)
			}
			if got.RequestID != tt.want {
				t.Errorf("RequestID = %q, want %q", got.RequestID, tt.want)
			}
		})
	}
}

// statusHandler answers pending for the first n calls, then final.
func statusHandler(calls *atomic.Int32, n int32, final any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		count := calls.Add(1)
		if count <= n {
			writeJSON(w, map[string]any{"status": "InProgress"})
			return
		}
		writeJSON(w, final)
	}
}

func TestPollMintSuccess(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	kp := testKeyPair(t, 4)
	var calls atomic.Int32
	srv := httptest.NewServer(statusHandler(&calls, 2, map[string]any{
		"status":        "success",
		"pkpEthAddress": strings.ToLower(kp.Address),
		"pkpPublicKey":  kp.PublicKey,
	}))
	defer func() {
		srv.Client().CloseIdleConnections()
		srv.Close()
	}()
	c := New(srv.URL, &Options{HTTPClient: srv.Client(), Poll: fastPolicy()})

	got, err := c.PollMint(context.Background(), "r1")
	if err != nil {
		t.Fatalf("PollMint error: %v", err)
	}
	if got.Address != kp.Address {
		t.Errorf("PollMint address = %s, want %s", got.Address, kp.Address)
	}
	if calls.Load() != 3 {
		t.Errorf("status calls = %d, want 3", calls.Load())
	}
}

func TestPollMintNeverTerminal(t *testing.T) {
	var calls atomic.Int32
	c := newClient(t, statusHandler(&calls, 1<<30, nil))

	start := time.Now()
	_, err := c.PollMint(context.Background(), "r1")
	if !errors.Is(err, ErrMintTimeout) {
		t.Fatalf("PollMint error = %v, want ErrMintTimeout", err)
	}
	if calls.Load() != int32(fastPolicy().MaxAttempts) {
		t.Errorf("status calls = %d, want %d", calls.Load(), fastPolicy().MaxAttempts)
	}
	if time.Since(start) > fastPolicy().Timeout {
		t.Errorf("PollMint took %s, beyond the policy bound", time.Since(start))
	}
}

func TestPollMintDeadline(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(statusHandler(&calls, 1<<30, nil))
	defer srv.Close()

	c := New(srv.URL, &Options{
		HTTPClient: srv.Client(),
		Poll:       PollPolicy{Interval: 20 * time.Millisecond, MaxAttempts: 1000, Timeout: 100 * time.Millisecond},
	})
	_, err := c.PollMint(context.Background(), "r1")
	if !errors.Is(err, ErrMintTimeout) {
		t.Fatalf("PollMint error = %v, want ErrMintTimeout", err)
	}
	if calls.Load() >= 1000 {
		t.Errorf("deadline did not bound attempts: %d calls", calls.Load())
	}
}

func TestPollMintTerminalErrors(t *testing.T) {
	kp := testKeyPair(t, 5)
	other := testKeyPair(t, 6)

	tests := []struct {
		name  string
		final any
		want  error
	}{
		{"failure", map[string]any{"status": "Failed", "error": "chain rejected"}, ErrMintFailed},
		{"success missing public key", map[string]any{"status": "success", "pkpEthAddress": kp.Address}, ErrRelayProtocol},
		{"success missing address", map[string]any{"status": "success", "pkpPublicKey": kp.PublicKey}, ErrRelayProtocol},
		{"success wrong address", map[string]any{"status": "success", "pkpEthAddress": other.Address, "pkpPublicKey": kp.PublicKey}, ErrRelayProtocol},
		{"unknown status", map[string]any{"status": "exploded"}, ErrRelayProtocol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			c := newClient(t, statusHandler(&calls, 1, tt.final))
			_, err := c.PollMint(context.Background(), "r1")
			if !errors.Is(err, tt.want) {
				t.Fatalf("PollMint error = %v, want %v", err, tt.want)
			}
			// One pending answer, then exactly one terminal answer: no retry.
			if calls.Load() != 2 {
				t.Errorf("status calls = %d, want 2", calls.Load())
			}
		})
	}
}

func TestPollMintTransientErrorsConsumeAttempts(t *testing.T) {
	kp := testKeyPair(t, 7)
	var calls atomic.Int32
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) <= 2 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, map[string]any{"status": "success", "pkpEthAddress": kp.Address, "pkpPublicKey": kp.PublicKey})
	}))

	got, err := c.PollMint(context.Background(), "r1")
	if err != nil {
		t.Fatalf("PollMint error: %v", err)
	}
	if got.Address != kp.Address || calls.Load() != 3 {
		t.Errorf("PollMint = %s after %d calls", got.Address, calls.Load())
	}
}

func TestPollMintCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var calls atomic.Int32
	srv := httptest.NewServer(statusHandler(&calls, 1<<30, nil))
	c := New(srv.URL, &Options{
		HTTPClient: srv.Client(),
		Poll:       PollPolicy{Interval: time.Hour, MaxAttempts: 10, Timeout: 10 * time.Hour},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.PollMint(ctx, "r1")
		done <- err
	}()

	// Wait for the first attempt, then cancel during the hour-long wait.
	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("PollMint error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("PollMint did not return after cancel")
	}

	srv.Client().CloseIdleConnections()
	srv.Close()
}

func TestPollPolicyValidate(t *testing.T) {
	tests := []struct {
		name    string
		policy  PollPolicy
		wantErr bool
	}{
		{"default", DefaultPollPolicy(), false},
		{"zero interval", PollPolicy{MaxAttempts: 1, Timeout: time.Second}, true},
		{"zero attempts", PollPolicy{Interval: time.Second, Timeout: time.Second}, true},
		{"zero timeout", PollPolicy{Interval: time.Second, MaxAttempts: 1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.policy.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseMintStatus(t *testing.T) {
	tests := map[string]MintStatus{
		"pending":    StatusPending,
		"InProgress": StatusPending,
		"Succeeded":  StatusSuccess,
		"success":    StatusSuccess,
		"Failed":     StatusFailure,
	}
	for in, want := range tests {
		if got, ok := ParseMintStatus(in); !ok || got != want {
			t.Errorf("ParseMintStatus(%q) = %q, %v", in, got, ok)
		}
	}
	if _, ok := ParseMintStatus("??"); ok {
		t.Error("ParseMintStatus(??) ok = true")
	}
}
