// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/aplane-algo/pkpauth/internal/emulator"
	"github.com/aplane-algo/pkpauth/internal/ethkey"
	"github.com/aplane-algo/pkpauth/internal/identity"
	"github.com/aplane-algo/pkpauth/internal/litnode"
	"github.com/aplane-algo/pkpauth/internal/relay"
	"github.com/aplane-algo/pkpauth/internal/signer"
	"github.com/aplane-algo/pkpauth/internal/testutil"
)

const returnURI = "http://127.0.0.1:8976/callback"

var abcLocation = returnURI + "?provider=google&id_token=abc"

var fastPoll = relay.PollPolicy{Interval: 5 * time.Millisecond, MaxAttempts: 50, Timeout: 10 * time.Second}

type harness struct {
	net         *testutil.Network
	orch        *Orchestrator
	connects    atomic.Int32
	failConnect atomic.Bool
	failCreate  atomic.Bool
	offset      atomic.Int64
	transitions chan Transition
}

// flakyNetwork fails session creation on demand.
type flakyNetwork struct {
	Network
	h *harness
}

func (f flakyNetwork) CreateSession(ctx context.Context, a identity.Assertion, kp relay.KeyPair, scope litnode.Scope) (*litnode.SessionCredentials, error) {
	if f.h.failCreate.Load() {
		return nil, litnode.ErrSessionCreation
	}
	return f.Network.CreateSession(ctx, a, kp, scope)
}

func newHarness(t *testing.T, netOpts testutil.NetworkOptions, poll relay.PollPolicy) *harness {
	t.Helper()

	h := &harness{transitions: make(chan Transition, 128)}
	h.net = testutil.StartNetwork(t, netOpts)

	connect := LitConnector(h.net.Config, nil)
	orch, err := New(returnURI,
		WithIdentity(identity.NewHandler(identity.Options{GatewayURL: h.net.GatewayURL})),
		WithKeyCustody(relay.New(h.net.RelayURL, &relay.Options{Poll: poll})),
		WithConnector(func(ctx context.Context) (Network, error) {
			h.connects.Add(1)
			if h.failConnect.Load() {
				return nil, litnode.ErrNetworkConnect
			}
			n, err := connect(ctx)
			if err != nil {
				return nil, err
			}
			return flakyNetwork{Network: n, h: h}, nil
		}),
		WithClock(func() time.Time { return time.Now().Add(time.Duration(h.offset.Load())) }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	orch.Subscribe(func(tr Transition) {
		select {
		case h.transitions <- tr:
		default:
		}
	})
	t.Cleanup(orch.Close)
	h.orch = orch
	return h
}

// login brings the harness to KeysFetched.
func (h *harness) login(t *testing.T) KeysFetched {
	t.Helper()
	handled, err := h.orch.HandleLocation(context.Background(), abcLocation)
	if !handled || err != nil {
		t.Fatalf("HandleLocation = %v, %v", handled, err)
	}
	return requireState[KeysFetched](t, h.orch)
}

func (h *harness) drain() []string {
	var names []string
	for {
		select {
		case tr := <-h.transitions:
			names = append(names, tr.To.String())
		default:
			return names
		}
	}
}

func requireState[T State](t *testing.T, o *Orchestrator) T {
	t.Helper()
	st, ok := o.State().(T)
	if !ok {
		var want T
		t.Fatalf("state = %s, want %s", o.State(), want)
	}
	return st
}

func TestEndToEnd(t *testing.T) {
	h := newHarness(t, testutil.NetworkOptions{Relay: emulator.RelayOptions{PendingPolls: 2}}, fastPoll)
	ctx := context.Background()

	loginURL, err := h.orch.StartLogin()
	if err != nil {
		t.Fatalf("StartLogin: %v", err)
	}
	if !strings.HasPrefix(loginURL, h.net.GatewayURL+"/auth/google?app_redirect=") {
		t.Errorf("login URL = %s", loginURL)
	}
	requireState[SignedOut](t, h.orch)

	if handled, err := h.orch.HandleLocation(ctx, "http://127.0.0.1:8976/"); handled || err != nil {
		t.Fatalf("unrelated location: handled=%v err=%v", handled, err)
	}

	kf := h.login(t)
	if kf.Assertion.Token != "abc" || len(kf.KeyPairs) != 0 {
		t.Fatalf("KeysFetched = %+v", kf)
	}

	kp, err := h.orch.Mint(ctx)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	ready := requireState[SessionReady](t, h.orch)
	if len(ready.KeyPairs) != 1 || ready.KeyPairs[0] != kp || ready.Session.KeyPair != kp {
		t.Fatalf("SessionReady = %+v", ready)
	}

	res, err := h.orch.SignMessage(ctx, []byte("Free the web!"))
	if err != nil {
		t.Fatalf("SignMessage: %v", err)
	}
	if !ethkey.EqualAddress(res.RecoveredAddress, kp.Address) {
		t.Errorf("recovered %s, want %s", res.RecoveredAddress, kp.Address)
	}
	if !signer.Verify(res, []byte("Free the web!"), strings.ToLower(kp.Address)) {
		t.Error("signature does not verify")
	}
	signed := requireState[Signed](t, h.orch)
	if signed.Session != ready.Session || string(signed.Message) != "Free the web!" {
		t.Errorf("Signed = %+v", signed)
	}

	if _, err := h.orch.SignMessage(ctx, []byte("again")); err != nil {
		t.Fatalf("second SignMessage: %v", err)
	}

	want := []string{
		"AwaitingRedirect", "FetchingKeys", "KeysFetched",
		"Minting", "Minting", "Minted", "CreatingSession", "SessionReady",
		"Signing", "Signed",
		"Signing", "Signed",
	}
	if got := h.drain(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("transitions:\n got %v\nwant %v", got, want)
	}
	if n := h.connects.Load(); n != 1 {
		t.Errorf("connects = %d, want 1", n)
	}
}

func TestLoginThroughGateway(t *testing.T) {
	h := newHarness(t, testutil.NetworkOptions{}, fastPoll)
	loginURL, err := h.orch.StartLogin()
	if err != nil {
		t.Fatal(err)
	}

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err := client.Get(loginURL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	_ = resp.Body.Close()

	handled, err := h.orch.HandleLocation(context.Background(), resp.Header.Get("Location"))
	if !handled || err != nil {
		t.Fatalf("HandleLocation = %v, %v", handled, err)
	}
	kf := requireState[KeysFetched](t, h.orch)
	if claims, ok := kf.Assertion.Claims(); !ok || claims.Subject != emulator.DefaultSubject {
		t.Errorf("claims = %+v, %v", claims, ok)
	}
}

func TestLoginFailures(t *testing.T) {
	tests := []struct {
		name     string
		location string
		wantErr  error
	}{
		{"provider error", returnURI + "?error=access_denied", identity.ErrMissingAssertion},
		{"empty token", returnURI + "?provider=google&id_token=", identity.ErrMissingAssertion},
		{"relay rejects token", returnURI + "?provider=google&id_token=nope", relay.ErrRelayUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testutil.NetworkOptions{}, fastPoll)
			handled, err := h.orch.HandleLocation(context.Background(), tt.location)
			if !handled || !errors.Is(err, tt.wantErr) {
				t.Fatalf("HandleLocation = %v, %v; want %v", handled, err, tt.wantErr)
			}
			st := requireState[Error](t, h.orch)
			if _, ok := st.RecoverTo.(SignedOut); !ok || st.Op != OpLogin || !errors.Is(st.Err, tt.wantErr) {
				t.Errorf("Error state = %+v", st)
			}
			if err := h.orch.Acknowledge(); err != nil {
				t.Fatal(err)
			}
			requireState[SignedOut](t, h.orch)
		})
	}
}

func TestSignFailureRecoversToSessionReady(t *testing.T) {
	h := newHarness(t, testutil.NetworkOptions{}, fastPoll)
	h.login(t)
	if _, err := h.orch.Mint(context.Background()); err != nil {
		t.Fatalf("Mint: %v", err)
	}
	ready := requireState[SessionReady](t, h.orch)

	h.net.Emulator.SetExecuteFailure(true)
	if _, err := h.orch.SignMessage(context.Background(), []byte("Free the web!")); !errors.Is(err, signer.ErrSigningNetwork) {
		t.Fatalf("SignMessage err = %v, want ErrSigningNetwork", err)
	}
	st := requireState[Error](t, h.orch)
	if _, ok := st.RecoverTo.(SessionReady); !ok {
		t.Fatalf("RecoverTo = %s, want SessionReady", st.RecoverTo)
	}

	if err := h.orch.Acknowledge(); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	after := requireState[SessionReady](t, h.orch)
	if after.Session != ready.Session {
		t.Error("acknowledge replaced the session credentials")
	}

	h.net.Emulator.SetExecuteFailure(false)
	if _, err := h.orch.SignMessage(context.Background(), []byte("retry")); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if n := h.connects.Load(); n != 1 {
		t.Errorf("connects = %d, want 1", n)
	}
}

func TestSignAfterExpiryRecoversToKeysFetched(t *testing.T) {
	h := newHarness(t, testutil.NetworkOptions{}, fastPoll)
	h.login(t)
	kp, err := h.orch.Mint(context.Background())
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	h.offset.Store(int64(48 * time.Hour))
	if _, err := h.orch.SignMessage(context.Background(), []byte("late")); !errors.Is(err, signer.ErrSigningNetwork) {
		t.Fatalf("err = %v, want ErrSigningNetwork", err)
	}
	st := requireState[Error](t, h.orch)
	kf, ok := st.RecoverTo.(KeysFetched)
	if !ok || len(kf.KeyPairs) != 1 || kf.KeyPairs[0] != kp {
		t.Fatalf("RecoverTo = %#v", st.RecoverTo)
	}
}

func TestMintFailureRecoversToKeysFetched(t *testing.T) {
	h := newHarness(t, testutil.NetworkOptions{Relay: emulator.RelayOptions{FailMints: true}}, fastPoll)
	before := h.login(t)

	if _, err := h.orch.Mint(context.Background()); !errors.Is(err, relay.ErrMintFailed) {
		t.Fatalf("Mint err = %v, want ErrMintFailed", err)
	}
	st := requireState[Error](t, h.orch)
	kf, ok := st.RecoverTo.(KeysFetched)
	if !ok || len(kf.KeyPairs) != len(before.KeyPairs) {
		t.Fatalf("RecoverTo = %#v", st.RecoverTo)
	}
	if n := h.connects.Load(); n != 0 {
		t.Errorf("connected %d times before any session was needed", n)
	}
}

func TestSelectKeyPair(t *testing.T) {
	h := newHarness(t, testutil.NetworkOptions{}, fastPoll)
	first := h.net.Mint(t, "user-1")
	second := h.net.Mint(t, "user-1")
	kf := h.login(t)
	if len(kf.KeyPairs) != 2 {
		t.Fatalf("KeyPairs = %v", kf.KeyPairs)
	}
	ctx := context.Background()

	if err := h.orch.SelectKeyPair(ctx, "0x0000000000000000000000000000000000000001"); !errors.Is(err, ErrUnknownKeyPair) {
		t.Fatalf("unknown address: err = %v", err)
	}
	requireState[KeysFetched](t, h.orch)

	if err := h.orch.SelectKeyPair(ctx, strings.ToLower(first.Address)); err != nil {
		t.Fatalf("SelectKeyPair: %v", err)
	}
	ready := requireState[SessionReady](t, h.orch)
	if ready.Session.KeyPair != first {
		t.Fatalf("session for %s, want %s", ready.Session.KeyPair.Address, first.Address)
	}

	h.failCreate.Store(true)
	if err := h.orch.SelectKeyPair(ctx, second.Address); !errors.Is(err, litnode.ErrSessionCreation) {
		t.Fatalf("err = %v, want ErrSessionCreation", err)
	}
	st := requireState[Error](t, h.orch)
	back, ok := st.RecoverTo.(SessionReady)
	if !ok || back.Session != ready.Session {
		t.Fatalf("RecoverTo = %s, want the prior SessionReady", st.RecoverTo)
	}

	if err := h.orch.Acknowledge(); err != nil {
		t.Fatal(err)
	}
	h.failCreate.Store(false)
	if err := h.orch.SelectKeyPair(ctx, second.Address); err != nil {
		t.Fatalf("SelectKeyPair: %v", err)
	}
	if got := requireState[SessionReady](t, h.orch).Session.KeyPair; got != second {
		t.Errorf("session for %s, want %s", got.Address, second.Address)
	}
}

func TestConnectFailureNotCached(t *testing.T) {
	h := newHarness(t, testutil.NetworkOptions{}, fastPoll)
	kp := h.net.Mint(t, "user-1")
	h.login(t)

	h.failConnect.Store(true)
	if err := h.orch.SelectKeyPair(context.Background(), kp.Address); !errors.Is(err, litnode.ErrNetworkConnect) {
		t.Fatalf("err = %v, want ErrNetworkConnect", err)
	}
	if st := requireState[Error](t, h.orch); !is[KeysFetched](st.RecoverTo) {
		t.Fatalf("RecoverTo = %s, want KeysFetched", st.RecoverTo)
	}
	if err := h.orch.Acknowledge(); err != nil {
		t.Fatal(err)
	}

	h.failConnect.Store(false)
	if err := h.orch.SelectKeyPair(context.Background(), kp.Address); err != nil {
		t.Fatalf("SelectKeyPair: %v", err)
	}
	if _, err := h.orch.SignMessage(context.Background(), []byte("x")); err != nil {
		t.Fatalf("SignMessage: %v", err)
	}
	if n := h.connects.Load(); n != 2 {
		t.Errorf("connects = %d, want 2", n)
	}
}

func TestIllegalTransitions(t *testing.T) {
	h := newHarness(t, testutil.NetworkOptions{}, fastPoll)
	ctx := context.Background()

	var te *TransitionError
	checks := map[string]error{
		"mint":   func() error { _, err := h.orch.Mint(ctx); return err }(),
		"select": h.orch.SelectKeyPair(ctx, "0x01"),
		"sign":   func() error { _, err := h.orch.SignMessage(ctx, []byte("m")); return err }(),
		"ack":    h.orch.Acknowledge(),
	}
	for name, err := range checks {
		if !errors.As(err, &te) {
			t.Errorf("%s in SignedOut: err = %v, want TransitionError", name, err)
		}
	}
	requireState[SignedOut](t, h.orch)

	h.login(t)
	if _, err := h.orch.StartLogin(); !errors.As(err, &te) {
		t.Errorf("StartLogin in KeysFetched: err = %v", err)
	}
	if _, err := h.orch.HandleLocation(ctx, abcLocation); !errors.As(err, &te) {
		t.Errorf("second login: err = %v", err)
	}
	if te.From.String() != "KeysFetched" || !strings.Contains(te.Error(), "login") {
		t.Errorf("TransitionError = %v", te)
	}
	requireState[KeysFetched](t, h.orch)
}

// blockingCustody accepts a mint and then polls until its context ends.
type blockingCustody struct{}

func (blockingCustody) ListKeyPairs(context.Context, identity.Assertion) ([]relay.KeyPair, error) {
	return nil, nil
}

func (blockingCustody) RequestMint(context.Context, identity.Assertion) (relay.MintRequest, error) {
	return relay.MintRequest{RequestID: "r1"}, nil
}

func (blockingCustody) PollMint(ctx context.Context, _ string) (relay.KeyPair, error) {
	<-ctx.Done()
	return relay.KeyPair{}, ctx.Err()
}

func TestBusyAndClose(t *testing.T) {
	minting := make(chan struct{})
	orch, err := New(returnURI,
		WithKeyCustody(blockingCustody{}),
		WithConnector(func(context.Context) (Network, error) { return nil, errors.New("unused") }),
	)
	if err != nil {
		t.Fatal(err)
	}
	orch.Subscribe(func(tr Transition) {
		if m, ok := tr.To.(Minting); ok && m.RequestID == "r1" {
			close(minting)
		}
	})
	if _, err := orch.HandleLocation(context.Background(), abcLocation); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := orch.Mint(context.Background())
		done <- err
	}()
	<-minting

	if _, err := orch.SignMessage(context.Background(), []byte("m")); !errors.Is(err, ErrBusy) {
		t.Errorf("SignMessage while minting: err = %v, want ErrBusy", err)
	}
	if err := orch.Acknowledge(); !errors.Is(err, ErrBusy) {
		t.Errorf("Acknowledge while minting: err = %v, want ErrBusy", err)
	}

	orch.Close()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Mint err = %v, want context.Canceled", err)
	}
	if m := requireState[Minting](t, orch); m.RequestID != "r1" {
		t.Errorf("state after close = %+v", m)
	}
	if _, err := orch.Mint(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Mint after close: err = %v, want ErrClosed", err)
	}
	if _, err := orch.HandleLocation(context.Background(), "http://elsewhere/"); !errors.Is(err, ErrClosed) {
		t.Errorf("HandleLocation after close: err = %v, want ErrClosed", err)
	}
	orch.Close()
}

func TestCloseStopsPolling(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h := newHarness(t, testutil.NetworkOptions{Relay: emulator.RelayOptions{PendingPolls: 1 << 30}},
		relay.PollPolicy{Interval: 10 * time.Millisecond, MaxAttempts: 1 << 20, Timeout: time.Minute})
	h.login(t)

	polling := make(chan struct{})
	var once atomic.Bool
	h.orch.Subscribe(func(tr Transition) {
		if m, ok := tr.To.(Minting); ok && m.RequestID != "" && once.CompareAndSwap(false, true) {
			close(polling)
		}
	})

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.Mint(context.Background())
		done <- err
	}()
	<-polling
	time.Sleep(30 * time.Millisecond)

	h.orch.Close()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Mint err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Mint did not return after Close")
	}
	requireState[Minting](t, h.orch)
	h.net.Close()
}

func TestAppendKeyPairCopies(t *testing.T) {
	base := make([]relay.KeyPair, 1, 4)
	base[0] = relay.KeyPair{Address: "0xA"}

	a := appendKeyPair(base, relay.KeyPair{Address: "0xB"})
	b := appendKeyPair(base, relay.KeyPair{Address: "0xC"})
	if len(a) != 2 || len(b) != 2 || a[1].Address != "0xB" || b[1].Address != "0xC" {
		t.Fatalf("a = %v, b = %v", a, b)
	}
	if len(base) != 1 {
		t.Errorf("base modified: %v", base)
	}
}

func TestNewValidates(t *testing.T) {
	connect := WithConnector(func(context.Context) (Network, error) { return nil, nil })
	custody := WithKeyCustody(blockingCustody{})

	if _, err := New(returnURI, connect); err == nil {
		t.Error("missing custody accepted")
	}
	if _, err := New(returnURI, custody); err == nil {
		t.Error("missing connector accepted")
	}
	if _, err := New("not a url", custody, connect); !errors.Is(err, identity.ErrInvalidReturnURI) {
		t.Errorf("bad return URI: err = %v", err)
	}
	if _, err := New(returnURI, custody, connect, WithScope(litnode.Scope{})); err == nil {
		t.Error("empty scope accepted")
	}
}
