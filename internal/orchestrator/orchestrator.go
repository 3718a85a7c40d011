// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

// Package orchestrator drives the PKP workflow as a tagged-state machine:
// sign in, list or mint key pairs, build session credentials and sign
// messages. It is independent of any UI; collaborators call its operations
// and observe transitions.
package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/aplane-algo/pkpauth/internal/ethkey"
	"github.com/aplane-algo/pkpauth/internal/identity"
	"github.com/aplane-algo/pkpauth/internal/litnode"
	"github.com/aplane-algo/pkpauth/internal/logging"
	"github.com/aplane-algo/pkpauth/internal/relay"
	"github.com/aplane-algo/pkpauth/internal/signer"
)

// Operation names used in transitions and errors.
const (
	OpLogin      = "login"
	OpMint       = "mint"
	OpSelect     = "select"
	OpSign       = "sign"
	OpAck        = "acknowledge"
	opStartLogin = "start login"
)

// IdentityHandler builds login URLs and extracts assertions from returning
// navigations.
type IdentityHandler interface {
	BuildLoginURL(returnURI string) (string, error)
	IsRedirectCallback(location, returnURI string) bool
	ExtractAssertion(location, returnURI string) (identity.Assertion, error)
}

// KeyCustody lists and mints key pairs.
type KeyCustody interface {
	ListKeyPairs(ctx context.Context, a identity.Assertion) ([]relay.KeyPair, error)
	RequestMint(ctx context.Context, a identity.Assertion) (relay.MintRequest, error)
	PollMint(ctx context.Context, requestID string) (relay.KeyPair, error)
}

// Network creates sessions and executes actions on the signing network.
type Network interface {
	CreateSession(ctx context.Context, a identity.Assertion, kp relay.KeyPair, scope litnode.Scope) (*litnode.SessionCredentials, error)
	signer.Executor
}

// Connector opens the signing network connection.
type Connector func(ctx context.Context) (Network, error)

// LitConnector connects to cfg with litnode.Connect.
func LitConnector(cfg litnode.NetworkConfig, opts *litnode.Options) Connector {
	return func(ctx context.Context) (Network, error) {
		c, err := litnode.Connect(ctx, cfg, opts)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Orchestrator owns the workflow state. Operations are serialised: one
// running while another is in flight fails with ErrBusy.
type Orchestrator struct {
	returnURI string
	identity  IdentityHandler
	custody   KeyCustody
	connect   Connector
	scope     litnode.Scope
	now       func() time.Time
	log       *slog.Logger

	lifetime context.Context
	cancel   context.CancelFunc

	mu          sync.Mutex
	state       State
	busy        bool
	closed      bool
	subscribers map[int]func(Transition)
	nextSub     int

	// Signing network connection, created lazily at most once.
	connMu sync.Mutex
	net    Network
}

// Option is a functional option for configuring the Orchestrator.
type Option func(*Orchestrator) error

// WithIdentity sets the identity handler (default: gateway login).
func WithIdentity(h IdentityHandler) Option {
	return func(o *Orchestrator) error {
		o.identity = h
		return nil
	}
}

// WithKeyCustody sets the relay client. Required.
func WithKeyCustody(c KeyCustody) Option {
	return func(o *Orchestrator) error {
		o.custody = c
		return nil
	}
}

// WithConnector sets how the signing network is reached. Required.
func WithConnector(c Connector) Option {
	return func(o *Orchestrator) error {
		o.connect = c
		return nil
	}
}

// WithScope sets the session scope (default: litnode.DefaultScope).
func WithScope(s litnode.Scope) Option {
	return func(o *Orchestrator) error {
		if err := s.Validate(); err != nil {
			return err
		}
		o.scope = s
		return nil
	}
}

// WithClock sets the clock used for credential expiry.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) error {
		o.now = now
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) error {
		o.log = l
		return nil
	}
}

// New creates an orchestrator in SignedOut. returnURI is where the identity
// provider navigates back to.
func New(returnURI string, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		returnURI:   returnURI,
		scope:       litnode.DefaultScope(),
		now:         time.Now,
		state:       SignedOut{},
		subscribers: make(map[int]func(Transition)),
	}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	if o.identity == nil {
		o.identity = identity.NewHandler(identity.Options{})
	}
	switch {
	case o.custody == nil:
		return nil, errors.New("orchestrator: key custody client is required")
	case o.connect == nil:
		return nil, errors.New("orchestrator: network connector is required")
	}
	if _, err := o.identity.BuildLoginURL(returnURI); err != nil {
		return nil, err
	}
	o.log = logging.Or(o.log)
	o.lifetime, o.cancel = context.WithCancel(context.Background())
	return o, nil
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Subscribe registers fn to receive every transition, in order, on the
// goroutine that performed it. The returned function unsubscribes.
func (o *Orchestrator) Subscribe(fn func(Transition)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextSub
	o.nextSub++
	o.subscribers[id] = fn
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.subscribers, id)
	}
}

// Close cancels any in-flight operation. No state change happens after
// Close returns; later operations fail with ErrClosed.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	o.cancel()
}

// begin claims the orchestrator for op if the current state allows it.
// The returned context ends with ctx or Close, whichever comes first.
func (o *Orchestrator) begin(ctx context.Context, op string, legal func(State) bool) (context.Context, State, func(), error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch {
	case o.closed:
		return nil, nil, nil, ErrClosed
	case o.busy:
		return nil, nil, nil, ErrBusy
	case !legal(o.state):
		return nil, nil, nil, &TransitionError{Op: op, From: o.state}
	}
	o.busy = true

	opCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(o.lifetime, cancel)
	end := func() {
		stop()
		cancel()
		o.mu.Lock()
		o.busy = false
		o.mu.Unlock()
	}
	return opCtx, o.state, end, nil
}

// commit publishes next unless the orchestrator has been closed.
func (o *Orchestrator) commit(op string, next State) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	t := Transition{Op: op, From: o.state, To: next}
	o.state = next
	subs := make([]func(Transition), 0, len(o.subscribers))
	for id := range o.subscribers {
		subs = append(subs, o.subscribers[id])
	}
	o.mu.Unlock()

	o.log.Info("state changed", "op", op, "from", t.From.String(), "to", t.To.String())
	for _, fn := range subs {
		fn(t)
	}
	return nil
}

// fail moves to Error(recoverTo) and returns err.
func (o *Orchestrator) fail(op string, err error, recoverTo State) error {
	o.log.Debug("operation failed", "op", op, "error", err)
	_ = o.commit(op, Error{Err: err, Op: op, RecoverTo: recoverTo})
	return err
}

// recoverTarget is the state a failure falls back to: the held session if
// it is still valid at the moment of failure, else the key list.
func (o *Orchestrator) recoverTarget(a identity.Assertion, pkps []relay.KeyPair, sess *litnode.SessionCredentials) State {
	if sess.Valid(o.now()) {
		return SessionReady{Assertion: a, KeyPairs: pkps, Session: sess}
	}
	return KeysFetched{Assertion: a, KeyPairs: pkps}
}

// network returns the signing network connection, connecting on first use.
// A failed connect is not remembered.
func (o *Orchestrator) network(ctx context.Context) (Network, error) {
	o.connMu.Lock()
	defer o.connMu.Unlock()
	if o.net != nil {
		return o.net, nil
	}
	n, err := o.connect(ctx)
	if err != nil {
		return nil, err
	}
	o.net = n
	return n, nil
}

func is[T State](s State) bool {
	_, ok := s.(T)
	return ok
}

// StartLogin returns the URL to send the user to. It does not change state.
func (o *Orchestrator) StartLogin() (string, error) {
	_, _, end, err := o.begin(context.Background(), opStartLogin, is[SignedOut])
	if err != nil {
		return "", err
	}
	defer end()
	return o.identity.BuildLoginURL(o.returnURI)
}

// HandleLocation inspects a navigation. If it returns to the login return
// address with assertion parameters, the assertion is extracted and the
// identity's key pairs are fetched; handled is then true.
func (o *Orchestrator) HandleLocation(ctx context.Context, location string) (handled bool, err error) {
	if !o.identity.IsRedirectCallback(location, o.returnURI) {
		o.mu.Lock()
		closed := o.closed
		o.mu.Unlock()
		if closed {
			return false, ErrClosed
		}
		return false, nil
	}

	ctx, _, end, err := o.begin(ctx, OpLogin, is[SignedOut])
	if err != nil {
		return false, err
	}
	defer end()

	if err := o.commit(OpLogin, AwaitingRedirect{}); err != nil {
		return true, err
	}
	a, err := o.identity.ExtractAssertion(location, o.returnURI)
	if err != nil {
		return true, o.fail(OpLogin, err, SignedOut{})
	}
	if err := o.commit(OpLogin, FetchingKeys{Assertion: a}); err != nil {
		return true, err
	}
	pkps, err := o.custody.ListKeyPairs(ctx, a)
	if err != nil {
		return true, o.fail(OpLogin, err, SignedOut{})
	}
	return true, o.commit(OpLogin, KeysFetched{Assertion: a, KeyPairs: slices.Clone(pkps)})
}

// Mint requests a new key pair, waits for it and opens a session with it.
func (o *Orchestrator) Mint(ctx context.Context) (relay.KeyPair, error) {
	ctx, st, end, err := o.begin(ctx, OpMint, is[KeysFetched])
	if err != nil {
		return relay.KeyPair{}, err
	}
	defer end()

	kf := st.(KeysFetched)
	if err := o.commit(OpMint, Minting{Assertion: kf.Assertion, KeyPairs: kf.KeyPairs}); err != nil {
		return relay.KeyPair{}, err
	}
	req, err := o.custody.RequestMint(ctx, kf.Assertion)
	if err != nil {
		return relay.KeyPair{}, o.fail(OpMint, err, kf)
	}
	if err := o.commit(OpMint, Minting{Assertion: kf.Assertion, KeyPairs: kf.KeyPairs, RequestID: req.RequestID}); err != nil {
		return relay.KeyPair{}, err
	}
	kp, err := o.custody.PollMint(ctx, req.RequestID)
	if err != nil {
		return relay.KeyPair{}, o.fail(OpMint, err, kf)
	}

	pkps := appendKeyPair(kf.KeyPairs, kp)
	if err := o.commit(OpMint, Minted{Assertion: kf.Assertion, KeyPairs: pkps, Minted: kp}); err != nil {
		return kp, err
	}
	return kp, o.createSession(ctx, OpMint, kf.Assertion, pkps, kp, nil)
}

// SelectKeyPair opens a session for one of the held key pairs.
func (o *Orchestrator) SelectKeyPair(ctx context.Context, address string) error {
	ctx, st, end, err := o.begin(ctx, OpSelect, func(s State) bool {
		_, _, _, ok := session(s)
		return ok || is[KeysFetched](s)
	})
	if err != nil {
		return err
	}
	defer end()

	a, pkps, prior, ok := session(st)
	if !ok {
		kf := st.(KeysFetched)
		a, pkps = kf.Assertion, kf.KeyPairs
	}
	i := slices.IndexFunc(pkps, func(kp relay.KeyPair) bool { return ethkey.EqualAddress(kp.Address, address) })
	if i < 0 {
		return ErrUnknownKeyPair
	}
	return o.createSession(ctx, OpSelect, a, pkps, pkps[i], prior)
}

func (o *Orchestrator) createSession(ctx context.Context, op string, a identity.Assertion, pkps []relay.KeyPair, target relay.KeyPair, prior *litnode.SessionCredentials) error {
	if err := o.commit(op, CreatingSession{Assertion: a, KeyPairs: pkps, Target: target, Prior: prior}); err != nil {
		return err
	}
	net, err := o.network(ctx)
	if err != nil {
		return o.fail(op, err, o.recoverTarget(a, pkps, prior))
	}
	creds, err := net.CreateSession(ctx, a, target, o.scope)
	if err != nil {
		return o.fail(op, err, o.recoverTarget(a, pkps, prior))
	}
	return o.commit(op, SessionReady{Assertion: a, KeyPairs: pkps, Session: creds})
}

// SignMessage signs message with the session's key pair and verifies the
// result by recovering the signer.
func (o *Orchestrator) SignMessage(ctx context.Context, message []byte) (*signer.SignatureResult, error) {
	ctx, st, end, err := o.begin(ctx, OpSign, func(s State) bool {
		_, _, _, ok := session(s)
		return ok
	})
	if err != nil {
		return nil, err
	}
	defer end()

	a, pkps, sess, _ := session(st)
	message = bytes.Clone(message)
	if message == nil {
		message = []byte{}
	}
	if err := o.commit(OpSign, Signing{Assertion: a, KeyPairs: pkps, Session: sess, Message: message}); err != nil {
		return nil, err
	}

	net, err := o.network(ctx)
	if err != nil {
		return nil, o.fail(OpSign, err, o.recoverTarget(a, pkps, sess))
	}
	s := signer.New(net, &signer.Options{Now: o.now, Logger: o.log})
	res, err := s.SignMessage(ctx, sess, message, sess.KeyPair)
	if err == nil && !signer.Verify(res, message, sess.KeyPair.Address) {
		err = signer.ErrAddressMismatch
	}
	if err != nil {
		return nil, o.fail(OpSign, err, o.recoverTarget(a, pkps, sess))
	}
	return res, o.commit(OpSign, Signed{Assertion: a, KeyPairs: pkps, Session: sess, Message: message, Result: res})
}

// Acknowledge clears an Error and returns to its recovery state.
func (o *Orchestrator) Acknowledge() error {
	_, st, end, err := o.begin(context.Background(), OpAck, is[Error])
	if err != nil {
		return err
	}
	defer end()
	return o.commit(OpAck, st.(Error).RecoverTo)
}
