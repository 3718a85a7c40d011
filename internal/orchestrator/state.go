// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package orchestrator

import (
	"github.com/aplane-algo/pkpauth/internal/identity"
	"github.com/aplane-algo/pkpauth/internal/litnode"
	"github.com/aplane-algo/pkpauth/internal/relay"
	"github.com/aplane-algo/pkpauth/internal/signer"
)

// State is one workflow state. The set of implementations is closed; each
// carries only the data that is valid in it. State values are never
// mutated once published.
type State interface {
	String() string
	state()
}

// SignedOut is the initial state.
type SignedOut struct{}

// AwaitingRedirect means a returning navigation is being processed.
type AwaitingRedirect struct{}

// FetchingKeys means the relay is listing the identity's key pairs.
type FetchingKeys struct {
	Assertion identity.Assertion
}

// KeysFetched holds the identity and its key pairs.
type KeysFetched struct {
	Assertion identity.Assertion
	KeyPairs  []relay.KeyPair
}

// Minting means a mint request is in flight. RequestID is empty until
// the relay has accepted the request.
type Minting struct {
	Assertion identity.Assertion
	KeyPairs  []relay.KeyPair
	RequestID string
}

// Minted holds a freshly minted key pair, already appended to KeyPairs.
type Minted struct {
	Assertion identity.Assertion
	KeyPairs  []relay.KeyPair
	Minted    relay.KeyPair
}

// CreatingSession means credentials are being built for Target. Prior is
// the session held before, if any.
type CreatingSession struct {
	Assertion identity.Assertion
	KeyPairs  []relay.KeyPair
	Target    relay.KeyPair
	Prior     *litnode.SessionCredentials
}

// SessionReady holds usable session credentials for Session.KeyPair.
type SessionReady struct {
	Assertion identity.Assertion
	KeyPairs  []relay.KeyPair
	Session   *litnode.SessionCredentials
}

// Signing means a signature over Message is being requested.
type Signing struct {
	Assertion identity.Assertion
	KeyPairs  []relay.KeyPair
	Session   *litnode.SessionCredentials
	Message   []byte
}

// Signed holds the last verified signature. It allows everything
// SessionReady does.
type Signed struct {
	Assertion identity.Assertion
	KeyPairs  []relay.KeyPair
	Session   *litnode.SessionCredentials
	Message   []byte
	Result    *signer.SignatureResult
}

// Error records a failed operation and the state Acknowledge returns to.
type Error struct {
	Err       error
	Op        string
	RecoverTo State
}

func (SignedOut) String() string        { return "SignedOut" }
func (AwaitingRedirect) String() string { return "AwaitingRedirect" }
func (FetchingKeys) String() string     { return "FetchingKeys" }
func (KeysFetched) String() string      { return "KeysFetched" }
func (Minting) String() string          { return "Minting" }
func (Minted) String() string           { return "Minted" }
func (CreatingSession) String() string  { return "CreatingSession" }
func (SessionReady) String() string     { return "SessionReady" }
func (Signing) String() string          { return "Signing" }
func (Signed) String() string           { return "Signed" }
func (e Error) String() string          { return "Error(" + e.RecoverTo.String() + ")" }

func (SignedOut) state()        {}
func (AwaitingRedirect) state() {}
func (FetchingKeys) state()     {}
func (KeysFetched) state()      {}
func (Minting) state()          {}
func (Minted) state()           {}
func (CreatingSession) state()  {}
func (SessionReady) state()     {}
func (Signing) state()          {}
func (Signed) state()           {}
func (Error) state()            {}

// Transition is delivered to subscribers after every state change.
type Transition struct {
	Op   string
	From State
	To   State
}

// session returns the identity, key pairs and credentials held by states
// that have a usable session.
func session(s State) (identity.Assertion, []relay.KeyPair, *litnode.SessionCredentials, bool) {
	switch st := s.(type) {
	case SessionReady:
		return st.Assertion, st.KeyPairs, st.Session, true
	case Signed:
		return st.Assertion, st.KeyPairs, st.Session, true
	}
	return identity.Assertion{}, nil, nil, false
}

// appendKeyPair returns a new collection of len(pkps)+1 ending in kp.
func appendKeyPair(pkps []relay.KeyPair, kp relay.KeyPair) []relay.KeyPair {
	out := make([]relay.KeyPair, len(pkps), len(pkps)+1)
	copy(out, pkps)
	return append(out, kp)
}
