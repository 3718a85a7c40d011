// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package litnode

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aplane-algo/pkpauth/internal/ethkey"
)

// VerifySessionSig checks a session signature presented to the node at
// nodeAddress and returns its payload. It verifies the ed25519 signature,
// the node binding, the expiry and every embedded capability.
func VerifySessionSig(sig SessionSig, nodeAddress string, now time.Time) (*SessionSigPayload, error) {
	if sig.DerivedVia != DerivedViaSession || sig.Algo != SessionSigAlgo {
		return nil, fmt.Errorf("%w: unsupported derivation %q/%q", ErrInvalidSessionSig, sig.DerivedVia, sig.Algo)
	}
	pub, err := hex.DecodeString(sig.Address)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: bad session key", ErrInvalidSessionSig)
	}
	raw, err := hex.DecodeString(sig.Sig)
	if err != nil || !ed25519.Verify(pub, []byte(sig.SignedMessage), raw) {
		return nil, fmt.Errorf("%w: signature does not verify", ErrInvalidSessionSig)
	}

	var payload SessionSigPayload
	if err := json.Unmarshal([]byte(sig.SignedMessage), &payload); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrInvalidSessionSig, err)
	}
	if payload.SessionKey != sig.Address {
		return nil, fmt.Errorf("%w: payload session key mismatch", ErrInvalidSessionSig)
	}
	if payload.NodeAddress != nodeAddress {
		return nil, fmt.Errorf("%w: issued for node %s", ErrInvalidSessionSig, payload.NodeAddress)
	}
	expiration, err := time.Parse(time.RFC3339, payload.Expiration)
	if err != nil {
		return nil, fmt.Errorf("%w: expiration: %v", ErrInvalidSessionSig, err)
	}
	if !now.Before(expiration) {
		return nil, fmt.Errorf("%w: %w at %s", ErrInvalidSessionSig, ErrSessionExpired, payload.Expiration)
	}

	uri := SessionKeyURIPrefix + payload.SessionKey
	for _, capability := range payload.Capabilities {
		if _, err := VerifyCapability(capability, uri, now); err != nil {
			return nil, err
		}
	}
	return &payload, nil
}

// VerifyCapability checks that capability is a PKP signature over a SIWE
// message delegating to sessionKeyURI that has not expired at now.
func VerifyCapability(capability Capability, sessionKeyURI string, now time.Time) (*SIWEMessage, error) {
	sig, err := ethkey.ParseSignature(capability.Sig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCapability, err)
	}
	recovered, err := ethkey.RecoverAddress(ethkey.HashMessage([]byte(capability.SignedMessage)), sig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCapability, err)
	}
	if !ethkey.EqualAddress(recovered, capability.Address) {
		return nil, fmt.Errorf("%w: signed by %s, claims %s", ErrInvalidCapability, recovered, capability.Address)
	}

	msg, err := ParseSIWE(capability.SignedMessage)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCapability, err)
	}
	if !ethkey.EqualAddress(msg.Address, capability.Address) {
		return nil, fmt.Errorf("%w: message address mismatch", ErrInvalidCapability)
	}
	if msg.URI != sessionKeyURI {
		return nil, fmt.Errorf("%w: delegates to %s", ErrInvalidCapability, msg.URI)
	}
	if !msg.ExpirationTime.IsZero() && !now.Before(msg.ExpirationTime) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCapability, ErrSessionExpired)
	}
	return &msg, nil
}

// Covers reports whether any granted resource covers the requested one. A
// trailing "*" matches any id under the same scheme.
func Covers(granted []string, requested string) bool {
	for _, g := range granted {
		if g == requested {
			return true
		}
		if prefix, ok := strings.CutSuffix(g, "*"); ok && strings.HasPrefix(requested, prefix) {
			return true
		}
	}
	return false
}
