// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

// Package signer asks the signing network for a threshold signature over an
// application message and verifies it locally by recovering the signer.
package signer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aplane-algo/pkpauth/internal/ethkey"
	"github.com/aplane-algo/pkpauth/internal/litnode"
	"github.com/aplane-algo/pkpauth/internal/logging"
	"github.com/aplane-algo/pkpauth/internal/relay"
)

var (
	// ErrSigningNetwork covers missing, mismatched or expired credentials
	// and failed remote execution.
	ErrSigningNetwork = errors.New("signing network error")

	// ErrIncompleteShare means the execution returned no combinable
	// signature under the requested name.
	ErrIncompleteShare = errors.New("incomplete signature share")

	// ErrAddressMismatch means the combined signature recovers to an address
	// other than the key pair's.
	ErrAddressMismatch = errors.New("recovered address does not match key pair")
)

// SigName names the signature the action produces.
const SigName = "sig1"

// SignAction is the action executed on every node. It reads toSign,
// publicKey and sigName from its parameters.
const SignAction = `const go = async () => {
  const sigShare = await LitActions.signEcdsa({ toSign, publicKey, sigName });
};
go();`

// Executor runs action code on the signing network.
type Executor interface {
	ExecuteJS(ctx context.Context, creds *litnode.SessionCredentials, code string, jsParams map[string]any) (*litnode.ExecuteResult, error)
}

// SignatureResult is a verified-shape signature over a message digest.
type SignatureResult struct {
	R          [32]byte
	S          [32]byte
	RecoveryID byte
	// Signature is 0x-prefixed r||s||v with v = 27 + RecoveryID.
	Signature        string
	DataSigned       []byte
	RecoveredAddress string
}

// Signer requests signatures through an Executor.
type Signer struct {
	exec Executor
	now  func() time.Time
	log  *slog.Logger
}

// Options configures a Signer.
type Options struct {
	// Now is the clock used for the local expiry check (default: time.Now).
	Now    func() time.Time
	Logger *slog.Logger
}

// New creates a Signer. opts may be nil.
func New(exec Executor, opts *Options) *Signer {
	if opts == nil {
		opts = &Options{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Signer{exec: exec, now: now, log: logging.Or(opts.Logger)}
}

// SignMessage signs message with kp using the wall clock for expiry.
func SignMessage(ctx context.Context, exec Executor, creds *litnode.SessionCredentials, message []byte, kp relay.KeyPair) (*SignatureResult, error) {
	return New(exec, nil).SignMessage(ctx, creds, message, kp)
}

// SignMessage hashes message per EIP-191, has the network sign the digest
// with kp under creds and returns the combined signature with the address
// it recovers to.
func (s *Signer) SignMessage(ctx context.Context, creds *litnode.SessionCredentials, message []byte, kp relay.KeyPair) (*SignatureResult, error) {
	switch {
	case creds == nil:
		return nil, fmt.Errorf("%w: no session credentials", ErrSigningNetwork)
	case !ethkey.EqualAddress(creds.KeyPair.Address, kp.Address):
		return nil, fmt.Errorf("%w: credentials are for %s, not %s", ErrSigningNetwork, creds.KeyPair.Address, kp.Address)
	case !creds.Valid(s.now()):
		return nil, fmt.Errorf("%w: %w", ErrSigningNetwork, litnode.ErrSessionExpired)
	}

	digest := ethkey.HashMessage(message)
	params := map[string]any{
		"toSign":    byteArray(digest),
		"publicKey": kp.PublicKey,
		"sigName":   SigName,
	}

	s.log.Debug("requesting signature", "address", kp.Address, "message_bytes", len(message))
	res, err := s.exec.ExecuteJS(ctx, creds, SignAction, params)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %w", ErrSigningNetwork, err)
	}

	sig, ok := res.Signatures[SigName]
	if !ok {
		return nil, fmt.Errorf("%w: no %q signature in response", ErrIncompleteShare, SigName)
	}
	if !bytes.Equal(sig.DataSigned, digest) {
		return nil, fmt.Errorf("%w: network signed a different digest", ErrIncompleteShare)
	}
	if sig.PublicKey != "" && !strings.EqualFold(strings.TrimPrefix(sig.PublicKey, "0x"), strings.TrimPrefix(kp.PublicKey, "0x")) {
		return nil, fmt.Errorf("%w: signed with a different public key", ErrIncompleteShare)
	}

	recovered, err := ethkey.RecoverAddress(digest, sig.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIncompleteShare, err)
	}
	result := &SignatureResult{
		R:                sig.R,
		S:                sig.S,
		RecoveryID:       sig.RecoveryID,
		Signature:        sig.Hex(),
		DataSigned:       digest,
		RecoveredAddress: recovered,
	}
	if !ethkey.EqualAddress(recovered, kp.Address) {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrAddressMismatch, recovered, kp.Address)
	}
	return result, nil
}

// Verify reports whether result is a signature over message by
// expectedAddress. Malformed input yields false.
func Verify(result *SignatureResult, message []byte, expectedAddress string) bool {
	if result == nil || expectedAddress == "" {
		return false
	}
	sig := ethkey.Signature{R: result.R, S: result.S, RecoveryID: result.RecoveryID}
	recovered, err := ethkey.RecoverAddress(ethkey.HashMessage(message), sig)
	if err != nil {
		return false
	}
	return ethkey.EqualAddress(recovered, expectedAddress)
}

// byteArray encodes b as a JSON array of numbers.
func byteArray(b []byte) []int {
	out := make([]int, len(b))
	for i, v := range b {
		out[i] = int(v)
	}
	return out
}
