// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package relay

import (
	"strings"

	"github.com/aplane-algo/pkpauth/internal/ethkey"
)

// KeyPair is a PKP record as reported by the relay. Address is always the
// checksummed address derived from PublicKey.
type KeyPair struct {
	TokenID   string `json:"tokenId,omitempty"`
	Address   string `json:"ethAddress"`
	PublicKey string `json:"publicKey"`
}

// MintRequest identifies an asynchronous mint.
type MintRequest struct {
	RequestID string `json:"requestId"`
}

// MintStatus is the normalized state of a mint request.
type MintStatus string

// Mint states.
const (
	StatusPending MintStatus = "pending"
	StatusSuccess MintStatus = "success"
	StatusFailure MintStatus = "failure"
)

// ParseMintStatus maps the relay's status spellings onto MintStatus.
func ParseMintStatus(s string) (MintStatus, bool) {
	switch strings.ToLower(s) {
	case "pending", "inprogress", "in_progress":
		return StatusPending, true
	case "success", "succeeded":
		return StatusSuccess, true
	case "failure", "failed":
		return StatusFailure, true
	}
	return "", false
}

// idTokenBody is the request body for list and mint.
type idTokenBody struct {
	IDToken string `json:"idToken"`
}

// listResponse uses a pointer so a missing field can be told apart from an
// empty list.
type listResponse struct {
	PKPs *[]KeyPair `json:"pkps"`
}

type statusResponse struct {
	Status        string `json:"status"`
	PKPEthAddress string `json:"pkpEthAddress,omitempty"`
	PKPPublicKey  string `json:"pkpPublicKey,omitempty"`
	PKPTokenID    string `json:"pkpTokenId,omitempty"`
	Error         string `json:"error,omitempty"`
}

// validateKeyPair checks that both fields are present and that the address
// is the one derived from the public key. It returns the normalized record.
func validateKeyPair(kp KeyPair) (KeyPair, error) {
	if kp.Address == "" || kp.PublicKey == "" {
		return KeyPair{}, protocolErr("key pair missing address or public key")
	}
	pub, err := ethkey.ParsePublicKey(kp.PublicKey)
	if err != nil {
		return KeyPair{}, protocolErr("key pair public key: %v", err)
	}
	derived := ethkey.PublicKeyToAddress(pub)
	if !ethkey.EqualAddress(derived, kp.Address) {
		return KeyPair{}, protocolErr("address %s does not match public key (derived %s)", kp.Address, derived)
	}
	return KeyPair{
		TokenID:   kp.TokenID,
		Address:   derived,
		PublicKey: ethkey.PublicKeyHex(pub),
	}, nil
}
