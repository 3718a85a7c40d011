// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package ethkey

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// SignatureLength is the size of an r||s||v signature.
const SignatureLength = 65

// recoveryOffset is added to the recovery id in the joined v byte.
const recoveryOffset = 27

// ErrInvalidSignature is returned for signatures that cannot be decoded or
// do not recover to a public key.
var ErrInvalidSignature = errors.New("invalid signature")

// Signature is a recoverable secp256k1 ECDSA signature.
type Signature struct {
	R          [32]byte
	S          [32]byte
	RecoveryID byte
}

// Sign produces a deterministic low-S signature of hash with key.
func Sign(key *secp256k1.PrivateKey, hash []byte) Signature {
	compact := ecdsa.SignCompact(key, hash, false)
	var sig Signature
	sig.RecoveryID = compact[0] - recoveryOffset
	copy(sig.R[:], compact[1:33])
	copy(sig.S[:], compact[33:65])
	return sig
}

// Bytes returns r||s||v with v = 27 + recovery id.
func (s Signature) Bytes() []byte {
	out := make([]byte, SignatureLength)
	copy(out[:32], s.R[:])
	copy(out[32:64], s.S[:])
	out[64] = recoveryOffset + s.RecoveryID
	return out
}

// Hex returns the 0x-prefixed joined signature.
func (s Signature) Hex() string {
	return "0x" + hex.EncodeToString(s.Bytes())
}

// ParseSignature decodes a 65 byte hex signature. The trailing byte may be
// either a raw recovery id (0..3) or the 27-offset form.
func ParseSignature(str string) (Signature, error) {
	raw, err := hex.DecodeString(trimHexPrefix(str))
	if err != nil {
		return Signature{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if len(raw) != SignatureLength {
		return Signature{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(raw))
	}
	var sig Signature
	copy(sig.R[:], raw[:32])
	copy(sig.S[:], raw[32:64])
	v := raw[64]
	if v >= recoveryOffset {
		v -= recoveryOffset
	}
	if v > 3 {
		return Signature{}, fmt.Errorf("%w: recovery id %d", ErrInvalidSignature, raw[64])
	}
	sig.RecoveryID = v
	return sig, nil
}

// RecoverPublicKey returns the public key that produced sig over hash.
func RecoverPublicKey(hash []byte, sig Signature) (*secp256k1.PublicKey, error) {
	if sig.RecoveryID > 3 {
		return nil, fmt.Errorf("%w: recovery id %d", ErrInvalidSignature, sig.RecoveryID)
	}
	compact := make([]byte, SignatureLength)
	compact[0] = recoveryOffset + sig.RecoveryID
	copy(compact[1:33], sig.R[:])
	copy(compact[33:], sig.S[:])

	pub, _, err := ecdsa.RecoverCompact(compact, hash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return pub, nil
}

// RecoverAddress returns the address that produced sig over hash.
func RecoverAddress(hash []byte, sig Signature) (string, error) {
	pub, err := RecoverPublicKey(hash, sig)
	if err != nil {
		return "", err
	}
	return PublicKeyToAddress(pub), nil
}

// VerifyMessage reports whether sig over the personal-message digest of msg
// recovers to address. Malformed input yields false.
func VerifyMessage(msg []byte, sig Signature, address string) bool {
	recovered, err := RecoverAddress(HashMessage(msg), sig)
	if err != nil {
		return false
	}
	return EqualAddress(recovered, address)
}
