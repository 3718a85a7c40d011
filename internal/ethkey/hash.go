// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

// Package ethkey provides the Ethereum-flavoured secp256k1 primitives used by
// PKP signing: keccak hashing, personal-message digests, address derivation
// and recoverable signature encoding.
package ethkey

import (
	"strconv"

	"golang.org/x/crypto/sha3"
)

// personalMessagePrefix is the EIP-191 version 0x45 domain separator.
const personalMessagePrefix = "\x19Ethereum Signed Message:\n"

// Keccak256 returns the legacy Keccak-256 digest of the concatenated inputs.
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, b := range data {
		h.Write(b)
	}
	return h.Sum(nil)
}

// HashMessage returns the EIP-191 personal-message digest of msg:
// keccak256("\x19Ethereum Signed Message:\n" + len(msg) + msg).
// The prefix keeps a signed message from ever being a valid transaction hash.
func HashMessage(msg []byte) []byte {
	prefix := personalMessagePrefix + strconv.Itoa(len(msg))
	return Keccak256([]byte(prefix), msg)
}
