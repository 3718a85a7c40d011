// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package ethkey

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// AddressLength is the byte length of an account address.
const AddressLength = 20

// ErrInvalidPublicKey is returned when a public key cannot be decoded.
var ErrInvalidPublicKey = errors.New("invalid public key")

// ErrInvalidAddress is returned when an address is not 20 hex-encoded bytes.
var ErrInvalidAddress = errors.New("invalid address")

// ParsePublicKey decodes a hex public key (with or without 0x) in either
// uncompressed (65 byte) or compressed (33 byte) SEC1 form.
func ParsePublicKey(s string) (*secp256k1.PublicKey, error) {
	raw, err := hex.DecodeString(trimHexPrefix(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	pub, err := secp256k1.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return pub, nil
}

// PublicKeyHex returns the 0x-prefixed uncompressed encoding of pub.
func PublicKeyHex(pub *secp256k1.PublicKey) string {
	return "0x" + hex.EncodeToString(pub.SerializeUncompressed())
}

// PublicKeyToAddress derives the EIP-55 checksummed address of pub.
func PublicKeyToAddress(pub *secp256k1.PublicKey) string {
	uncompressed := pub.SerializeUncompressed()
	digest := Keccak256(uncompressed[1:])
	return checksumAddress(digest[len(digest)-AddressLength:])
}

// AddressFromPublicKey parses a hex public key and derives its address.
func AddressFromPublicKey(s string) (string, error) {
	pub, err := ParsePublicKey(s)
	if err != nil {
		return "", err
	}
	return PublicKeyToAddress(pub), nil
}

// ChecksumAddress validates addr and returns its EIP-55 form.
func ChecksumAddress(addr string) (string, error) {
	raw, err := hex.DecodeString(trimHexPrefix(addr))
	if err != nil || len(raw) != AddressLength {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	return checksumAddress(raw), nil
}

// EqualAddress compares two hex addresses ignoring case and the 0x prefix.
func EqualAddress(a, b string) bool {
	a, b = trimHexPrefix(a), trimHexPrefix(b)
	if a == "" || b == "" {
		return false
	}
	return strings.EqualFold(a, b)
}

func checksumAddress(raw []byte) string {
	lower := hex.EncodeToString(raw)
	digest := Keccak256([]byte(lower))

	out := make([]byte, len(lower))
	for i := range len(lower) {
		c := lower[i]
		nibble := digest[i/2]
		if i%2 == 0 {
			nibble >>= 4
		}
		if c >= 'a' && c <= 'f' && nibble&0x0f >= 8 {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return "0x" + string(out)
}

func trimHexPrefix(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
