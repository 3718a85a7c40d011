// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package litnode

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/aplane-algo/pkpauth/internal/ethkey"
)

// Signature is a combined threshold signature.
type Signature struct {
	ethkey.Signature
	PublicKey  string
	DataSigned []byte
}

// CombineShares interpolates threshold shares into one low-S signature.
// Shares are grouped by r, recovery id, public key and signed data; the
// first group, by lowest share index, that reaches the threshold is used.
func CombineShares(shares []SignatureShare, threshold int) (Signature, error) {
	if len(shares) < threshold {
		return Signature{}, fmt.Errorf("%w: have %d, need %d", ethkey.ErrNotEnoughShares, len(shares), threshold)
	}

	sorted := append([]SignatureShare(nil), shares...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ShareIndex < sorted[j].ShareIndex })

	var order []shareKey
	groups := make(map[shareKey][]SignatureShare)
	for _, sh := range sorted {
		k := keyOf(sh)
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], sh)
	}

	for _, k := range order {
		if group := groups[k]; len(group) >= threshold {
			return combineGroup(group, threshold)
		}
	}
	if len(order) > 1 {
		return Signature{}, fmt.Errorf("%w: %d variants, none with %d shares", ErrShareMismatch, len(order), threshold)
	}
	return Signature{}, fmt.Errorf("%w: have %d, need %d", ethkey.ErrNotEnoughShares, len(sorted), threshold)
}

// shareKey is the part of a share every honest node agrees on.
type shareKey struct {
	r          string
	recoveryID byte
	publicKey  string
	dataSigned string
}

func keyOf(sh SignatureShare) shareKey {
	norm := func(s string) string { return strings.ToLower(strings.TrimPrefix(s, "0x")) }
	return shareKey{
		r:          norm(sh.R),
		recoveryID: sh.RecoveryID,
		publicKey:  norm(sh.PublicKey),
		dataSigned: norm(sh.DataSigned),
	}
}

func combineGroup(group []SignatureShare, threshold int) (Signature, error) {
	first := group[0]
	r, err := decodeScalar(first.R)
	if err != nil {
		return Signature{}, fmt.Errorf("share %d r: %w", first.ShareIndex, err)
	}
	data, err := hex.DecodeString(strings.TrimPrefix(first.DataSigned, "0x"))
	if err != nil {
		return Signature{}, fmt.Errorf("share %d dataSigned: %w", first.ShareIndex, err)
	}

	points := make([]ethkey.Share, 0, len(group))
	for _, sh := range group {
		s, err := decodeScalar(sh.S)
		if err != nil {
			return Signature{}, fmt.Errorf("share %d s: %w", sh.ShareIndex, err)
		}
		points = append(points, ethkey.Share{Index: sh.ShareIndex, Value: s})
	}

	combined, err := ethkey.InterpolateZero(points, threshold)
	if err != nil {
		return Signature{}, err
	}

	sig := ethkey.Signature{R: r, S: combined.Bytes(), RecoveryID: first.RecoveryID}
	return Signature{
		Signature:  ethkey.NormalizeS(sig),
		PublicKey:  first.PublicKey,
		DataSigned: data,
	}, nil
}

// decodeScalar parses a hex value of at most 32 bytes, left-padding it.
func decodeScalar(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return out, err
	}
	if len(raw) > 32 {
		return out, fmt.Errorf("value is %d bytes", len(raw))
	}
	copy(out[32-len(raw):], raw)
	return out, nil
}
