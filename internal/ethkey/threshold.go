// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package ethkey

import (
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Errors returned when combining signature shares.
var (
	// ErrNotEnoughShares means fewer shares than the threshold were supplied.
	ErrNotEnoughShares = errors.New("not enough signature shares")

	// ErrDuplicateShare means two shares carry the same index.
	ErrDuplicateShare = errors.New("duplicate share index")
)

// Share is one evaluation of a secret-sharing polynomial over the secp256k1
// group order. Index is the non-zero evaluation point.
type Share struct {
	Index uint32
	Value [32]byte
}

// EvalPolynomial evaluates secret + c1*x + c2*x^2 + ... at x.
func EvalPolynomial(secret *secp256k1.ModNScalar, coeffs []secp256k1.ModNScalar, x uint32) [32]byte {
	var xs, acc secp256k1.ModNScalar
	xs.SetInt(x)

	// Horner's rule from the highest coefficient down.
	for i := len(coeffs) - 1; i >= 0; i-- {
		acc.Add(&coeffs[i])
		acc.Mul(&xs)
	}
	acc.Add(secret)
	return acc.Bytes()
}

// InterpolateZero recovers the shared secret from the first threshold
// shares by Lagrange interpolation at x = 0.
func InterpolateZero(shares []Share, threshold int) (secp256k1.ModNScalar, error) {
	var result secp256k1.ModNScalar
	if threshold < 1 || len(shares) < threshold {
		return result, fmt.Errorf("%w: have %d, need %d", ErrNotEnoughShares, len(shares), threshold)
	}
	used := shares[:threshold]

	seen := make(map[uint32]bool, threshold)
	for _, sh := range used {
		if sh.Index == 0 || seen[sh.Index] {
			return result, fmt.Errorf("%w: %d", ErrDuplicateShare, sh.Index)
		}
		seen[sh.Index] = true
	}

	for i, si := range used {
		var num, den, xi secp256k1.ModNScalar
		num.SetInt(1)
		den.SetInt(1)
		xi.SetInt(si.Index)

		for j, sj := range used {
			if i == j {
				continue
			}
			var xj, diff secp256k1.ModNScalar
			xj.SetInt(sj.Index)
			num.Mul(&xj)
			// diff = xj - xi
			diff.NegateVal(&xi).Add(&xj)
			den.Mul(&diff)
		}

		var value secp256k1.ModNScalar
		if overflow := value.SetByteSlice(si.Value[:]); overflow {
			return result, fmt.Errorf("share %d exceeds group order", si.Index)
		}
		den.InverseNonConst()
		value.Mul(&num).Mul(&den)
		result.Add(&value)
	}
	return result, nil
}

// NormalizeS rewrites sig into its low-S form, flipping the y parity bit of
// the recovery id when s is negated.
func NormalizeS(sig Signature) Signature {
	var s secp256k1.ModNScalar
	s.SetByteSlice(sig.S[:])
	if !s.IsOverHalfOrder() {
		return sig
	}
	s.Negate()
	sig.S = s.Bytes()
	sig.RecoveryID ^= 1
	return sig
}
