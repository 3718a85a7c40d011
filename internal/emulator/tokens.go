// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package emulator

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for identity tokens that do not verify.
var ErrInvalidToken = errors.New("invalid identity token")

// TokenVerifier maps an identity token to the subject it authenticates.
type TokenVerifier interface {
	Verify(token string) (subject string, err error)
}

// StaticTokens accepts a fixed set of opaque tokens.
type StaticTokens map[string]string

// Verify implements TokenVerifier.
func (s StaticTokens) Verify(token string) (string, error) {
	subject, ok := s[token]
	if !ok {
		return "", ErrInvalidToken
	}
	return subject, nil
}

// HMACTokens issues and verifies HS256 JWT identity tokens.
type HMACTokens struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewHMACTokens creates an issuer/verifier keyed by secret.
func NewHMACTokens(secret []byte, issuer string) *HMACTokens {
	return &HMACTokens{secret: secret, issuer: issuer, now: time.Now}
}

// Issue returns a signed token for subject valid for ttl.
func (h *HMACTokens) Issue(subject string, ttl time.Duration) (string, error) {
	now := h.now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    h.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(h.secret)
}

// Verify implements TokenVerifier.
func (h *HMACTokens) Verify(token string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return h.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(h.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(h.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: no subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}

// Verifiers tries each verifier in order.
type Verifiers []TokenVerifier

// Verify implements TokenVerifier.
func (vs Verifiers) Verify(token string) (string, error) {
	for _, v := range vs {
		if subject, err := v.Verify(token); err == nil {
			return subject, nil
		}
	}
	return "", ErrInvalidToken
}
