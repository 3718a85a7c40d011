// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

// Package identity turns a federated login round trip into an identity
// assertion: it builds the provider login URL and recognises and parses the
// navigation that returns to the application.
package identity

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Provider names an identity provider.
type Provider string

// Supported providers.
const (
	ProviderGoogle Provider = "google"
)

// authMethodTypes maps providers to the signing network's auth method type.
var authMethodTypes = map[Provider]int{
	ProviderGoogle: 6, // Google JWT
}

// AuthMethodType returns the signing network's numeric auth method type for
// p, or 0 when p is unknown.
func (p Provider) AuthMethodType() int {
	return authMethodTypes[p]
}

// Valid reports whether p is a supported provider.
func (p Provider) Valid() bool {
	_, ok := authMethodTypes[p]
	return ok
}

// Assertion is the bearer credential returned by the provider. It is
// immutable once extracted.
type Assertion struct {
	Token    string
	Provider Provider
}

// IsZero reports whether the assertion carries no token.
func (a Assertion) IsZero() bool {
	return a.Token == ""
}

// String redacts the token.
func (a Assertion) String() string {
	if a.Token == "" {
		return string(a.Provider) + ":<none>"
	}
	return string(a.Provider) + ":<redacted>"
}

// Claims are the informational claims read from a JWT assertion.
type Claims struct {
	Subject   string
	Issuer    string
	Audience  []string
	ExpiresAt time.Time
}

// Claims decodes the assertion's JWT payload without verifying it. Opaque
// (non-JWT) tokens are valid assertions and return ok=false. The network
// verifies the token; these claims are for display and expiry hints only.
func (a Assertion) Claims() (Claims, bool) {
	if strings.Count(a.Token, ".") != 2 {
		return Claims{}, false
	}
	var rc jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(a.Token, &rc); err != nil {
		return Claims{}, false
	}
	c := Claims{
		Subject:  rc.Subject,
		Issuer:   rc.Issuer,
		Audience: rc.Audience,
	}
	if rc.ExpiresAt != nil {
		c.ExpiresAt = rc.ExpiresAt.Time
	}
	return c, true
}

// Expired reports whether the assertion's exp claim is at or before now.
// Tokens without an exp claim are never considered expired locally.
func (a Assertion) Expired(now time.Time) bool {
	c, ok := a.Claims()
	if !ok || c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(c.ExpiresAt)
}
