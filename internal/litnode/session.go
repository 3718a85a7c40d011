// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package litnode

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aplane-algo/pkpauth/internal/ethkey"
	"github.com/aplane-algo/pkpauth/internal/identity"
	"github.com/aplane-algo/pkpauth/internal/relay"
)

// SessionKeyURIPrefix prefixes the hex session public key in capability URIs.
const SessionKeyURIPrefix = "lit:session:"

// DefaultResource grants execution of any action.
const DefaultResource = "litAction://*"

// siweDomain and siweStatement fill the capability message.
const (
	siweDomain    = "localhost"
	siweStatement = "Lit Protocol PKP session signature"
)

// chainIDs maps supported chain names to EIP-155 chain ids.
var chainIDs = map[string]int{
	"ethereum": 1,
	"goerli":   5,
	"polygon":  137,
	"mumbai":   80001,
}

// Scope is the set of resources, chain and lifetime requested for a session.
type Scope struct {
	Resources []string      `yaml:"resources"`
	Chain     string        `yaml:"chain"`
	TTL       time.Duration `yaml:"ttl"`
}

// DefaultScope requests action execution on ethereum for 24 hours.
func DefaultScope() Scope {
	return Scope{Resources: []string{DefaultResource}, Chain: "ethereum", TTL: 24 * time.Hour}
}

// Validate rejects malformed scopes.
func (s Scope) Validate() error {
	if len(s.Resources) == 0 {
		return fmt.Errorf("%w: no resources", ErrInvalidScope)
	}
	for _, r := range s.Resources {
		if _, err := abilityFor(r); err != nil {
			return err
		}
	}
	if _, ok := chainIDs[s.Chain]; !ok {
		return fmt.Errorf("%w: unknown chain %q", ErrInvalidScope, s.Chain)
	}
	if s.TTL <= 0 {
		return fmt.Errorf("%w: ttl must be positive", ErrInvalidScope)
	}
	return nil
}

// abilityFor maps a resource URI to the ability requested on it.
func abilityFor(resource string) (string, error) {
	scheme, id, ok := strings.Cut(resource, "://")
	if !ok || id == "" {
		return "", fmt.Errorf("%w: resource %q is not scheme://id", ErrInvalidScope, resource)
	}
	switch scheme {
	case "litAction":
		return "litActionExecution", nil
	case "litPKP":
		return "pkpSigning", nil
	}
	return "", fmt.Errorf("%w: unsupported resource scheme %q", ErrInvalidScope, scheme)
}

// CapabilityRequest is what a CapabilityFunc is asked to delegate.
type CapabilityRequest struct {
	Resource      string
	Chain         string
	ChainID       int
	SessionKeyURI string
	IssuedAt      time.Time
	Expiration    time.Time
}

// CapabilityFunc obtains a PKP-signed capability for one resource. It is
// passed by value into CreateSessionWith and captures nothing mutable.
type CapabilityFunc func(ctx context.Context, req CapabilityRequest) (Capability, error)

// SessionCredentials are short-lived, resource-scoped credentials for one
// key pair. They are built all-or-nothing and never mutated afterwards.
type SessionCredentials struct {
	KeyPair      relay.KeyPair
	SessionKey   string
	Chain        string
	Capabilities map[string]Capability
	NodeSigs     map[string]SessionSig
	IssuedAt     time.Time
	Expiration   time.Time
}

// Valid reports whether the credentials exist and have not expired at now.
func (s *SessionCredentials) Valid(now time.Time) bool {
	return s != nil && now.Before(s.Expiration)
}

// SessionKeyURI returns the URI form of the session public key.
func (s *SessionCredentials) SessionKeyURI() string {
	return SessionKeyURIPrefix + s.SessionKey
}

// AuthMethodCapability returns a CapabilityFunc that presents the assertion
// and the key pair's public key to the network. Both are captured by value.
func (c *Client) AuthMethodCapability(a identity.Assertion, kp relay.KeyPair) CapabilityFunc {
	authMethods := []AuthMethod{{AuthMethodType: a.Provider.AuthMethodType(), AccessToken: a.Token}}

	return func(ctx context.Context, req CapabilityRequest) (Capability, error) {
		msg := SIWEMessage{
			Domain:         siweDomain,
			Address:        kp.Address,
			Statement:      siweStatement,
			URI:            req.SessionKeyURI,
			Version:        "1",
			ChainID:        req.ChainID,
			Nonce:          hex.EncodeToString(ethkey.Keccak256([]byte(req.SessionKeyURI))[:8]),
			IssuedAt:       req.IssuedAt,
			ExpirationTime: req.Expiration,
			Resources:      []string{req.Resource},
		}.String()

		params := SignSessionKeyParams{
			SessionKey:   req.SessionKeyURI,
			AuthMethods:  authMethods,
			PKPPublicKey: kp.PublicKey,
			SiweMessage:  msg,
			Resources:    []string{req.Resource},
			ChainID:      req.ChainID,
			Expiration:   req.Expiration.UTC().Format(time.RFC3339),
		}

		results, errs := fanOut(ctx, c.nodes, func(ctx context.Context, n *node) (SignatureShare, error) {
			var res SignSessionKeyResult
			err := n.rpc.Call(ctx, MethodSignSessionKey, params, &res)
			return res.SignatureShare, err
		})
		if len(results) < c.threshold {
			return Capability{}, fmt.Errorf("%d nodes signed the session key, need %d: %w",
				len(results), c.threshold, errors.Join(errs...))
		}

		shares := make([]SignatureShare, 0, len(results))
		for _, sh := range results {
			shares = append(shares, sh)
		}
		sig, err := CombineShares(shares, c.threshold)
		if err != nil {
			return Capability{}, err
		}

		recovered, err := ethkey.RecoverAddress(ethkey.HashMessage([]byte(msg)), sig.Signature)
		if err != nil {
			return Capability{}, err
		}
		if !ethkey.EqualAddress(recovered, kp.Address) {
			return Capability{}, fmt.Errorf("%w: signed by %s, want %s", ErrInvalidCapability, recovered, kp.Address)
		}

		return Capability{
			Sig:           sig.Hex(),
			DerivedVia:    DerivedViaPKP,
			SignedMessage: msg,
			Address:       kp.Address,
		}, nil
	}
}

// CreateSession builds session credentials for kp by presenting the
// assertion to the network for every resource in scope.
func (c *Client) CreateSession(ctx context.Context, a identity.Assertion, kp relay.KeyPair, scope Scope) (*SessionCredentials, error) {
	if a.IsZero() {
		return nil, fmt.Errorf("%w: empty identity assertion", ErrSessionCreation)
	}
	return c.CreateSessionWith(ctx, kp, scope, c.AuthMethodCapability(a, kp))
}

// CreateSessionWith builds session credentials using fn to obtain each
// resource's capability. Nothing is returned unless every capability and
// every node signature succeeds.
func (c *Client) CreateSessionWith(ctx context.Context, kp relay.KeyPair, scope Scope, fn CapabilityFunc) (*SessionCredentials, error) {
	if err := scope.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionCreation, err)
	}
	if fn == nil {
		return nil, fmt.Errorf("%w: no capability function", ErrSessionCreation)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: session key: %v", ErrSessionCreation, err)
	}
	sessionKey := hex.EncodeToString(pub)

	issuedAt := c.now().UTC().Truncate(time.Second)
	expiration := issuedAt.Add(scope.TTL)

	capabilities := make(map[string]Capability, len(scope.Resources))
	requests := make([]ResourceAbility, 0, len(scope.Resources))
	for _, resource := range scope.Resources {
		ability, _ := abilityFor(resource)
		requests = append(requests, ResourceAbility{Resource: resource, Ability: ability})

		capability, err := fn(ctx, CapabilityRequest{
			Resource:      resource,
			Chain:         scope.Chain,
			ChainID:       chainIDs[scope.Chain],
			SessionKeyURI: SessionKeyURIPrefix + sessionKey,
			IssuedAt:      issuedAt,
			Expiration:    expiration,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: capability for %s: %v", ErrSessionCreation, resource, err)
		}
		if !ethkey.EqualAddress(capability.Address, kp.Address) {
			return nil, fmt.Errorf("%w: capability for %s delegated by %s, want %s",
				ErrSessionCreation, resource, capability.Address, kp.Address)
		}
		capabilities[resource] = capability
	}

	capList := make([]Capability, 0, len(scope.Resources))
	for _, resource := range scope.Resources {
		capList = append(capList, capabilities[resource])
	}

	nodeSigs := make(map[string]SessionSig, len(c.nodes))
	for _, n := range c.nodes {
		payload := SessionSigPayload{
			SessionKey:              sessionKey,
			ResourceAbilityRequests: requests,
			Capabilities:            capList,
			IssuedAt:                issuedAt.Format(time.RFC3339),
			Expiration:              expiration.Format(time.RFC3339),
			NodeAddress:             n.address,
		}
		signed, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSessionCreation, err)
		}
		nodeSigs[n.url] = SessionSig{
			Sig:           hex.EncodeToString(ed25519.Sign(priv, signed)),
			DerivedVia:    DerivedViaSession,
			SignedMessage: string(signed),
			Address:       sessionKey,
			Algo:          SessionSigAlgo,
		}
	}

	c.log.Debug("session created", "address", kp.Address, "resources", len(capabilities), "expires", expiration)
	return &SessionCredentials{
		KeyPair:      kp,
		SessionKey:   sessionKey,
		Chain:        scope.Chain,
		Capabilities: capabilities,
		NodeSigs:     nodeSigs,
		IssuedAt:     issuedAt,
		Expiration:   expiration,
	}, nil
}
