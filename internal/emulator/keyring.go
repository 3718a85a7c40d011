// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package emulator

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/hkdf"

	"github.com/aplane-algo/pkpauth/internal/ethkey"
	"github.com/aplane-algo/pkpauth/internal/litnode"
	"github.com/aplane-algo/pkpauth/internal/relay"
)

// ErrUnknownKey is returned when a public key is not in the keyring.
var ErrUnknownKey = errors.New("unknown PKP")

type pkp struct {
	priv  *secp256k1.PrivateKey
	kp    relay.KeyPair
	owner string
}

// Keyring holds the emulated network's PKPs and the identity each is bound
// to. The whole network shares one keyring; each node only ever releases its
// own share of a signature.
type Keyring struct {
	mu        sync.RWMutex
	byAddress map[string]*pkp
	byOwner   map[string][]string
	nextToken uint64
}

// NewKeyring creates an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{
		byAddress: make(map[string]*pkp),
		byOwner:   make(map[string][]string),
	}
}

// Mint generates a new PKP bound to owner.
func (k *Keyring) Mint(owner string) (relay.KeyPair, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return relay.KeyPair{}, fmt.Errorf("failed to generate key: %w", err)
	}
	return k.add(priv, owner), nil
}

// Import binds an existing private key to owner. Used to seed fixtures.
func (k *Keyring) Import(priv *secp256k1.PrivateKey, owner string) relay.KeyPair {
	return k.add(priv, owner)
}

func (k *Keyring) add(priv *secp256k1.PrivateKey, owner string) relay.KeyPair {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.nextToken++
	pub := priv.PubKey()
	kp := relay.KeyPair{
		TokenID:   strconv.FormatUint(k.nextToken, 10),
		Address:   ethkey.PublicKeyToAddress(pub),
		PublicKey: ethkey.PublicKeyHex(pub),
	}
	key := strings.ToLower(kp.Address)
	if existing, ok := k.byAddress[key]; ok {
		return existing.kp
	}
	k.byAddress[key] = &pkp{priv: priv, kp: kp, owner: owner}
	k.byOwner[owner] = append(k.byOwner[owner], key)
	return kp
}

// List returns owner's PKPs in mint order.
func (k *Keyring) List(owner string) []relay.KeyPair {
	k.mu.RLock()
	defer k.mu.RUnlock()

	out := make([]relay.KeyPair, 0, len(k.byOwner[owner]))
	for _, addr := range k.byOwner[owner] {
		out = append(out, k.byAddress[addr].kp)
	}
	return out
}

// lookup finds a PKP by hex public key.
func (k *Keyring) lookup(publicKey string) (*pkp, error) {
	addr, err := ethkey.AddressFromPublicKey(publicKey)
	if err != nil {
		return nil, err
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	p, ok := k.byAddress[strings.ToLower(addr)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, addr)
	}
	return p, nil
}

// signatureShare signs hash with the PKP and returns the share at index of
// a degree threshold-1 polynomial hiding s. Coefficients are derived from
// the key and the hash so every node derives the same polynomial.
func signatureShare(p *pkp, hash []byte, index uint32, threshold int) (litnode.SignatureShare, error) {
	sig := ethkey.Sign(p.priv, hash)

	var s secp256k1.ModNScalar
	s.SetByteSlice(sig.S[:])

	secret := p.priv.Key.Bytes()
	coeffs := make([]secp256k1.ModNScalar, threshold-1)
	for j := range coeffs {
		r := hkdf.New(sha256.New, secret[:], hash, []byte("pkp-share-coefficient-"+strconv.Itoa(j+1)))
		var buf [32]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return litnode.SignatureShare{}, fmt.Errorf("failed to derive coefficient: %w", err)
		}
		coeffs[j].SetByteSlice(buf[:])
	}

	share := ethkey.EvalPolynomial(&s, coeffs, index)
	return litnode.SignatureShare{
		ShareIndex: index,
		R:          hex.EncodeToString(sig.R[:]),
		S:          hex.EncodeToString(share[:]),
		RecoveryID: sig.RecoveryID,
		PublicKey:  p.kp.PublicKey,
		DataSigned: hex.EncodeToString(hash),
	}, nil
}
