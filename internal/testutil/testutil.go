// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

// Package testutil provides reusable test infrastructure and utilities.
package testutil

import (
	"os"
	"strings"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/aplane-algo/pkpauth/internal/ethkey"
)

// TestKey represents a generated secp256k1 test key pair
type TestKey struct {
	Private   *secp256k1.PrivateKey
	PublicKey string
	Address   string
}

// GenerateTestKey derives a key pair from seed so tests are reproducible.
// seed must be non-zero.
func GenerateTestKey(t *testing.T, seed uint32) *TestKey {
	t.Helper()

	if seed == 0 {
		t.Fatal("GenerateTestKey: seed must be non-zero")
	}
	var k secp256k1.ModNScalar
	k.SetInt(seed)
	priv := secp256k1.NewPrivateKey(&k)

	return &TestKey{
		Private:   priv,
		PublicKey: ethkey.PublicKeyHex(priv.PubKey()),
		Address:   ethkey.PublicKeyToAddress(priv.PubKey()),
	}
}

// TempFile creates a temporary file with the given content, returning the path.
// The file is automatically cleaned up when the test completes.
func TempFile(t *testing.T, content []byte) string {
	t.Helper()

	tmpFile, err := os.CreateTemp(t.TempDir(), "testfile-*")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}

	if _, err := tmpFile.Write(content); err != nil {
		_ = tmpFile.Close()
		t.Fatalf("Failed to write temp file: %v", err)
	}

	_ = tmpFile.Close()
	return tmpFile.Name()
}

// AssertError checks that an error matches expected criteria.
func AssertError(t *testing.T, err error, shouldError bool, msgContains string) {
	t.Helper()

	if !shouldError {
		if err != nil {
			t.Errorf("Unexpected error: %v", err)
		}
		return
	}
	if err == nil {
		t.Error("Expected an error but got nil")
		return
	}
	if msgContains != "" && !strings.Contains(err.Error(), msgContains) {
		t.Errorf("Error message %q should contain %q", err.Error(), msgContains)
	}
}
