// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package litnode

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// siweHeader ends the first line of a sign-in message.
const siweHeader = " wants you to sign in with your Ethereum account:"

// SIWEMessage is the subset of an EIP-4361 sign-in message used for
// session capabilities.
type SIWEMessage struct {
	Domain         string
	Address        string
	Statement      string
	URI            string
	Version        string
	ChainID        int
	Nonce          string
	IssuedAt       time.Time
	ExpirationTime time.Time
	Resources      []string
}

// String renders the message in EIP-4361 layout.
func (m SIWEMessage) String() string {
	var b strings.Builder
	b.WriteString(m.Domain + siweHeader + "\n")
	b.WriteString(m.Address + "\n\n")
	if m.Statement != "" {
		b.WriteString(m.Statement + "\n\n")
	}
	fmt.Fprintf(&b, "URI: %s\n", m.URI)
	fmt.Fprintf(&b, "Version: %s\n", m.Version)
	fmt.Fprintf(&b, "Chain ID: %d\n", m.ChainID)
	fmt.Fprintf(&b, "Nonce: %s\n", m.Nonce)
	fmt.Fprintf(&b, "Issued At: %s", m.IssuedAt.UTC().Format(time.RFC3339))
	if !m.ExpirationTime.IsZero() {
		fmt.Fprintf(&b, "\nExpiration Time: %s", m.ExpirationTime.UTC().Format(time.RFC3339))
	}
	if len(m.Resources) > 0 {
		b.WriteString("\nResources:")
		for _, r := range m.Resources {
			b.WriteString("\n- " + r)
		}
	}
	return b.String()
}

// ParseSIWE parses a message produced by SIWEMessage.String.
func ParseSIWE(s string) (SIWEMessage, error) {
	lines := strings.Split(s, "\n")
	if len(lines) < 2 || !strings.HasSuffix(lines[0], siweHeader) {
		return SIWEMessage{}, errors.New("siwe: missing header")
	}
	m := SIWEMessage{
		Domain:  strings.TrimSuffix(lines[0], siweHeader),
		Address: strings.TrimSpace(lines[1]),
	}

	inResources := false
	for _, line := range lines[2:] {
		if inResources {
			if r, ok := strings.CutPrefix(line, "- "); ok {
				m.Resources = append(m.Resources, r)
				continue
			}
			inResources = false
		}

		key, value, found := strings.Cut(line, ": ")
		if !found {
			switch {
			case line == "Resources:":
				inResources = true
			case line != "" && m.Statement == "" && m.URI == "":
				m.Statement = line
			}
			continue
		}

		var err error
		switch key {
		case "URI":
			m.URI = value
		case "Version":
			m.Version = value
		case "Chain ID":
			m.ChainID, err = strconv.Atoi(value)
		case "Nonce":
			m.Nonce = value
		case "Issued At":
			m.IssuedAt, err = time.Parse(time.RFC3339, value)
		case "Expiration Time":
			m.ExpirationTime, err = time.Parse(time.RFC3339, value)
		default:
			if m.Statement == "" && m.URI == "" {
				m.Statement = line
			}
		}
		if err != nil {
			return SIWEMessage{}, fmt.Errorf("siwe: %s: %w", key, err)
		}
	}

	if m.Address == "" || m.URI == "" {
		return SIWEMessage{}, errors.New("siwe: missing address or URI")
	}
	return m, nil
}
