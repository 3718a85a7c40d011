// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package command

import (
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/aplane-algo/pkpauth/internal/litnode"
	"github.com/aplane-algo/pkpauth/internal/orchestrator"
	"github.com/aplane-algo/pkpauth/internal/relay"
)

// ANSI colour codes used by the client.
const (
	colorGreen  = "32"
	colorYellow = "33"
	colorRed    = "31"
	colorCyan   = "36"
)

// SupportsColor reports whether f is a terminal that understands ANSI
// colour codes.
func SupportsColor(f *os.File) bool {
	if f == nil || !term.IsTerminal(int(f.Fd())) { // #nosec G115 - file descriptors are small integers
		return false
	}
	termEnv := os.Getenv("TERM")
	return termEnv != "" && termEnv != "dumb"
}

func (c *Context) paint(code, s string) string {
	if !c.Color || code == "" {
		return s
	}
	return fmt.Sprintf("\033[%sm%s\033[0m", code, s)
}

func stateColor(s orchestrator.State) string {
	switch s.(type) {
	case orchestrator.Error:
		return colorRed
	case orchestrator.SessionReady, orchestrator.Signed:
		return colorGreen
	case orchestrator.SignedOut:
		return ""
	default:
		return colorYellow
	}
}

// FormatState renders s as a multi-line summary. Tokens and session keys
// are not included.
func (c *Context) FormatState(s orchestrator.State, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "state: %s\n", c.paint(stateColor(s), s.String()))

	var (
		pkps []relay.KeyPair
		sess *litnode.SessionCredentials
	)
	switch st := s.(type) {
	case orchestrator.KeysFetched:
		pkps = st.KeyPairs
	case orchestrator.Minting:
		pkps = st.KeyPairs
		if st.RequestID != "" {
			fmt.Fprintf(&b, "mint request: %s\n", st.RequestID)
		}
	case orchestrator.Minted:
		pkps = st.KeyPairs
	case orchestrator.CreatingSession:
		pkps = st.KeyPairs
		fmt.Fprintf(&b, "creating session for: %s\n", st.Target.Address)
	case orchestrator.SessionReady:
		pkps, sess = st.KeyPairs, st.Session
	case orchestrator.Signing:
		pkps, sess = st.KeyPairs, st.Session
	case orchestrator.Signed:
		pkps, sess = st.KeyPairs, st.Session
		fmt.Fprintf(&b, "message: %q\n", st.Message)
		fmt.Fprintf(&b, "signature: %s\n", st.Result.Signature)
		fmt.Fprintf(&b, "recovered: %s\n", st.Result.RecoveredAddress)
	case orchestrator.Error:
		fmt.Fprintf(&b, "%s failed: %v\n", st.Op, st.Err)
		b.WriteString("type 'ack' to continue\n")
	}

	if pkps != nil {
		fmt.Fprintf(&b, "key pairs: %d\n", len(pkps))
		for _, kp := range pkps {
			marker := " "
			if sess != nil && kp.Address == sess.KeyPair.Address {
				marker = "*"
			}
			fmt.Fprintf(&b, " %s %s\n", marker, c.paint(colorCyan, kp.Address))
		}
	}
	if sess != nil {
		remaining := sess.Expiration.Sub(now).Round(time.Second)
		if remaining > 0 {
			fmt.Fprintf(&b, "session expires in %s\n", remaining)
		} else {
			b.WriteString(c.paint(colorRed, "session expired") + "\n")
		}
	}
	return b.String()
}
