// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package relay

import (
	"errors"
	"fmt"
)

// Sentinel errors for relay failures. Use errors.Is to classify.
var (
	// ErrRelayUnavailable indicates a transport failure or a non-2xx status.
	ErrRelayUnavailable = errors.New("relay unavailable")

	// ErrRelayProtocol indicates a response that parsed but violates the
	// relay contract (missing field, empty request id, mismatched address).
	ErrRelayProtocol = errors.New("relay protocol error")

	// ErrMintTimeout indicates the mint did not reach a terminal state within
	// the poll policy's attempt bound or deadline.
	ErrMintTimeout = errors.New("mint timed out")

	// ErrMintFailed indicates the relay reported the mint as failed.
	ErrMintFailed = errors.New("mint failed")
)

// StatusError carries the HTTP status and body of a non-2xx relay response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: HTTP %d", ErrRelayUnavailable, e.StatusCode)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", ErrRelayUnavailable, e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error {
	return ErrRelayUnavailable
}

func protocolErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrRelayProtocol, fmt.Sprintf(format, args...))
}
