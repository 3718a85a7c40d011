// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package identity

import "errors"

var (
	// ErrMissingAssertion is returned when a callback location does not carry
	// a usable identity token.
	ErrMissingAssertion = errors.New("missing identity assertion")

	// ErrInvalidReturnURI is returned when the return address is not an
	// absolute http(s) URL.
	ErrInvalidReturnURI = errors.New("invalid return URI")
)

// AssertionError describes why a callback location was rejected.
type AssertionError struct {
	Reason string
}

func (e *AssertionError) Error() string {
	return ErrMissingAssertion.Error() + ": " + e.Reason
}

func (e *AssertionError) Unwrap() error {
	return ErrMissingAssertion
}
