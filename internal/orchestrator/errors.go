// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package orchestrator

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy is returned when another operation is in flight.
	ErrBusy = errors.New("another operation is in progress")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("orchestrator is closed")

	// ErrUnknownKeyPair is returned when selecting an address the identity
	// does not hold.
	ErrUnknownKeyPair = errors.New("key pair not held by this identity")
)

// TransitionError is returned for an operation that is not legal in the
// current state. The state is left unchanged.
type TransitionError struct {
	Op   string
	From State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s in state %s", e.Op, e.From)
}
