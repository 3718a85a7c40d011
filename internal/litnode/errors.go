// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package litnode

import (
	"errors"
	"fmt"
)

var (
	// ErrNetworkConnect means fewer nodes than the quorum answered the
	// handshake, or the nodes disagreed about the network.
	ErrNetworkConnect = errors.New("signing network connect failed")

	// ErrSessionCreation means session credentials could not be assembled.
	ErrSessionCreation = errors.New("session creation failed")

	// ErrExecution means a remote execution did not reach the threshold.
	ErrExecution = errors.New("remote execution failed")

	// ErrShareMismatch means signature shares for one name disagree on the
	// public parts of the signature.
	ErrShareMismatch = errors.New("signature shares disagree")

	// ErrInvalidSessionSig is returned by nodes for a bad session signature.
	ErrInvalidSessionSig = errors.New("invalid session signature")

	// ErrSessionExpired is returned by nodes for an expired session.
	ErrSessionExpired = errors.New("session expired")

	// ErrInvalidCapability is returned for a capability that does not verify.
	ErrInvalidCapability = errors.New("invalid capability")

	// ErrInvalidScope is returned for a malformed session scope.
	ErrInvalidScope = errors.New("invalid session scope")
)

// NodeError attributes a failure to one node.
type NodeError struct {
	Node string
	Err  error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s: %v", e.Node, e.Err)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}
