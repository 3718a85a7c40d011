// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package litnode

import (
	"context"
	"errors"
	"fmt"
)

// ExecuteResult is the combined output of a remote execution.
type ExecuteResult struct {
	// Signatures holds one combined signature per name that reached the
	// threshold. Names with too few shares are absent.
	Signatures map[string]Signature
	Response   string
	Logs       string
}

// ExecuteJS runs code with jsParams on every connected node under creds and
// combines the returned signature shares. It fails with ErrExecution when
// fewer than threshold nodes succeed.
func (c *Client) ExecuteJS(ctx context.Context, creds *SessionCredentials, code string, jsParams map[string]any) (*ExecuteResult, error) {
	if creds == nil {
		return nil, fmt.Errorf("%w: no session credentials", ErrExecution)
	}

	results, errs := fanOut(ctx, c.nodes, func(ctx context.Context, n *node) (ExecuteResponse, error) {
		authSig, ok := creds.NodeSigs[n.url]
		if !ok {
			return ExecuteResponse{}, errors.New("no session signature for node")
		}
		var res ExecuteResponse
		err := n.rpc.Call(ctx, MethodExecute, ExecuteParams{Code: code, JSParams: jsParams, AuthSig: authSig}, &res)
		if err == nil && !res.Success {
			err = errors.New("node reported unsuccessful execution")
		}
		return res, err
	})
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(results) < c.threshold {
		return nil, fmt.Errorf("%w: %d nodes succeeded, need %d: %w",
			ErrExecution, len(results), c.threshold, errors.Join(errs...))
	}

	out := &ExecuteResult{Signatures: make(map[string]Signature)}
	shares := make(map[string][]SignatureShare)
	for _, n := range c.nodes {
		res, ok := results[n]
		if !ok {
			continue
		}
		if out.Response == "" && out.Logs == "" {
			out.Response, out.Logs = res.Response, res.Logs
		}
		for name, sh := range res.SignedData {
			shares[name] = append(shares[name], sh)
		}
	}

	for name, list := range shares {
		if len(list) < c.threshold {
			c.log.Debug("signature below threshold", "name", name, "shares", len(list), "threshold", c.threshold)
			continue
		}
		sig, err := CombineShares(list, c.threshold)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrExecution, name, err)
		}
		out.Signatures[name] = sig
	}
	return out, nil
}
