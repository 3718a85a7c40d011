// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// maxResponseSize bounds the body read from a node.
const maxResponseSize = 1024 * 1024 // 1MB

// DefaultTimeout applies when the caller's context has no deadline.
const DefaultTimeout = 30 * time.Second

// Client makes JSON-RPC calls to a single node over HTTP POST
type Client struct {
	endpoint   string
	httpClient *http.Client

	// Request tracking
	requestID uint64
}

// NewClient creates a client for the node at endpoint. A nil httpClient
// uses a client with DefaultTimeout.
func NewClient(endpoint string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{endpoint: endpoint, httpClient: httpClient}
}

// Endpoint returns the node URL this client talks to.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Call makes a JSON-RPC call and decodes the result into result (if non-nil).
// RPC-level failures are returned as *Error.
func (c *Client) Call(ctx context.Context, method string, params interface{}, result interface{}) error {
	id := atomic.AddUint64(&c.requestID, 1)
	request, err := NewRequest(method, params, id)
	if err != nil {
		return err
	}

	data, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("node returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var response Response
	if err := json.Unmarshal(body, &response); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if response.HasError() {
		return response.Error
	}
	if result != nil {
		return response.ParseResult(result)
	}
	return nil
}
