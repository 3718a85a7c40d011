// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

// Package relay is the key custody client: it lists the PKPs bound to an
// identity and mints new ones through the relay service.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aplane-algo/pkpauth/internal/identity"
	"github.com/aplane-algo/pkpauth/internal/logging"
)

// DefaultBaseURL is the public staging relay.
const DefaultBaseURL = "https://relay-server-staging.herokuapp.com"

// DefaultTimeout bounds a single relay HTTP request.
const DefaultTimeout = 30 * time.Second

// maxBodySize bounds relay response bodies.
const maxBodySize = 1 << 20

// Options configures a Client.
type Options struct {
	// APIKey is sent in the api-key header when set.
	APIKey string

	// HTTPClient overrides the default client.
	HTTPClient *http.Client

	// Timeout for individual requests (default: 30s).
	Timeout time.Duration

	// Poll controls PollMint (default: DefaultPollPolicy).
	Poll PollPolicy

	Logger *slog.Logger
}

// Client talks to a relay service. It is safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	poll       PollPolicy
	log        *slog.Logger
}

// New creates a relay client for baseURL. opts may be nil.
func New(baseURL string, opts *Options) *Client {
	if opts == nil {
		opts = &Options{}
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	poll := opts.Poll
	if poll.isZero() {
		poll = DefaultPollPolicy()
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     opts.APIKey,
		httpClient: httpClient,
		poll:       poll,
		log:        logging.Or(opts.Logger),
	}
}

// BaseURL returns the relay base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ListKeyPairs returns the PKPs bound to the assertion's identity, in relay
// order. An empty slice is a valid result.
func (c *Client) ListKeyPairs(ctx context.Context, a identity.Assertion) ([]KeyPair, error) {
	var resp listResponse
	path := fmt.Sprintf("/auth/%s/userinfo", url.PathEscape(string(a.Provider)))
	if err := c.doJSON(ctx, http.MethodPost, path, idTokenBody{IDToken: a.Token}, &resp); err != nil {
		return nil, fmt.Errorf("failed to list key pairs: %w", err)
	}
	if resp.PKPs == nil {
		return nil, fmt.Errorf("failed to list key pairs: %w", protocolErr("response has no pkps field"))
	}

	out := make([]KeyPair, 0, len(*resp.PKPs))
	for i, kp := range *resp.PKPs {
		valid, err := validateKeyPair(kp)
		if err != nil {
			return nil, fmt.Errorf("failed to list key pairs: entry %d: %w", i, err)
		}
		out = append(out, valid)
	}
	c.log.Debug("relay listed key pairs", "count", len(out))
	return out, nil
}

// RequestMint submits a mint for the assertion's identity.
func (c *Client) RequestMint(ctx context.Context, a identity.Assertion) (MintRequest, error) {
	var resp MintRequest
	path := "/auth/" + url.PathEscape(string(a.Provider))
	if err := c.doJSON(ctx, http.MethodPost, path, idTokenBody{IDToken: a.Token}, &resp); err != nil {
		return MintRequest{}, fmt.Errorf("failed to request mint: %w", err)
	}
	if resp.RequestID == "" {
		return MintRequest{}, fmt.Errorf("failed to request mint: %w", protocolErr("empty requestId"))
	}
	c.log.Debug("relay accepted mint", "request_id", resp.RequestID)
	return resp, nil
}

// fetchStatus performs a single status query.
func (c *Client) fetchStatus(ctx context.Context, requestID string) (statusResponse, error) {
	var resp statusResponse
	path := "/auth/status/" + url.PathEscape(requestID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return statusResponse{}, err
	}
	return resp, nil
}

// doJSON sends body (if non-nil) as JSON and decodes a 2xx response into out.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("%w: failed to read response: %v", ErrRelayUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return protocolErr("malformed JSON: %v", err)
	}
	return nil
}
