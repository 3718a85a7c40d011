// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

// Package jsonrpc implements the JSON-RPC 2.0 envelope spoken by signing
// network nodes, with an HTTP client call and a method dispatcher.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the only protocol version accepted.
const Version = "2.0"

// Codes defined by JSON-RPC 2.0.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Codes a signing node answers with. They sit in the server error range
// that starts at -32000.
const (
	NodeError           = -32000
	AuthenticationError = -32001
	Unauthorized        = -32002
	SessionExpired      = -32003
	ExecutionFailed     = -32004
	RateLimited         = -32005
)

var null = []byte("null")

// Request is a call envelope. Params and ID stay raw until a handler
// decodes them.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// Response is a reply envelope carrying exactly one of Result and Error.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// Error is an RPC-level failure. It satisfies error so callers can match
// codes with errors.As.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewError formats an Error with code.
func NewError(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NewRequest encodes params into a call numbered id.
func NewRequest(method string, params any, id uint64) (*Request, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return &Request{
		JSONRPC: Version,
		Method:  method,
		Params:  raw,
		ID:      json.RawMessage(fmt.Sprint(id)),
	}, nil
}

// Validate rejects envelopes a node must not dispatch. An ID, when present,
// must be a JSON number or string.
func (r *Request) Validate() error {
	if r.JSONRPC != Version {
		return fmt.Errorf("unsupported jsonrpc version %q", r.JSONRPC)
	}
	if r.Method == "" {
		return errors.New("missing method")
	}
	if r.IsNotification() {
		return nil
	}
	switch c := r.ID[0]; {
	case c == '"', c == '-', c >= '0' && c <= '9':
		return nil
	default:
		return fmt.Errorf("id must be a number or string, got %s", r.ID)
	}
}

// IsNotification reports whether the caller expects no reply.
func (r *Request) IsNotification() bool {
	return isAbsent(r.ID)
}

// ParseParams decodes the params into v. Absent params leave v untouched.
func (r *Request) ParseParams(v any) error {
	if isAbsent(r.Params) {
		return nil
	}
	if err := json.Unmarshal(r.Params, v); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

// ParseResult decodes the result into v.
func (r *Response) ParseResult(v any) error {
	if len(r.Result) == 0 {
		return errors.New("response has no result")
	}
	if err := json.Unmarshal(r.Result, v); err != nil {
		return fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return nil
}

// HasError reports whether the node answered with an error.
func (r *Response) HasError() bool {
	return r.Error != nil
}

func isAbsent(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, null)
}
