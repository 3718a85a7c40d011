// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package jsonrpc

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"sync"
)

// HandlerFunc serves one method. A non-nil *Error becomes the error response.
type HandlerFunc func(ctx context.Context, req *Request) (interface{}, *Error)

// Server dispatches JSON-RPC requests received over HTTP POST to registered
// method handlers.
type Server struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewServer creates an empty Server.
func NewServer() *Server {
	return &Server{handlers: make(map[string]HandlerFunc)}
}

// Handle registers fn for method, replacing any existing handler.
func (s *Server) Handle(method string, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = fn
}

// Methods returns the registered method names, sorted.
func (s *Server) Methods() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxResponseSize))
	if err != nil {
		writeResponse(w, &Response{JSONRPC: Version, Error: NewError(ParseError, "failed to read body")})
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeResponse(w, &Response{JSONRPC: Version, Error: NewError(ParseError, "invalid JSON: %v", err)})
		return
	}
	if err := req.Validate(); err != nil {
		writeResponse(w, &Response{JSONRPC: Version, ID: req.ID, Error: NewError(InvalidRequest, "%v", err)})
		return
	}

	s.mu.RLock()
	fn, ok := s.handlers[req.Method]
	s.mu.RUnlock()
	if !ok {
		writeResponse(w, &Response{JSONRPC: Version, ID: req.ID, Error: NewError(MethodNotFound, "method not found: %s", req.Method)})
		return
	}

	result, rpcErr := fn(r.Context(), &req)
	if req.IsNotification() {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if rpcErr != nil {
		writeResponse(w, &Response{JSONRPC: Version, ID: req.ID, Error: rpcErr})
		return
	}

	raw, err := json.Marshal(result)
	if err != nil {
		writeResponse(w, &Response{JSONRPC: Version, ID: req.ID, Error: NewError(InternalError, "failed to marshal result")})
		return
	}
	writeResponse(w, &Response{JSONRPC: Version, ID: req.ID, Result: raw})
}

func writeResponse(w http.ResponseWriter, resp *Response) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
