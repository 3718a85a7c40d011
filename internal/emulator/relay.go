// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package emulator

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aplane-algo/pkpauth/internal/identity"
	"github.com/aplane-algo/pkpauth/internal/relay"
)

// RelayOptions configures the emulated relay.
type RelayOptions struct {
	// APIKey, when set, must be presented in the api-key header.
	APIKey string
	// PendingPolls is how many status queries answer InProgress before a
	// mint completes.
	PendingPolls int
	// FailMints makes every mint end in Failed.
	FailMints bool
	// RateLimit and Burst bound requests per identity (0 disables).
	RateLimit float64
	Burst     int
}

type mintState struct {
	owner string
	polls int
	done  bool
	kp    relay.KeyPair
	err   string
}

// Relay emulates the relay service's list, mint and status endpoints.
type Relay struct {
	opts     RelayOptions
	keyring  *Keyring
	verifier TokenVerifier
	limiter  *keyLimiter
	metrics  *Metrics
	log      *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	mints map[string]*mintState
}

func newRelay(opts RelayOptions, keyring *Keyring, verifier TokenVerifier, metrics *Metrics, log *slog.Logger, now func() time.Time) *Relay {
	return &Relay{
		opts:     opts,
		keyring:  keyring,
		verifier: verifier,
		limiter:  newKeyLimiter(opts.RateLimit, opts.Burst),
		metrics:  metrics,
		log:      log,
		now:      now,
		mints:    make(map[string]*mintState),
	}
}

// Handler returns the relay's HTTP routes.
func (r *Relay) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/{provider}/userinfo", r.handleList)
	mux.HandleFunc("POST /auth/{provider}", r.handleMint)
	mux.HandleFunc("GET /auth/status/{id}", r.handleStatus)
	return mux
}

type relayError struct {
	Error string `json:"error"`
}

func (r *Relay) writeJSON(w http.ResponseWriter, route string, status int, v any) {
	r.metrics.RelayRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// authenticate checks the api key, provider and token, returning the
// subject. It writes the error response itself and returns ok=false.
func (r *Relay) authenticate(w http.ResponseWriter, req *http.Request, route string) (string, bool) {
	if r.opts.APIKey != "" && req.Header.Get("api-key") != r.opts.APIKey {
		r.writeJSON(w, route, http.StatusUnauthorized, relayError{Error: "invalid api key"})
		return "", false
	}
	if !identity.Provider(req.PathValue("provider")).Valid() {
		r.writeJSON(w, route, http.StatusBadRequest, relayError{Error: "unsupported provider"})
		return "", false
	}

	var body struct {
		IDToken string `json:"idToken"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, 64<<10)).Decode(&body); err != nil || body.IDToken == "" {
		r.writeJSON(w, route, http.StatusBadRequest, relayError{Error: "missing idToken"})
		return "", false
	}
	subject, err := r.verifier.Verify(body.IDToken)
	if err != nil {
		r.writeJSON(w, route, http.StatusUnauthorized, relayError{Error: "invalid idToken"})
		return "", false
	}
	if !r.limiter.allow(subject, r.now()) {
		r.writeJSON(w, route, http.StatusTooManyRequests, relayError{Error: "rate limited"})
		return "", false
	}
	return subject, true
}

func (r *Relay) handleList(w http.ResponseWriter, req *http.Request) {
	subject, ok := r.authenticate(w, req, "list")
	if !ok {
		return
	}
	pkps := r.keyring.List(subject)
	r.log.Debug("relay list", "subject", subject, "count", len(pkps))
	r.writeJSON(w, "list", http.StatusOK, map[string]any{"pkps": pkps})
}

func (r *Relay) handleMint(w http.ResponseWriter, req *http.Request) {
	subject, ok := r.authenticate(w, req, "mint")
	if !ok {
		return
	}
	id := uuid.NewString()

	r.mu.Lock()
	r.mints[id] = &mintState{owner: subject}
	r.mu.Unlock()

	r.log.Debug("relay mint accepted", "subject", subject, "request_id", id)
	r.writeJSON(w, "mint", http.StatusOK, relay.MintRequest{RequestID: id})
}

func (r *Relay) handleStatus(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")

	r.mu.Lock()
	st, ok := r.mints[id]
	if !ok {
		r.mu.Unlock()
		r.writeJSON(w, "status", http.StatusNotFound, relayError{Error: "unknown request"})
		return
	}
	if !st.done {
		st.polls++
		if st.polls > r.opts.PendingPolls {
			st.done = true
			if r.opts.FailMints {
				st.err = "mint transaction reverted"
				r.metrics.Mints.WithLabelValues("failed").Inc()
			} else if kp, err := r.keyring.Mint(st.owner); err != nil {
				st.err = err.Error()
				r.metrics.Mints.WithLabelValues("failed").Inc()
			} else {
				st.kp = kp
				r.metrics.Mints.WithLabelValues("succeeded").Inc()
			}
		}
	}
	snapshot := *st
	r.mu.Unlock()

	switch {
	case !snapshot.done:
		r.writeJSON(w, "status", http.StatusOK, map[string]string{"status": "InProgress"})
	case snapshot.err != "":
		r.writeJSON(w, "status", http.StatusOK, map[string]string{"status": "Failed", "error": snapshot.err})
	default:
		r.writeJSON(w, "status", http.StatusOK, map[string]string{
			"status":        "Succeeded",
			"pkpTokenId":    snapshot.kp.TokenID,
			"pkpEthAddress": snapshot.kp.Address,
			"pkpPublicKey":  snapshot.kp.PublicKey,
		})
	}
}
