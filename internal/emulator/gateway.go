// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package emulator

import (
	"net/http"
	"net/url"
	"time"

	"github.com/aplane-algo/pkpauth/internal/identity"
)

// DefaultSubject is the identity the gateway signs in when none is given.
const DefaultSubject = "emulator-user"

// Gateway emulates the login gateway: it "authenticates" the caller
// immediately and redirects back with a freshly issued identity token.
type Gateway struct {
	tokens *HMACTokens
	ttl    time.Duration
}

// NewGateway creates a gateway issuing tokens valid for ttl.
func NewGateway(tokens *HMACTokens, ttl time.Duration) *Gateway {
	return &Gateway{tokens: tokens, ttl: ttl}
}

// Handler serves GET /auth/{provider}?app_redirect=<uri>[&subject=<id>].
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /auth/{provider}", g.handleLogin)
	return mux
}

func (g *Gateway) handleLogin(w http.ResponseWriter, r *http.Request) {
	provider := identity.Provider(r.PathValue("provider"))
	if !provider.Valid() {
		http.Error(w, "unsupported provider", http.StatusBadRequest)
		return
	}

	target, err := url.Parse(r.URL.Query().Get("app_redirect"))
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		http.Error(w, "invalid app_redirect", http.StatusBadRequest)
		return
	}

	subject := r.URL.Query().Get("subject")
	if subject == "" {
		subject = DefaultSubject
	}
	token, err := g.tokens.Issue(subject, g.ttl)
	if err != nil {
		http.Error(w, "failed to issue token", http.StatusInternalServerError)
		return
	}

	q := target.Query()
	q.Set("provider", string(provider))
	q.Set("id_token", token)
	target.RawQuery = q.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}
