// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package identity

import (
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

// Mode selects how the login round trip is performed.
type Mode int

const (
	// ModeGateway sends the user through a login gateway which returns the
	// provider token in the query string (?provider=google&id_token=...).
	ModeGateway Mode = iota

	// ModeDirect uses the provider's OIDC implicit flow; the token returns in
	// the URL fragment (#id_token=...).
	ModeDirect
)

// DefaultGatewayURL is the public login gateway.
const DefaultGatewayURL = "https://login.litgateway.com"

// Callback parameter names.
const (
	paramIDToken     = "id_token"
	paramAccessToken = "access_token"
	paramProvider    = "provider"
	paramState       = "state"
	paramError       = "error"
)

// Options configures a Handler.
type Options struct {
	Mode     Mode
	Provider Provider

	// GatewayURL is the login gateway base URL (ModeGateway).
	GatewayURL string

	// ClientID, AuthURL and Scopes configure the OIDC request (ModeDirect).
	// AuthURL defaults to the provider's authorization endpoint.
	ClientID string
	AuthURL  string
	Scopes   []string

	// State and Nonce are echoed in the direct login URL. Fixed values keep
	// BuildLoginURL deterministic; a non-empty State is also checked on the
	// callback.
	State string
	Nonce string
}

// Handler builds login URLs and recognises returning navigations. It holds
// no mutable state and is safe for concurrent use.
type Handler struct {
	opts Options
}

// NewHandler creates a Handler, filling defaults for unset options.
func NewHandler(opts Options) *Handler {
	if opts.Provider == "" {
		opts.Provider = ProviderGoogle
	}
	if opts.GatewayURL == "" {
		opts.GatewayURL = DefaultGatewayURL
	}
	if opts.AuthURL == "" {
		opts.AuthURL = endpoints.Google.AuthURL
	}
	if len(opts.Scopes) == 0 {
		opts.Scopes = []string{"openid", "email"}
	}
	return &Handler{opts: opts}
}

// Provider returns the configured provider.
func (h *Handler) Provider() Provider {
	return h.opts.Provider
}

// BuildLoginURL returns the authorization URL that will navigate back to
// returnURI once the user has authenticated.
func (h *Handler) BuildLoginURL(returnURI string) (string, error) {
	if _, err := parseReturnURI(returnURI); err != nil {
		return "", err
	}

	switch h.opts.Mode {
	case ModeDirect:
		cfg := oauth2.Config{
			ClientID:    h.opts.ClientID,
			RedirectURL: returnURI,
			Scopes:      h.opts.Scopes,
			Endpoint:    oauth2.Endpoint{AuthURL: h.opts.AuthURL},
		}
		opts := []oauth2.AuthCodeOption{
			oauth2.SetAuthURLParam("response_type", paramIDToken),
		}
		if h.opts.Nonce != "" {
			opts = append(opts, oauth2.SetAuthURLParam("nonce", h.opts.Nonce))
		}
		return cfg.AuthCodeURL(h.opts.State, opts...), nil

	default:
		base := strings.TrimRight(h.opts.GatewayURL, "/")
		q := url.Values{"app_redirect": {returnURI}}
		return fmt.Sprintf("%s/auth/%s?%s", base, h.opts.Provider, q.Encode()), nil
	}
}

// IsRedirectCallback reports whether location is a navigation back to
// returnURI carrying identity-assertion parameters in its query or fragment.
func (h *Handler) IsRedirectCallback(location, returnURI string) bool {
	params, ok := callbackParams(location, returnURI)
	if !ok {
		return false
	}
	return params.Has(paramIDToken) || params.Has(paramAccessToken) || params.Has(paramError)
}

// ExtractAssertion parses the identity token out of a callback location. The
// caller is responsible for clearing the location afterwards.
func (h *Handler) ExtractAssertion(location, returnURI string) (Assertion, error) {
	params, ok := callbackParams(location, returnURI)
	if !ok {
		return Assertion{}, &AssertionError{Reason: "location is not a callback to the return URI"}
	}

	if e := params.Get(paramError); e != "" {
		return Assertion{}, &AssertionError{Reason: "provider returned error " + e}
	}

	if p := params.Get(paramProvider); p != "" && Provider(p) != h.opts.Provider {
		return Assertion{}, &AssertionError{Reason: fmt.Sprintf("provider %q does not match %q", p, h.opts.Provider)}
	}

	if h.opts.Mode == ModeDirect && h.opts.State != "" && params.Get(paramState) != h.opts.State {
		return Assertion{}, &AssertionError{Reason: "state mismatch"}
	}

	token := params.Get(paramIDToken)
	if token == "" {
		token = params.Get(paramAccessToken)
	}
	if token == "" {
		return Assertion{}, &AssertionError{Reason: "token parameter is absent or empty"}
	}
	if !wellFormedToken(token) {
		return Assertion{}, &AssertionError{Reason: "token contains invalid characters"}
	}

	return Assertion{Token: token, Provider: h.opts.Provider}, nil
}

// parseReturnURI requires an absolute http or https URL.
func parseReturnURI(returnURI string) (*url.URL, error) {
	u, err := url.Parse(returnURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReturnURI, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidReturnURI, returnURI)
	}
	return u, nil
}

// callbackParams returns the merged query and fragment parameters of
// location if it addresses returnURI. Fragment values win over query values.
func callbackParams(location, returnURI string) (url.Values, bool) {
	want, err := parseReturnURI(returnURI)
	if err != nil {
		return nil, false
	}
	got, err := url.Parse(location)
	if err != nil {
		return nil, false
	}
	if !strings.EqualFold(got.Scheme, want.Scheme) || !strings.EqualFold(got.Host, want.Host) {
		return nil, false
	}
	if normalizePath(got.Path) != normalizePath(want.Path) {
		return nil, false
	}

	params := got.Query()
	if got.Fragment != "" {
		frag, err := url.ParseQuery(got.EscapedFragment())
		if err == nil {
			for k, v := range frag {
				params[k] = v
			}
		}
	}
	return params, true
}

func normalizePath(p string) string {
	p = strings.TrimRight(p, "/")
	if p == "" {
		return "/"
	}
	return p
}

// wellFormedToken accepts the JWT compact alphabet (base64url plus '.') and
// '=' padding used by some opaque tokens.
func wellFormedToken(tok string) bool {
	for _, c := range tok {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.', c == '=':
		default:
			return false
		}
	}
	return true
}
