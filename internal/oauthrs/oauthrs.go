// Package oauthrs implements the OAuth resource-server side of this
// runtime: bearer extraction, token introspection with discovery
// memoization, and scope gating (spec.md §4.7). Discovery and
// introspection both follow the request/decode shape of the teacher's
// internal/oauth/discovery.go (fetchJSON, endpoint memoization).
package oauthrs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/corvid-systems/mcpgate/internal/cache"
)

// IntrospectionResult is the subset of RFC 7662 fields this gateway acts on.
type IntrospectionResult struct {
	Active   bool     `json:"active"`
	Scope    string   `json:"scope,omitempty"`
	Subject  string   `json:"sub,omitempty"`
	ClientID string   `json:"client_id,omitempty"`
	Expiry   int64    `json:"exp,omitempty"`
	Scopes   []string `json:"-"`
}

// AuthError is returned by Authenticate/Authorize and carries everything
// needed to build the spec's WWW-Authenticate header.
type AuthError struct {
	Status      int
	Err         string
	Description string
	Scope       string // space-separated scopes the caller is missing, when applicable
}

func (e *AuthError) Error() string { return fmt.Sprintf("%s: %s", e.Err, e.Description) }

// WWWAuthenticate renders the Bearer challenge header value, including
// the scope and authz_server parameters spec.md §4.7 requires when
// they're known (authzServer is the issuer of the authorization server
// a client should obtain a token from; empty omits the parameter).
func (e *AuthError) WWWAuthenticate(realm, authzServer string) string {
	params := []string{fmt.Sprintf("realm=%q", realm)}
	if authzServer != "" {
		params = append(params, fmt.Sprintf("authz_server=%q", authzServer))
	}
	params = append(params, fmt.Sprintf("error=%q", e.Err), fmt.Sprintf("error_description=%q", e.Description))
	if e.Scope != "" {
		params = append(params, fmt.Sprintf("scope=%q", e.Scope))
	}
	return "Bearer " + strings.Join(params, ", ")
}

func missingToken() *AuthError {
	return &AuthError{Status: http.StatusUnauthorized, Err: "missing_token", Description: "no bearer token presented"}
}

func invalidToken(detail string) *AuthError {
	return &AuthError{Status: http.StatusUnauthorized, Err: "invalid_token", Description: detail}
}

func insufficientScope(missing []string) *AuthError {
	return &AuthError{
		Status:      http.StatusForbidden,
		Err:         "insufficient_scope",
		Description: "missing required scope(s): " + strings.Join(missing, ", "),
		Scope:       strings.Join(missing, " "),
	}
}

// IntrospectFunc performs the RFC 7662 round trip for one token.
type IntrospectFunc func(ctx context.Context, token string) (*IntrospectionResult, error)

// Verifier extracts bearer tokens, introspects them through a cache, and
// gates on required scopes.
type Verifier struct {
	Introspect IntrospectFunc
	Realm      string
	// AuthzServer is the authorization server issuer advertised in the
	// authz_server challenge parameter; optional, set after construction.
	AuthzServer string

	cache *cache.Cache[string, IntrospectionResult]
}

// NewVerifier wraps introspect with an LRU+TTL cache keyed by the raw
// token string (spec.md §4.7 "Introspection cache"). Inactive/expired
// results are never cached — see Authenticate.
func NewVerifier(introspect IntrospectFunc, realm string, maxEntries int, ttl time.Duration) *Verifier {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Verifier{
		Introspect: introspect,
		Realm:      realm,
		cache:      cache.New[string, IntrospectionResult](maxEntries, ttl),
	}
}

// ExtractBearer returns the token from the last Authorization header,
// case-insensitive "Bearer <token>" (spec.md §4.7).
func ExtractBearer(h http.Header) (string, bool) {
	values := h.Values("Authorization")
	if len(values) == 0 {
		return "", false
	}
	raw := values[len(values)-1]
	const prefix = "bearer "
	if len(raw) <= len(prefix) || !strings.EqualFold(raw[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(raw[len(prefix):])
	if token == "" {
		return "", false
	}
	return token, true
}

// Authenticate extracts the bearer token and returns its introspection
// result, using the cache where possible.
func (v *Verifier) Authenticate(ctx context.Context, h http.Header) (*IntrospectionResult, *AuthError) {
	token, ok := ExtractBearer(h)
	if !ok {
		return nil, missingToken()
	}

	if cached, ok := v.cache.Get(token); ok {
		return &cached, nil
	}

	res, err := v.Introspect(ctx, token)
	if err != nil {
		return nil, invalidToken(err.Error())
	}
	if !res.Active {
		return nil, invalidToken("token is inactive")
	}
	if res.Expiry > 0 && time.Now().Unix() >= res.Expiry {
		return nil, invalidToken("token is expired")
	}
	res.Scopes = splitScopes(res.Scope)

	v.cache.Set(token, *res)
	return res, nil
}

// Authorize authenticates and additionally requires every scope in
// required to be present in the token's scope claim.
func (v *Verifier) Authorize(ctx context.Context, h http.Header, required ...string) (*IntrospectionResult, *AuthError) {
	res, authErr := v.Authenticate(ctx, h)
	if authErr != nil {
		return nil, authErr
	}
	have := make(map[string]struct{}, len(res.Scopes))
	for _, s := range res.Scopes {
		have[s] = struct{}{}
	}
	var missing []string
	for _, s := range required {
		if _, ok := have[s]; !ok {
			missing = append(missing, s)
		}
	}
	if len(missing) > 0 {
		return res, insufficientScope(missing)
	}
	return res, nil
}

func splitScopes(s string) []string {
	var out []string
	for _, part := range strings.Fields(s) {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// discoveryCache memoizes the introspection endpoint per issuer
// (spec.md §4.7 "the discovered endpoint is memoized per-issuer"),
// grounded on the teacher's DiscoverOAuthServer/fetchJSON pattern.
type discoveryCache struct {
	mu        sync.Mutex
	endpoints map[string]string
}

func newDiscoveryCache() *discoveryCache {
	return &discoveryCache{endpoints: make(map[string]string)}
}

func (d *discoveryCache) get(issuer string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ep, ok := d.endpoints[issuer]
	return ep, ok
}

func (d *discoveryCache) put(issuer, endpoint string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.endpoints[issuer] = endpoint
}

// RemoteIntrospector performs introspection against an upstream
// authorization server discovered via the standard well-known documents,
// using HTTP Basic auth with client credentials (spec.md §4.7 step b).
type RemoteIntrospector struct {
	Issuer               string
	IntrospectionOverride string // explicit endpoint; skips discovery when set
	ClientID             string
	ClientSecret         string
	HTTPClient           *http.Client

	discovery *discoveryCache
}

// NewRemoteIntrospector constructs an introspector for one issuer.
func NewRemoteIntrospector(issuer, override, clientID, clientSecret string) *RemoteIntrospector {
	return &RemoteIntrospector{
		Issuer:                issuer,
		IntrospectionOverride: override,
		ClientID:              clientID,
		ClientSecret:          clientSecret,
		HTTPClient:            &http.Client{Timeout: 10 * time.Second},
		discovery:             newDiscoveryCache(),
	}
}

// Introspect implements IntrospectFunc.
func (r *RemoteIntrospector) Introspect(ctx context.Context, token string) (*IntrospectionResult, error) {
	endpoint, err := r.endpoint(ctx)
	if err != nil {
		return nil, err
	}

	form := url.Values{"token": {token}, "token_type_hint": {"access_token"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build introspection request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(r.ClientID, r.ClientSecret)

	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("introspection request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read introspection response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("introspection endpoint returned %d: %s", resp.StatusCode, body)
	}

	var out IntrospectionResult
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("parse introspection response: %w", err)
	}
	return &out, nil
}

func (r *RemoteIntrospector) endpoint(ctx context.Context) (string, error) {
	if r.IntrospectionOverride != "" {
		return r.IntrospectionOverride, nil
	}
	if ep, ok := r.discovery.get(r.Issuer); ok {
		return ep, nil
	}

	for _, suffix := range []string{"/.well-known/oauth-authorization-server", "/.well-known/openid-configuration"} {
		meta, err := fetchMetadata(ctx, strings.TrimRight(r.Issuer, "/")+suffix)
		if err == nil && meta.IntrospectionEndpoint != "" {
			r.discovery.put(r.Issuer, meta.IntrospectionEndpoint)
			return meta.IntrospectionEndpoint, nil
		}
	}
	return "", fmt.Errorf("discover introspection endpoint for issuer %q: no well-known document advertised one", r.Issuer)
}

type serverMetadata struct {
	IntrospectionEndpoint string `json:"introspection_endpoint"`
}

func fetchMetadata(ctx context.Context, url string) (*serverMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var out serverMetadata
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return &out, nil
}
