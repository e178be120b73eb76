package oauthproxy

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

	"golang.org/x/oauth2"

	"github.com/corvid-systems/mcpgate/internal/store"
)

// upstreamCodeMap holds the real upstream authorization code behind each
// local code the proxy hands back to the client, for the lifetime of a
// single /oauth/callback -> /oauth/token round trip. Consumed exactly
// once by take, mirroring the single-use semantics of store.CodeMapping.
// Grounded on the TTL-map shape of the teacher's oauth.StateStore.
type upstreamCodeMap struct {
	mu      sync.Mutex
	entries map[string]upstreamCodeEntry
}

type upstreamCodeEntry struct {
	code      string
	expiresAt time.Time
}

func newUpstreamCodeMap() *upstreamCodeMap {
	return &upstreamCodeMap{entries: make(map[string]upstreamCodeEntry)}
}

func (m *upstreamCodeMap) store(localCode, upstreamCode string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gcLocked()
	m.entries[localCode] = upstreamCodeEntry{code: upstreamCode, expiresAt: time.Now().Add(10 * time.Minute)}
}

func (m *upstreamCodeMap) take(localCode string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[localCode]
	delete(m.entries, localCode)
	if !ok || time.Now().After(e.expiresAt) {
		return "", false
	}
	return e.code, true
}

func (m *upstreamCodeMap) gcLocked() {
	now := time.Now()
	for k, e := range m.entries {
		if now.After(e.expiresAt) {
			delete(m.entries, k)
		}
	}
}

// AuthorizeRequest is the parsed GET /oauth/authorize query string.
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	State               string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// Authorize validates the client/redirect pair and returns the upstream
// authorize URL to redirect to, carrying a signed state JWT (spec.md
// §4.8 "/oauth/authorize").
func (p *Proxy) Authorize(ctx context.Context, req AuthorizeRequest) (redirectURL string, err error) {
	client, err := p.store.GetClient(ctx, req.ClientID)
	if err != nil {
		return "", fmt.Errorf("unknown client_id %q: %w", req.ClientID, err)
	}
	if !containsString(client.RedirectURIs, req.RedirectURI) {
		return "", fmt.Errorf("redirect_uri %q is not registered for client %q", req.RedirectURI, req.ClientID)
	}

	state, err := p.EncodeState(StateClaims{
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		OriginalState:       req.State,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
	}, 10*time.Minute)
	if err != nil {
		return "", fmt.Errorf("encode state: %w", err)
	}

	u, err := url.Parse(p.cfg.Upstream.AuthorizationEndpoint)
	if err != nil {
		return "", fmt.Errorf("parse upstream authorization endpoint: %w", err)
	}
	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", p.cfg.UpstreamClientID)
	q.Set("redirect_uri", p.cfg.BaseURL+"/oauth/callback")
	q.Set("state", state)
	if req.Scope != "" {
		q.Set("scope", req.Scope)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Callback decodes the state JWT from the upstream redirect, records a
// short-lived authorization-code mapping for the local client, and
// returns the URL to redirect the original client to (spec.md §4.8
// "/oauth/callback").
func (p *Proxy) Callback(ctx context.Context, upstreamCode, state string) (redirectURL string, err error) {
	claims, err := p.DecodeState(state)
	if err != nil {
		return "", err
	}

	code, err := randomHex(32)
	if err != nil {
		return "", fmt.Errorf("generate authorization code: %w", err)
	}
	now := p.now()
	mapping := &store.CodeMapping{
		Code:                code,
		ClientID:            claims.ClientID,
		RedirectURI:         claims.RedirectURI,
		CodeChallenge:       claims.CodeChallenge,
		CodeChallengeMethod: claims.CodeChallengeMethod,
		Scope:               "",
		IssuedAt:            now,
		ExpiresAt:           now.Add(10 * time.Minute),
	}
	p.upstreamCodes.store(code, upstreamCode)

	if err := p.store.CreateCodeMapping(ctx, mapping); err != nil {
		return "", fmt.Errorf("store code mapping: %w", err)
	}

	u, err := url.Parse(claims.RedirectURI)
	if err != nil {
		return "", fmt.Errorf("parse client redirect_uri: %w", err)
	}
	q := u.Query()
	q.Set("code", code)
	if claims.OriginalState != "" {
		q.Set("state", claims.OriginalState)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// TokenRequest is the parsed POST /oauth/token body.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	ClientID     string
	ClientSecret string
}

// TokenError is the RFC 6749 {error, error_description} shape.
type TokenError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func tokenErr(code, desc string) *TokenError {
	return &TokenError{Error: code, ErrorDescription: desc}
}

// Token authenticates the local client, validates the code/PKCE, forwards
// the grant upstream using the proxy's own credentials, and stores
// token↔client mappings on success (spec.md §4.8 "/oauth/token").
func (p *Proxy) Token(ctx context.Context, req TokenRequest) (*oauth2.Token, *TokenError) {
	client, err := p.store.GetClient(ctx, req.ClientID)
	if err != nil {
		return nil, tokenErr("invalid_client", "unknown client_id")
	}
	if client.TokenEndpointAuthMethod != "none" && !VerifySecret(req.ClientSecret, client.ClientSecretHash) {
		return nil, tokenErr("invalid_client", "client authentication failed")
	}

	var form url.Values
	switch req.GrantType {
	case "authorization_code":
		mapping, err := p.store.ConsumeCodeMapping(ctx, req.Code)
		if err != nil {
			return nil, tokenErr("invalid_grant", "authorization code is unknown, expired, or already used")
		}
		if mapping.ClientID != req.ClientID {
			return nil, tokenErr("invalid_grant", "authorization code was not issued to this client")
		}
		if mapping.RedirectURI != req.RedirectURI {
			return nil, tokenErr("invalid_grant", "redirect_uri does not match the authorization request")
		}
		if !VerifyPKCE(mapping.CodeChallengeMethod, mapping.CodeChallenge, req.CodeVerifier) {
			return nil, tokenErr("invalid_grant", "code_verifier does not match the recorded challenge")
		}
		upstreamCode, ok := p.upstreamCodes.take(req.Code)
		if !ok {
			return nil, tokenErr("invalid_grant", "no upstream code recorded for this authorization code")
		}
		form = url.Values{
			"grant_type":   {"authorization_code"},
			"code":         {upstreamCode},
			"redirect_uri": {p.cfg.BaseURL + "/oauth/callback"},
		}
	case "refresh_token":
		if req.RefreshToken == "" {
			return nil, tokenErr("invalid_request", "refresh_token is required")
		}
		form = url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {req.RefreshToken},
		}
	default:
		return nil, tokenErr("unsupported_grant_type", fmt.Sprintf("grant_type %q is not supported", req.GrantType))
	}
	form.Set("client_id", p.cfg.UpstreamClientID)
	if secret := p.upstreamSecret(); secret != "" {
		form.Set("client_secret", secret)
	}

	tok, err := p.postUpstreamToken(ctx, form)
	if err != nil {
		return nil, tokenErr("invalid_grant", err.Error())
	}

	p.recordTokenMappings(ctx, client.ClientID, tok)
	return tok, nil
}

func (p *Proxy) postUpstreamToken(ctx context.Context, form url.Values) (*oauth2.Token, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Upstream.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build upstream token request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream token endpoint returned %d: %s", resp.StatusCode, body)
	}

	var wire struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		TokenType    string `json:"token_type"`
		ExpiresIn    int64  `json:"expires_in"`
		Scope        string `json:"scope"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("parse upstream token response: %w", err)
	}

	tok := &oauth2.Token{
		AccessToken:  wire.AccessToken,
		RefreshToken: wire.RefreshToken,
		TokenType:    wire.TokenType,
	}
	if wire.ExpiresIn > 0 {
		tok.Expiry = p.now().Add(time.Duration(wire.ExpiresIn) * time.Second)
	}
	if wire.Scope != "" {
		tok = tok.WithExtra(map[string]any{"scope": wire.Scope})
	}
	return tok, nil
}

func (p *Proxy) recordTokenMappings(ctx context.Context, clientID string, tok *oauth2.Token) {
	now := p.now()
	_ = p.store.PutTokenMapping(ctx, &store.TokenMapping{
		TokenHash:     HashToken(tok.AccessToken),
		ClientIDLocal: clientID,
		TokenType:     "access",
		IssuedAt:      now,
		ExpiresAt:     tok.Expiry,
	})
	if tok.RefreshToken != "" {
		_ = p.store.PutTokenMapping(ctx, &store.TokenMapping{
			TokenHash:     HashToken(tok.RefreshToken),
			ClientIDLocal: clientID,
			TokenType:     "refresh",
			IssuedAt:      now,
		})
	}
}

// Introspect forwards introspection to the upstream server and enriches
// the response by overwriting client_id with the local client id when a
// token mapping exists (spec.md §4.8 "/oauth/introspect").
func (p *Proxy) Introspect(ctx context.Context, token string) (map[string]any, error) {
	form := url.Values{"token": {token}, "token_type_hint": {"access_token"}}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Upstream.IntrospectionEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build introspection request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.SetBasicAuth(p.cfg.UpstreamClientID, p.upstreamSecret())

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream introspection request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream introspection response: %w", err)
	}
	var result map[string]any
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("parse upstream introspection response: %w", err)
	}

	if mapping, err := p.store.GetTokenMapping(ctx, HashToken(token)); err == nil {
		result["client_id"] = mapping.ClientIDLocal
	}
	return result, nil
}

// Revoke forwards revocation upstream and always destroys the local
// token mapping, regardless of upstream outcome (spec.md §4.8
// "/oauth/revoke", RFC 7009).
func (p *Proxy) Revoke(ctx context.Context, token string) {
	defer func() { _ = p.store.DeleteTokenMapping(ctx, HashToken(token)) }()

	form := url.Values{"token": {token}}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Upstream.RevocationEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.SetBasicAuth(p.cfg.UpstreamClientID, p.upstreamSecret())
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return
	}
	_ = resp.Body.Close()
}
