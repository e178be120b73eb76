package connector

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/corvid-systems/mcpgate/internal/oauthproxy"
)

// TokenStore abstracts the client-side OAuth token cache the HTTP
// transport consults on 401 (spec.md §4.4). A no-op implementation is
// used in anonymous mode.
type TokenStore interface {
	GetAccessToken(ctx context.Context) (string, error)
	GetRefreshToken(ctx context.Context) (string, error)
	SetTokens(ctx context.Context, access, refresh string, expiresIn time.Duration) error
	GetTokenExpiration(ctx context.Context) (time.Time, bool, error)
	ClearTokens(ctx context.Context) error
}

// AnonymousTokenStore is a no-op TokenStore; a 401 received while using it
// surfaces as a hard error rather than triggering an auth flow.
type AnonymousTokenStore struct{}

func (AnonymousTokenStore) GetAccessToken(context.Context) (string, error)     { return "", nil }
func (AnonymousTokenStore) GetRefreshToken(context.Context) (string, error)    { return "", nil }
func (AnonymousTokenStore) SetTokens(context.Context, string, string, time.Duration) error {
	return fmt.Errorf("anonymous token store: SetTokens not supported")
}
func (AnonymousTokenStore) GetTokenExpiration(context.Context) (time.Time, bool, error) {
	return time.Time{}, false, nil
}
func (AnonymousTokenStore) ClearTokens(context.Context) error { return nil }

// AuthProvider resolves a 401 by walking the user through an
// authorization redirect and returning the resulting code.
type AuthProvider interface {
	OnAuth(ctx context.Context, authURL string) (code string, err error)
}

// HTTPClientTransport speaks the streamable HTTP transport: POST /mcp for
// requests, GET /mcp for the server-initiated side channel, DELETE /mcp
// to terminate (spec.md §4.4).
type HTTPClientTransport struct {
	BaseURL    string
	HTTPClient *http.Client
	Log        *slog.Logger

	Tokens TokenStore
	Auth   AuthProvider

	// ClientID/ClientSecret identify this transport to the downstream
	// server's OAuth endpoints; RedirectURI is the callback this client
	// is registered under. AuthorizeEndpoint/TokenEndpoint default to
	// BaseURL+"/oauth/authorize" and BaseURL+"/oauth/token" when unset.
	ClientID          string
	ClientSecret      string
	RedirectURI       string
	AuthorizeEndpoint string
	TokenEndpoint     string

	mu        sync.Mutex
	sessionID string
	out       chan []byte
	sideDone  chan struct{}
	cancelGET context.CancelFunc
}

// NewHTTPClientTransport constructs a transport against baseURL (e.g.
// "https://example.com"). The "/mcp" suffix is appended by each call.
func NewHTTPClientTransport(baseURL string, tokens TokenStore, auth AuthProvider, log *slog.Logger) *HTTPClientTransport {
	if tokens == nil {
		tokens = AnonymousTokenStore{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &HTTPClientTransport{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
		Log:        log,
		Tokens:     tokens,
		Auth:       auth,
	}
}

func (t *HTTPClientTransport) mcpURL() string { return t.BaseURL + "/mcp" }

// Open creates and returns the shared inbound channel that both POST
// replies and the GET side channel feed. It does not start the side
// channel; Send does that once a session id is known.
func (t *HTTPClientTransport) Open(ctx context.Context) (<-chan []byte, error) {
	t.mu.Lock()
	t.out = make(chan []byte, 16)
	t.mu.Unlock()
	return t.out, nil
}

// Send performs one POST /mcp with the given envelope and feeds every
// resulting message (a single JSON reply, or each SSE "data:" event) onto
// the inbound channel. Any response's Mcp-Session-Id header is captured
// for reuse by every subsequent request, and the first non-401 response
// received once a session id is known additionally opens the GET side
// channel.
func (t *HTTPClientTransport) Send(ctx context.Context, data []byte) error {
	resp, err := t.doPOST(ctx, data)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		retried, rerr := t.retryAfterAuth(ctx, data)
		if rerr != nil {
			return rerr
		}
		defer retried.Body.Close()
		return t.consumeResponse(retried)
	}

	if err := t.consumeResponse(resp); err != nil {
		return err
	}

	t.mu.Lock()
	started := t.sideDone != nil
	t.mu.Unlock()
	if !started && t.sessionID != "" {
		t.startSideChannel(ctx)
	}
	return nil
}

func (t *HTTPClientTransport) doPOST(ctx context.Context, data []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.mcpURL(), bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set("Mcp-Protocol-Version", protocolVersionHeader())

	t.mu.Lock()
	sid := t.sessionID
	t.mu.Unlock()
	if sid != "" {
		req.Header.Set("Mcp-Session-Id", sid)
	}

	if access, _ := t.Tokens.GetAccessToken(ctx); access != "" {
		req.Header.Set("Authorization", "Bearer "+access)
	}

	resp, err := t.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post /mcp: %w", err)
	}
	if sid := resp.Header.Get("Mcp-Session-Id"); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}
	return resp, nil
}

// retryAfterAuth implements spec.md §4.4's "OAuth integration (client
// side)": clear the cached token, drive the authorization-code flow via
// Auth.OnAuth (with PKCE), exchange the returned code for tokens at the
// token endpoint, store them, and retry the original request once.
func (t *HTTPClientTransport) retryAfterAuth(ctx context.Context, data []byte) (*http.Response, error) {
	_ = t.Tokens.ClearTokens(ctx)
	if t.Auth == nil {
		return nil, fmt.Errorf("received 401 with no auth provider configured (anonymous mode)")
	}

	verifier, err := oauthproxy.GenerateCodeVerifier()
	if err != nil {
		return nil, fmt.Errorf("generate pkce verifier: %w", err)
	}
	challenge := oauthproxy.CodeChallengeS256(verifier)

	redirectURI := t.RedirectURI
	if redirectURI == "" {
		redirectURI = t.BaseURL + "/oauth/callback"
	}

	authURL, err := t.buildAuthorizeURL(redirectURI, challenge)
	if err != nil {
		return nil, fmt.Errorf("build authorize url: %w", err)
	}

	code, err := t.Auth.OnAuth(ctx, authURL)
	if err != nil {
		return nil, fmt.Errorf("auth flow: %w", err)
	}
	if code == "" {
		return nil, fmt.Errorf("auth flow returned no code")
	}

	if err := t.exchangeCodeForTokens(ctx, code, redirectURI, verifier); err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}

	resp, err := t.doPOST(ctx, data)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (t *HTTPClientTransport) buildAuthorizeURL(redirectURI, codeChallenge string) (string, error) {
	endpoint := t.AuthorizeEndpoint
	if endpoint == "" {
		endpoint = t.BaseURL + "/oauth/authorize"
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse authorize endpoint: %w", err)
	}
	q := u.Query()
	q.Set("response_type", "code")
	if t.ClientID != "" {
		q.Set("client_id", t.ClientID)
	}
	q.Set("redirect_uri", redirectURI)
	q.Set("code_challenge", codeChallenge)
	q.Set("code_challenge_method", "S256")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// tokenExchangeResponse is the subset of RFC 6749 §5.1's token response
// this transport consumes.
type tokenExchangeResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// exchangeCodeForTokens posts the authorization code to the token
// endpoint (spec.md §4.4 "exchanges the code for tokens") and stores the
// result via Tokens.SetTokens.
func (t *HTTPClientTransport) exchangeCodeForTokens(ctx context.Context, code, redirectURI, verifier string) error {
	endpoint := t.TokenEndpoint
	if endpoint == "" {
		endpoint = t.BaseURL + "/oauth/token"
	}
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"code_verifier": {verifier},
	}
	if t.ClientID != "" {
		form.Set("client_id", t.ClientID)
	}
	if t.ClientSecret != "" {
		form.Set("client_secret", t.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("post token endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, truncate(body, 200))
	}

	var tok tokenExchangeResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return fmt.Errorf("parse token response: %w", err)
	}
	if tok.AccessToken == "" {
		return fmt.Errorf("token response missing access_token")
	}

	return t.Tokens.SetTokens(ctx, tok.AccessToken, tok.RefreshToken, time.Duration(tok.ExpiresIn)*time.Second)
}

// consumeResponse parses either a single JSON object or an SSE stream and
// pushes each resulting message onto the inbound channel.
func (t *HTTPClientTransport) consumeResponse(resp *http.Response) error {
	ct := resp.Header.Get("Content-Type")
	switch {
	case strings.Contains(ct, "text/event-stream"):
		return t.consumeSSE(resp.Body)
	default:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response body: %w", err)
		}
		if len(bytes.TrimSpace(body)) == 0 {
			return nil
		}
		t.emit(body)
		return nil
	}
}

// consumeSSE parses "data:" lines, emitting each event's payload. A
// malformed event is dropped with a warning; subsequent well-formed
// events still parse (spec.md boundary behavior).
func (t *HTTPClientTransport) consumeSSE(body io.Reader) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	var dataLines []string
	flush := func() {
		if len(dataLines) == 0 {
			return
		}
		payload := strings.Join(dataLines, "\n")
		dataLines = nil
		if strings.TrimSpace(payload) == "" {
			return
		}
		t.emit([]byte(payload))
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, "event:"), strings.HasPrefix(line, "id:"), strings.HasPrefix(line, ":"):
			// ignored: event name/id/comment fields don't affect dispatch
		default:
			t.Log.Warn("dropped malformed SSE line", "line", truncate([]byte(line), 200))
		}
	}
	flush()
	return nil
}

func (t *HTTPClientTransport) emit(data []byte) {
	t.mu.Lock()
	out := t.out
	t.mu.Unlock()
	if out != nil {
		out <- data
	}
}

// startSideChannel opens GET /mcp with Accept: text/event-stream for
// server-initiated requests/notifications.
func (t *HTTPClientTransport) startSideChannel(ctx context.Context) {
	sideCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.cancelGET = cancel
	t.sideDone = make(chan struct{})
	done := t.sideDone
	t.mu.Unlock()

	go func() {
		defer close(done)
		req, err := http.NewRequestWithContext(sideCtx, http.MethodGet, t.mcpURL(), nil)
		if err != nil {
			return
		}
		req.Header.Set("Accept", "text/event-stream")
		t.mu.Lock()
		sid := t.sessionID
		t.mu.Unlock()
		req.Header.Set("Mcp-Session-Id", sid)

		resp, err := t.HTTPClient.Do(req)
		if err != nil {
			t.Log.Warn("side channel GET /mcp failed", "error", err)
			return
		}
		defer resp.Body.Close()
		_ = t.consumeSSE(resp.Body)
	}()
}

// Close terminates the session with DELETE /mcp and stops the side
// channel. A second Close (or a DELETE after the server already expired
// the session) is a no-op per spec.md's idempotent-termination invariant.
func (t *HTTPClientTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	cancel := t.cancelGET
	out := t.out
	sid := t.sessionID
	t.out = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if out != nil {
		close(out)
	}
	if sid == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.mcpURL(), nil)
	if err != nil {
		return fmt.Errorf("build DELETE request: %w", err)
	}
	req.Header.Set("Mcp-Session-Id", sid)
	resp, err := t.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("delete /mcp: %w", err)
	}
	defer resp.Body.Close()
	return nil
}

func protocolVersionHeader() string {
	return "2025-06-18"
}
