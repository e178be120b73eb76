// Package oauthproxy fronts an upstream authorization server that lacks
// dynamic client registration and/or PKCE, presenting itself to clients
// as a fully conformant RFC 7591/7636/7009 authorization server
// (spec.md §4.8). Grounded on the teacher's internal/oauth package:
// pkce.go (challenge/verifier), state.go (CSRF state shape, generalized
// into a signed JWT here), crypto.go (secret verification pattern),
// discovery.go (upstream metadata fetch).
package oauthproxy

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/corvid-systems/mcpgate/internal/store"
)

// UpstreamMetadata is the subset of the real authorization server's
// metadata this proxy needs to forward requests.
type UpstreamMetadata struct {
	Issuer                string
	AuthorizationEndpoint string
	TokenEndpoint         string
	IntrospectionEndpoint string
	RevocationEndpoint    string
}

// Config holds the proxy's own identity and the upstream it fronts.
type Config struct {
	BaseURL          string // this proxy's externally visible base URL, no trailing slash
	Upstream         UpstreamMetadata
	UpstreamClientID string
	UpstreamSecret   string
	StateSigningKey  []byte // >= 32 bytes, HS256 (spec.md §4.8 "State JWT invariants")
	AllowedScopes    []string // empty means unrestricted
	ScopesSupported  []string
}

// Proxy implements the registration/authorize/callback/token/introspect/
// revoke operations. HTTP handlers live in cmd/mcpgate and internal/httpserver;
// this type is transport-agnostic so it can be unit tested directly.
type Proxy struct {
	cfg           Config
	store         store.Store
	now           func() time.Time
	upstreamCodes *upstreamCodeMap

	secretBox        *store.CredentialBox
	sealedUpstreamSecret []byte
}

// New constructs a Proxy. now defaults to time.Now; tests may override it.
// cfg.UpstreamSecret is sealed into an age-encrypted box immediately and
// cleared from cfg so the plaintext does not linger in the struct past
// construction (spec.md §4.8's proxy holds the upstream credential for
// the life of the process; this keeps it encrypted at rest in memory).
func New(cfg Config, st store.Store) *Proxy {
	p := &Proxy{cfg: cfg, store: st, now: time.Now, upstreamCodes: newUpstreamCodeMap()}
	if cfg.UpstreamSecret != "" {
		box, err := store.NewCredentialBox()
		if err == nil {
			sealed, err := box.Seal(cfg.UpstreamSecret)
			if err == nil {
				p.secretBox = box
				p.sealedUpstreamSecret = sealed
				p.cfg.UpstreamSecret = ""
			}
		}
	}
	return p
}

// upstreamSecret decrypts the sealed upstream client secret for a single
// outbound request. Returns "" if none was configured.
func (p *Proxy) upstreamSecret() string {
	if p.secretBox == nil || p.sealedUpstreamSecret == nil {
		return ""
	}
	secret, err := p.secretBox.Open(p.sealedUpstreamSecret)
	if err != nil {
		return ""
	}
	return secret
}

// WithClock overrides the time source for deterministic tests.
func (p *Proxy) WithClock(now func() time.Time) *Proxy {
	p.now = now
	return p
}

// --- Metadata documents -----------------------------------------------

// AuthorizationServerMetadata renders the GET
// /.well-known/oauth-authorization-server body.
func (p *Proxy) AuthorizationServerMetadata() map[string]any {
	return map[string]any{
		"issuer":                                p.cfg.BaseURL,
		"authorization_endpoint":                p.cfg.BaseURL + "/oauth/authorize",
		"token_endpoint":                        p.cfg.BaseURL + "/oauth/token",
		"registration_endpoint":                 p.cfg.BaseURL + "/oauth/register",
		"introspection_endpoint":                p.cfg.BaseURL + "/oauth/introspect",
		"revocation_endpoint":                   p.cfg.BaseURL + "/oauth/revoke",
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"response_types_supported":              []string{"code"},
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post"},
		"code_challenge_methods_supported":       []string{"S256", "plain"},
		"x-upstream-issuer":                      p.cfg.Upstream.Issuer,
	}
}

// ProtectedResourceMetadata renders the GET
// /.well-known/oauth-protected-resource body.
func (p *Proxy) ProtectedResourceMetadata(resource string) map[string]any {
	return map[string]any{
		"resource":                resource,
		"bearer_methods_supported": []string{"header"},
		"authorization_servers":    []string{p.cfg.BaseURL},
		"scopes_supported":         p.cfg.ScopesSupported,
	}
}

// --- Registration (RFC 7591) -------------------------------------------

// RegistrationRequest is the POST /oauth/register body.
type RegistrationRequest struct {
	ClientName            string   `json:"client_name,omitempty"`
	RedirectURIs          []string `json:"redirect_uris"`
	GrantTypes            []string `json:"grant_types,omitempty"`
	ResponseTypes         []string `json:"response_types,omitempty"`
	TokenEndpointAuthMethod string `json:"token_endpoint_auth_method,omitempty"`
	Scope                 string   `json:"scope,omitempty"`
}

// RegistrationError is the RFC-shaped {error, error_description} body.
type RegistrationError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func regErr(desc string) *RegistrationError {
	return &RegistrationError{Error: "invalid_client_metadata", ErrorDescription: desc}
}

// RegistrationResponse is the successful POST /oauth/register body.
// ClientSecret is present only in this initial response (spec.md §4.8
// "Secrets are never returned after initial registration").
type RegistrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

var allowedGrantTypes = map[string]bool{"authorization_code": true, "refresh_token": true}
var allowedResponseTypes = map[string]bool{"code": true}
var allowedAuthMethods = map[string]bool{"client_secret_basic": true, "client_secret_post": true, "none": true}

// Register validates and persists a new client record (spec.md §4.8
// "Registration validation").
func (p *Proxy) Register(ctx context.Context, req RegistrationRequest) (*RegistrationResponse, *RegistrationError) {
	if len(req.RedirectURIs) == 0 {
		return nil, regErr("redirect_uris must be non-empty")
	}
	for _, uri := range req.RedirectURIs {
		if err := validateRedirectURI(uri); err != nil {
			return nil, regErr(err.Error())
		}
	}

	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{"authorization_code", "refresh_token"}
	}
	for _, g := range grantTypes {
		if !allowedGrantTypes[g] {
			return nil, regErr(fmt.Sprintf("unsupported grant_type %q", g))
		}
	}

	responseTypes := req.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{"code"}
	}
	for _, rt := range responseTypes {
		if !allowedResponseTypes[rt] {
			return nil, regErr(fmt.Sprintf("unsupported response_type %q", rt))
		}
	}

	authMethod := req.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = "client_secret_basic"
	}
	if !allowedAuthMethods[authMethod] {
		return nil, regErr(fmt.Sprintf("unsupported token_endpoint_auth_method %q", authMethod))
	}

	if len(p.cfg.AllowedScopes) > 0 && req.Scope != "" {
		allowed := make(map[string]bool, len(p.cfg.AllowedScopes))
		for _, s := range p.cfg.AllowedScopes {
			allowed[s] = true
		}
		for _, s := range strings.Fields(req.Scope) {
			if !allowed[s] {
				return nil, regErr(fmt.Sprintf("scope %q is not allowed", s))
			}
		}
	}

	clientID, err := randomHex(16)
	if err != nil {
		return nil, regErr("failed to generate client id")
	}
	var secret, secretHash string
	if authMethod != "none" {
		secret, err = randomHex(32)
		if err != nil {
			return nil, regErr("failed to generate client secret")
		}
		secretHash = hashSecret(secret)
	}

	rec := &store.ProxyClient{
		ClientID:                clientID,
		ClientSecretHash:        secretHash,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		TokenEndpointAuthMethod: authMethod,
		Scope:                   req.Scope,
		CreatedAt:               p.now(),
	}
	if err := p.store.CreateClient(ctx, rec); err != nil {
		return nil, regErr("failed to store client registration")
	}

	return &RegistrationResponse{
		ClientID:                clientID,
		ClientSecret:            secret,
		ClientName:              req.ClientName,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		TokenEndpointAuthMethod: authMethod,
	}, nil
}

func validateRedirectURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("redirect_uri %q does not parse: %w", raw, err)
	}
	if u.Fragment != "" {
		return fmt.Errorf("redirect_uri %q must not contain a fragment", raw)
	}
	isLoopback := u.Hostname() == "localhost" || u.Hostname() == "127.0.0.1"
	if u.Scheme != "https" && !isLoopback {
		return fmt.Errorf("redirect_uri %q must use https (or localhost/127.0.0.1)", raw)
	}
	return nil
}

// ClientInfo returns the public fields of a registered client (GET
// /oauth/clients/:id) — never the secret.
func (p *Proxy) ClientInfo(ctx context.Context, clientID string) (*store.ProxyClient, error) {
	c, err := p.store.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	c.ClientSecretHash = ""
	return c, nil
}

// --- Secret / hash helpers ----------------------------------------------

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// VerifySecret performs a constant-time comparison of a presented secret
// against the stored hash (spec.md §4.8 "verified constant-time (length
// check then XOR-accumulate)").
func VerifySecret(presented, storedHash string) bool {
	if presented == "" || storedHash == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(hashSecret(presented)), []byte(storedHash)) == 1
}

// --- PKCE -----------------------------------------------------------------

// GenerateCodeVerifier creates a random PKCE code verifier, grounded on
// the teacher's oauth.GenerateCodeVerifier.
func GenerateCodeVerifier() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// CodeChallengeS256 computes the S256 PKCE challenge for a verifier.
func CodeChallengeS256(verifier string) string {
	h := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(h[:])
}

// VerifyPKCE checks a presented code_verifier against the recorded
// challenge/method (spec.md §4.8 "PKCE verification").
func VerifyPKCE(method, challenge, verifier string) bool {
	if challenge == "" {
		return true // no PKCE was recorded for this code
	}
	if verifier == "" {
		return false
	}
	switch method {
	case "plain", "":
		return subtle.ConstantTimeCompare([]byte(verifier), []byte(challenge)) == 1
	case "S256":
		return subtle.ConstantTimeCompare([]byte(CodeChallengeS256(verifier)), []byte(challenge)) == 1
	default:
		return false
	}
}

// --- State JWT --------------------------------------------------------

// StateClaims is the payload encoded into the proxy's state JWT, carried
// through the upstream authorize/callback round trip.
type StateClaims struct {
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	OriginalState       string `json:"original_state,omitempty"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
	IssuedAt            int64  `json:"iat"`
	ExpiresAt           int64  `json:"exp"`
}

// EncodeState signs claims into a compact HS256 JWT (header.payload.sig,
// base64url, no padding) per spec.md §4.8 "State JWT invariants". No
// repo in this module's dependency pack imports a JWT library, so this
// follows the teacher's own hand-rolled, dependency-light crypto style
// (internal/oauth/crypto.go, pkce.go) rather than adding one.
func (p *Proxy) EncodeState(claims StateClaims, ttl time.Duration) (string, error) {
	now := p.now()
	claims.IssuedAt = now.Unix()
	claims.ExpiresAt = now.Add(ttl).Unix()

	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payloadBytes, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal state claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadBytes)
	signingInput := header + "." + payload
	sig := p.sign(signingInput)
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// DecodeState verifies the signature and expiry and returns the claims.
// Any failure maps to the spec's "400 invalid_request".
func (p *Proxy) DecodeState(token string) (*StateClaims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("invalid_request: malformed state token")
	}
	signingInput := parts[0] + "." + parts[1]
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("invalid_request: malformed state signature")
	}
	if !hmac.Equal(sig, p.sign(signingInput)) {
		return nil, fmt.Errorf("invalid_request: state signature mismatch")
	}
	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("invalid_request: malformed state payload")
	}
	var claims StateClaims
	if err := json.Unmarshal(payloadBytes, &claims); err != nil {
		return nil, fmt.Errorf("invalid_request: unparsable state payload")
	}
	now := p.now().Unix()
	if claims.IssuedAt == 0 || claims.ExpiresAt == 0 {
		return nil, fmt.Errorf("invalid_request: state missing iat/exp")
	}
	if now >= claims.ExpiresAt {
		return nil, fmt.Errorf("invalid_request: state expired")
	}
	return &claims, nil
}

func (p *Proxy) sign(signingInput string) []byte {
	mac := hmac.New(sha256.New, p.cfg.StateSigningKey)
	mac.Write([]byte(signingInput))
	return mac.Sum(nil)
}

// --- Token hashing for mapping lookups ---------------------------------

// HashToken returns sha256(token) hex-encoded, the key used for
// TokenMapping lookups (spec.md §4.8 "Token mapping").
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
