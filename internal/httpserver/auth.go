package httpserver

import (
	"net/http"

	"github.com/corvid-systems/mcpgate/internal/oauthrs"
)

// authenticate runs the resource-server bearer check (spec.md §4.7) when
// a Verifier is configured. With no Verifier, every request is treated
// as anonymous and authorized.
func (s *Server) authenticate(r *http.Request) (*oauthrs.IntrospectionResult, *oauthrs.AuthError) {
	if s.cfg.Verifier == nil {
		return nil, nil
	}
	return s.cfg.Verifier.Authenticate(r.Context(), r.Header)
}

// authorizeForMethod gates a specific JSON-RPC method behind the
// server's configured required scopes, skipped entirely when no
// Verifier is configured.
func (s *Server) authorizeForMethod(identity *oauthrs.IntrospectionResult, method string) *oauthrs.AuthError {
	if s.cfg.Verifier == nil || len(s.cfg.RequiredScopes) == 0 {
		return nil
	}
	have := map[string]bool{}
	if identity != nil {
		for _, sc := range identity.Scopes {
			have[sc] = true
		}
	}
	var missing []string
	for _, required := range s.cfg.RequiredScopes {
		if !have[required] {
			missing = append(missing, required)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &oauthrs.AuthError{
		Status:      http.StatusForbidden,
		Err:         "insufficient_scope",
		Description: "missing required scope(s): " + joinScopes(missing),
		Scope:       joinScopes(missing),
	}
}

func joinScopes(scopes []string) string {
	out := ""
	for i, sc := range scopes {
		if i > 0 {
			out += " "
		}
		out += sc
	}
	return out
}

// resourceServerRealm is the literal spec.md §4.7 requires in the
// WWW-Authenticate challenge header.
const resourceServerRealm = "MCP Server"

func (s *Server) writeAuthError(w http.ResponseWriter, authErr *oauthrs.AuthError) {
	realm := resourceServerRealm
	var authzServer string
	if s.cfg.Verifier != nil {
		if s.cfg.Verifier.Realm != "" {
			realm = s.cfg.Verifier.Realm
		}
		authzServer = s.cfg.Verifier.AuthzServer
	}
	w.Header().Set("WWW-Authenticate", authErr.WWWAuthenticate(realm, authzServer))
	w.WriteHeader(authErr.Status)
}
