package httpserver

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/corvid-systems/mcpgate/internal/oauthproxy"
)

func (s *Server) handleASMetadata(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.OAuthProxy.AuthorizationServerMetadata())
}

func (s *Server) handlePRMetadata(w http.ResponseWriter, r *http.Request) {
	resource := "http://" + r.Host + "/mcp"
	writeJSON(w, http.StatusOK, s.cfg.OAuthProxy.ProtectedResourceMetadata(resource))
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req oauthproxy.RegistrationRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, oauthproxy.RegistrationError{Error: "invalid_client_metadata", ErrorDescription: "malformed JSON body"})
		return
	}
	resp, regErr := s.cfg.OAuthProxy.Register(r.Context(), req)
	if regErr != nil {
		writeJSON(w, http.StatusBadRequest, regErr)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	redirectURL, err := s.cfg.OAuthProxy.Authorize(r.Context(), oauthproxy.AuthorizeRequest{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		State:               q.Get("state"),
		Scope:               q.Get("scope"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	redirectURL, err := s.cfg.OAuthProxy.Callback(r.Context(), q.Get("code"), q.Get("state"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, oauthproxy.TokenError{Error: "invalid_request", ErrorDescription: "malformed form body"})
		return
	}
	clientID, clientSecret := r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
	if user, pass, ok := r.BasicAuth(); ok {
		clientID, clientSecret = user, pass
	}
	tok, tokErr := s.cfg.OAuthProxy.Token(r.Context(), oauthproxy.TokenRequest{
		GrantType:    r.PostForm.Get("grant_type"),
		Code:         r.PostForm.Get("code"),
		RedirectURI:  r.PostForm.Get("redirect_uri"),
		CodeVerifier: r.PostForm.Get("code_verifier"),
		RefreshToken: r.PostForm.Get("refresh_token"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
	})
	if tokErr != nil {
		writeJSON(w, http.StatusBadRequest, tokErr)
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

func (s *Server) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	result, err := s.cfg.OAuthProxy.Introspect(r.Context(), r.PostForm.Get("token"))
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]bool{"active": false})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	s.cfg.OAuthProxy.Revoke(r.Context(), r.PostForm.Get("token"))
	w.WriteHeader(http.StatusOK)
}
