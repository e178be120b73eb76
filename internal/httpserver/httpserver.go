// Package httpserver implements the HTTP server transport (spec.md
// §4.6): the "/mcp" streamable-HTTP endpoint, session lifecycle
// management, the OAuth resource-server and proxy endpoints, and the
// supplemented operational endpoints (health, metrics, status, and the
// bearer-protected management sweep). Grounded on the teacher's
// internal/gateway/server.go (dispatch loop, notification handling) and
// internal/api/middleware.go (middleware chain, statusWriter).
package httpserver

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/corvid-systems/mcpgate/internal/aggregator"
	"github.com/corvid-systems/mcpgate/internal/auditlog"
	"github.com/corvid-systems/mcpgate/internal/metrics"
	"github.com/corvid-systems/mcpgate/internal/oauthproxy"
	"github.com/corvid-systems/mcpgate/internal/oauthrs"
	"github.com/corvid-systems/mcpgate/internal/protocol"
	"github.com/corvid-systems/mcpgate/internal/session"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// defaultInactivityTimeout is the idle window after which a session is
// eligible for sweep when a cleanup request doesn't specify one.
const defaultInactivityTimeout = 30 * time.Minute

// defaultSweepInterval is how often the background ticker sweeps
// inactive sessions when Config.SweepInterval is unset.
const defaultSweepInterval = 60 * time.Second

// Config bundles every collaborator the HTTP server transport needs.
type Config struct {
	Aggregator        *aggregator.Aggregator
	Sessions          *session.Manager
	Verifier          *oauthrs.Verifier // nil disables bearer enforcement on /mcp
	OAuthProxy        *oauthproxy.Proxy // nil disables the OAuth endpoints
	Metrics           *metrics.Registry
	Audit             *auditlog.Logger
	ManagementToken   string // bearer token required on POST /management/cleanup
	RequiredScopes    []string
	Log               *slog.Logger
	SweepInterval     time.Duration // background inactivity sweep cadence, default 60s
	InactivityTimeout time.Duration // default idle window applied by the sweep, default 30m
}

// Server is the HTTP server transport.
type Server struct {
	cfg          Config
	mux          *http.ServeMux
	log          *slog.Logger
	oauthLimiter *clientRateLimiter
	stopSweep    chan struct{}
}

// New builds a Server, wires its routes, and starts the background
// inactivity-sweep ticker (spec.md §4.5's sweep, supplemented per
// SPEC_FULL.md §4.5 with a periodic trigger rather than relying solely
// on the manual /management/cleanup call).
func New(cfg Config) *Server {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = defaultInactivityTimeout
	}
	s := &Server{
		cfg:          cfg,
		mux:          http.NewServeMux(),
		log:          cfg.Log,
		oauthLimiter: newClientRateLimiter(10, 20),
		stopSweep:    make(chan struct{}),
	}
	s.routes()
	go s.runSweepTicker()
	return s
}

// Close stops the background sweep ticker. Safe to call once during
// shutdown.
func (s *Server) Close() {
	close(s.stopSweep)
}

func (s *Server) runSweepTicker() {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopSweep:
			return
		case <-ticker.C:
			if s.cfg.Sessions != nil {
				swept := s.cfg.Sessions.SweepInactive(s.cfg.InactivityTimeout)
				if swept > 0 {
					s.log.Info("swept inactive sessions", "count", swept)
				}
			}
		}
	}
}

// ServeHTTP makes Server an http.Handler with the full middleware chain
// applied (spec.md AMBIENT STACK: logging + recovery on every request).
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	chain(s.mux, requestIDMiddleware, loggingMiddleware(s.log, s.cfg.Metrics), recoverMiddleware(s.log)).ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/mcp", s.handleMCP)
	s.mux.HandleFunc("/management/cleanup", s.handleManagementCleanup)
	s.mux.HandleFunc("/api/v1/status", s.handleStatus)

	if s.cfg.Metrics != nil {
		s.mux.Handle("/metrics", promhttp.HandlerFor(s.cfg.Metrics.Gatherer(), promhttp.HandlerOpts{}))
	}

	if s.cfg.OAuthProxy != nil {
		s.mux.HandleFunc("/.well-known/oauth-authorization-server", s.handleASMetadata)
		s.mux.HandleFunc("/.well-known/oauth-protected-resource", s.handlePRMetadata)
		s.mux.HandleFunc("/oauth/register", s.handleRegister)
		s.mux.HandleFunc("/oauth/authorize", rateLimited(s.oauthLimiter, s.handleAuthorize))
		s.mux.HandleFunc("/oauth/callback", s.handleCallback)
		s.mux.HandleFunc("/oauth/token", rateLimited(s.oauthLimiter, s.handleToken))
		s.mux.HandleFunc("/oauth/introspect", s.handleIntrospect)
		s.mux.HandleFunc("/oauth/revoke", s.handleRevoke)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sessionCount := 0
	if s.cfg.Sessions != nil {
		sessionCount = s.cfg.Sessions.Count()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active_sessions": sessionCount,
		"time":            time.Now().UTC().Format(time.RFC3339),
	})
}

// managementCleanupRequest is the optional JSON body accepted by POST
// /management/cleanup (SPEC_FULL.md §4.5): the inactivity window in
// milliseconds, mirroring the millisecond-denominated durations used
// throughout the wire protocol rather than the query-string seconds
// the transport otherwise avoids.
type managementCleanupRequest struct {
	InactivityTimeoutMs int64 `json:"inactivityTimeoutMs"`
}

// handleManagementCleanup sweeps inactive sessions (spec.md §4.5 "POST
// /management/cleanup"), protected by a static bearer token rather than
// the OAuth resource-server chain since it's an operator-facing endpoint.
// The same sweep also runs unattended on a background ticker; this
// endpoint lets an operator trigger it on demand with a custom window.
func (s *Server) handleManagementCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeRPCError(w, http.StatusMethodNotAllowed, nil, protocol.NewError(protocol.CodeInvalidRequest, "method not allowed", nil))
		return
	}
	if s.cfg.ManagementToken == "" || !bearerMatches(r, s.cfg.ManagementToken) {
		w.Header().Set("WWW-Authenticate", `Bearer realm="management"`)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	maxIdle := s.cfg.InactivityTimeout
	if r.ContentLength != 0 {
		var body managementCleanupRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes+1)).Decode(&body); err != nil && err != io.EOF {
			writeRPCError(w, http.StatusBadRequest, nil, protocol.NewError(protocol.CodeParseError, "invalid cleanup request body", nil))
			return
		}
		if body.InactivityTimeoutMs > 0 {
			maxIdle = time.Duration(body.InactivityTimeoutMs) * time.Millisecond
		}
	}
	swept := 0
	if s.cfg.Sessions != nil {
		swept = s.cfg.Sessions.SweepInactive(maxIdle)
	}
	writeJSON(w, http.StatusOK, map[string]int{"swept": swept})
}

func bearerMatches(r *http.Request, token string) bool {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return false
	}
	return strings.TrimPrefix(h, prefix) == token
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRPCError(w http.ResponseWriter, status int, id json.RawMessage, rpcErr *protocol.RPCError) {
	raw, err := protocol.EncodeError(id, rpcErr)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(raw)
}

func statusForRPCError(code int) int {
	switch code {
	case protocol.CodeParseError, protocol.CodeInvalidRequest, protocol.CodeInvalidParams:
		return http.StatusBadRequest
	case protocol.CodeMethodNotFound, protocol.CodeResourceNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func recordMetrics(m *metrics.Registry, route, status string, start time.Time) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(route, status).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
}
