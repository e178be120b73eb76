package httpserver

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/corvid-systems/mcpgate/internal/protocol"
	"github.com/corvid-systems/mcpgate/internal/session"
)

const maxBodyBytes = 1 << 20 // 1 MiB, mirrors the teacher's requestBodyLimitMiddleware cap

// handleMCP serves POST/GET/DELETE /mcp per spec.md §4.6. POST carries a
// single JSON-RPC request/notification; GET opens the server-initiated
// side channel; DELETE terminates the session.
func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleMCPPost(w, r)
	case http.MethodGet:
		s.handleMCPGet(w, r)
	case http.MethodDelete:
		s.handleMCPDelete(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		writeRPCError(w, http.StatusMethodNotAllowed, nil, protocol.NewError(protocol.CodeInvalidRequest, "method not allowed", nil))
	}
}

// handleMCPPost implements the five-step validation order from spec.md
// §4.6: extract context, Accept gate, Content-Type gate, protocol
// version gate, then parse the body. Only once every gate passes does
// the handler begin streaming the reply as text/event-stream.
func (s *Server) handleMCPPost(w http.ResponseWriter, r *http.Request) {
	// (1) extract context: session id, protocol version, auth.
	sessionID := r.Header.Get("Mcp-Session-Id")
	protoVersion := r.Header.Get("Mcp-Protocol-Version")

	identity, authErr := s.authenticate(r)
	if authErr != nil {
		s.writeAuthError(w, authErr)
		return
	}

	// (2) Accept must include both application/json and text/event-stream.
	accept := r.Header.Get("Accept")
	if !strings.Contains(accept, "application/json") || !strings.Contains(accept, "text/event-stream") {
		w.WriteHeader(http.StatusNotAcceptable)
		return
	}

	// (3) Content-Type must include application/json.
	if ct := r.Header.Get("Content-Type"); !strings.Contains(ct, "application/json") {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		return
	}

	// (4) protocol version must be supported.
	if protoVersion != "" && !protocol.IsSupportedVersion(protoVersion) {
		writeRPCError(w, http.StatusBadRequest, nil, protocol.NewError(protocol.CodeInvalidRequest,
			"unsupported protocol version: "+protoVersion, protocol.SortedSupportedVersions()))
		return
	}

	// (5) parse the body.
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, nil, protocol.NewError(protocol.CodeParseError, "failed to read body", nil))
		return
	}
	if len(body) > maxBodyBytes {
		writeRPCError(w, http.StatusRequestEntityTooLarge, nil, protocol.NewError(protocol.CodeInvalidRequest, "request body too large", nil))
		return
	}

	msg, rpcErr := protocol.ValidateMessage(body)
	if rpcErr != nil {
		writeRPCError(w, statusForRPCError(rpcErr.Code), nil, rpcErr)
		return
	}

	if msg.Kind == protocol.KindNotification {
		s.handleNotification(r, sessionID, msg)
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if msg.Kind != protocol.KindRequest {
		writeRPCError(w, http.StatusBadRequest, msg.ID, protocol.NewError(protocol.CodeInvalidRequest, "expected a request or notification", nil))
		return
	}

	if msg.Method == protocol.MethodInitialize {
		s.handleInitialize(w, r, msg)
		return
	}

	if s.cfg.Sessions != nil {
		if sessionID == "" {
			writeRPCError(w, http.StatusBadRequest, msg.ID, protocol.NewError(protocol.CodeInvalidRequest, "Mcp-Session-Id header is required", nil))
			return
		}
		if s.cfg.Sessions.Lookup(sessionID) == nil {
			writeRPCError(w, http.StatusNotFound, msg.ID, protocol.NewError(protocol.CodeInvalidRequest, "unknown session: "+sessionID, nil))
			return
		}
		s.cfg.Sessions.Touch(sessionID)
	}

	if authErr := s.authorizeForMethod(identity, msg.Method); authErr != nil {
		s.writeAuthError(w, authErr)
		return
	}

	callStart := time.Now()
	result, rpcErr := Dispatch(r.Context(), s.cfg.Aggregator, msg.Method, msg.Params)
	s.emitSSEResult(w, msg.ID, result, rpcErr)
	if s.cfg.Audit != nil {
		outcome := "ok"
		if rpcErr != nil {
			outcome = "error"
		}
		s.cfg.Audit.Record(r.Context(), sessionID, "", msg.Method, outcome, time.Since(callStart), msg.Params, nil)
	}
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request, msg *protocol.Message) {
	var params protocol.InitializeParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		writeRPCError(w, http.StatusBadRequest, msg.ID, protocol.NewError(protocol.CodeInvalidParams, "invalid initialize params", nil))
		return
	}
	version, ok := protocol.NegotiateVersion(params.ProtocolVersion)
	if !ok {
		writeRPCError(w, http.StatusBadRequest, msg.ID, protocol.NewError(protocol.CodeInvalidRequest,
			"unsupported protocol version: "+params.ProtocolVersion, protocol.SortedSupportedVersions()))
		return
	}

	if s.cfg.Sessions != nil {
		allocated, err := s.cfg.Sessions.Allocate(identityUser(r))
		if err != nil {
			writeRPCError(w, http.StatusInternalServerError, msg.ID, protocol.NewError(protocol.CodeInternalError, "failed to allocate session", nil))
			return
		}
		w.Header().Set("Mcp-Session-Id", allocated.ID)
	}

	result := protocol.InitializeResult{
		ProtocolVersion: version,
		ServerInfo:      protocol.ServerInfo{Name: "mcpgate", Version: "0.1.0"},
	}
	s.emitSSEResult(w, msg.ID, result, nil)
}

func identityUser(r *http.Request) string {
	if v := r.Context().Value(requestIDKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return "anonymous"
}

// emitSSEResult writes a single-event text/event-stream response
// carrying the JSON-RPC envelope, per spec.md §4.6's streamable-HTTP
// response shape.
func (s *Server) emitSSEResult(w http.ResponseWriter, id json.RawMessage, result any, rpcErr *protocol.RPCError) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	var raw []byte
	var err error
	if rpcErr != nil {
		raw, err = protocol.EncodeError(id, rpcErr)
	} else {
		raw, err = protocol.EncodeResult(id, result)
	}
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", raw)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) handleNotification(r *http.Request, sessionID string, msg *protocol.Message) {
	if sessionID == "" || s.cfg.Aggregator == nil {
		return
	}
	switch msg.Method {
	case protocol.MethodToolsListChanged, protocol.MethodResourcesListChanged, protocol.MethodPromptsListChanged:
		s.cfg.Aggregator.RefreshListChanged(r.Context(), sessionID, msg.Method)
		if s.cfg.Sessions != nil {
			if raw, err := protocol.EncodeNotification(msg.Method, nil); err == nil {
				s.cfg.Sessions.Broadcast(raw)
			}
		}
	}
}

// getStreamHeartbeat is how often handleMCPGet sends an SSE comment
// keep-alive while idle, mirroring the teacher's audit SSE handler.
const getStreamHeartbeat = 15 * time.Second

// handleMCPGet opens the server-initiated side channel (spec.md §4.6).
// A reconnecting client may send Last-Event-ID to replay any events
// buffered in its session's resumption queue before resuming the live
// feed; events pushed to the session (e.g. downstream list_changed
// broadcasts) are multiplexed onto the stream as they arrive.
func (s *Server) handleMCPGet(w http.ResponseWriter, r *http.Request) {
	if accept := r.Header.Get("Accept"); !strings.Contains(accept, "text/event-stream") {
		w.WriteHeader(http.StatusNotAcceptable)
		return
	}
	_, authErr := s.authenticate(r)
	if authErr != nil {
		s.writeAuthError(w, authErr)
		return
	}

	sessionID := r.Header.Get("Mcp-Session-Id")
	var sub <-chan session.SessionEvent
	var cancel func()
	var replay []session.SessionEvent
	if s.cfg.Sessions != nil && sessionID != "" {
		if s.cfg.Sessions.Lookup(sessionID) == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var ok bool
		sub, cancel, ok = s.cfg.Sessions.Subscribe(sessionID)
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		defer cancel()
		if lastEventID := parseLastEventID(r.Header.Get("Last-Event-ID")); lastEventID > 0 {
			replay, _ = s.cfg.Sessions.EventsSince(sessionID, lastEventID)
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for _, ev := range replay {
		writeSessionEvent(w, ev)
		if canFlush {
			flusher.Flush()
		}
	}

	heartbeat := time.NewTicker(getStreamHeartbeat)
	defer heartbeat.Stop()
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			writeSessionEvent(w, ev)
			if canFlush {
				flusher.Flush()
			}
		case <-heartbeat.C:
			fmt.Fprint(w, ":\n\n")
			if canFlush {
				flusher.Flush()
			}
		}
	}
}

func writeSessionEvent(w http.ResponseWriter, ev session.SessionEvent) {
	fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.ID, ev.Data)
}

func parseLastEventID(v string) int64 {
	if v == "" {
		return 0
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func (s *Server) handleMCPDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get("Mcp-Session-Id")
	if sessionID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if s.cfg.Sessions != nil {
		s.cfg.Sessions.Terminate(sessionID)
	}
	w.WriteHeader(http.StatusOK)
}
