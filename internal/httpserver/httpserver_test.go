package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/corvid-systems/mcpgate/internal/aggregator"
	"github.com/corvid-systems/mcpgate/internal/metrics"
	"github.com/corvid-systems/mcpgate/internal/protocol"
	"github.com/corvid-systems/mcpgate/internal/session"
)

func newTestServer() *Server {
	return New(Config{
		Aggregator: aggregator.New(nil, time.Minute),
		Sessions:   session.NewManager(),
	})
}

func TestHealth(t *testing.T) {
	s := newTestServer()
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "healthy" {
		t.Fatalf(`expected status "healthy", got %q`, body["status"])
	}
	if body["timestamp"] == "" {
		t.Fatal("expected a non-empty timestamp field")
	}
}

func TestStatus(t *testing.T) {
	s := newTestServer()
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if _, ok := body["active_sessions"]; !ok {
		t.Fatal("expected active_sessions field in status body")
	}
}

func TestManagementCleanupRequiresToken(t *testing.T) {
	s := New(Config{Aggregator: aggregator.New(nil, time.Minute), Sessions: session.NewManager(), ManagementToken: "secret"})
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/management/cleanup", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a bearer token, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/management/cleanup", nil)
	req.Header.Set("Authorization", "Bearer secret")
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with the correct bearer token, got %d", rec.Code)
	}
}

func TestManagementCleanupParsesMillisecondBody(t *testing.T) {
	now := time.Now()
	mgr := session.NewManager().WithClock(func() time.Time { return now })
	stale, _ := mgr.Allocate("")
	fresh, _ := mgr.Allocate("")

	now = now.Add(500 * time.Millisecond)
	mgr.Touch(fresh.ID)

	s := New(Config{Aggregator: aggregator.New(nil, time.Minute), Sessions: mgr, ManagementToken: "secret"})

	req := httptest.NewRequest(http.MethodPost, "/management/cleanup", strings.NewReader(`{"inactivityTimeoutMs":100}`))
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["swept"] != 1 {
		t.Fatalf("expected 1 session swept under a 100ms window, got %d", body["swept"])
	}
	if mgr.Lookup(stale.ID) != nil {
		t.Fatal("expected the stale session to be gone")
	}
	if mgr.Lookup(fresh.ID) == nil {
		t.Fatal("expected the freshly touched session to survive")
	}
}

func TestMCPPostRejectsBadAccept(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`{}`))
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotAcceptable {
		t.Fatalf("expected 406 when Accept omits text/event-stream, got %d", rec.Code)
	}
}

func TestMCPPostRejectsBadContentType(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`{}`))
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415 for a non-JSON content type, got %d", rec.Code)
	}
}

func TestMCPInitializeAssignsSession(t *testing.T) {
	s := newTestServer()
	body := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"test","version":"1"}}}`
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	sid := rec.Header().Get("Mcp-Session-Id")
	if sid == "" {
		t.Fatal("expected Mcp-Session-Id header on a successful initialize")
	}

	line := strings.TrimPrefix(strings.TrimSpace(rec.Body.String()), "data: ")
	var resp protocol.Response
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		t.Fatalf("failed to parse SSE payload: %v", err)
	}
	var result protocol.InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatal(err)
	}
	if result.ProtocolVersion != "2025-06-18" {
		t.Fatalf("unexpected negotiated version: %s", result.ProtocolVersion)
	}
}

func TestMCPInitializeRejectsUnsupportedVersion(t *testing.T) {
	s := newTestServer()
	body := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"1999-01-01","capabilities":{},"clientInfo":{"name":"test","version":"1"}}}`
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an unsupported protocol version, got %d", rec.Code)
	}
}

func TestMCPPostRequiresKnownSessionForNonInitializeMethod(t *testing.T) {
	s := newTestServer()
	body := `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 with no session id, got %d", rec.Code)
	}

	req2 := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	req2.Header.Set("Accept", "application/json, text/event-stream")
	req2.Header.Set("Content-Type", "application/json")
	req2.Header.Set("Mcp-Session-Id", "does-not-exist")
	rec2 := httptest.NewRecorder()
	s.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown session id, got %d", rec2.Code)
	}
}

func TestMCPGetReplaysBufferedEventsFromLastEventID(t *testing.T) {
	mgr := session.NewManager()
	sess, _ := mgr.Allocate("")
	ev1, _ := mgr.PushEvent(sess.ID, []byte(`"first"`))
	mgr.PushEvent(sess.ID, []byte(`"second"`))

	s := New(Config{Aggregator: aggregator.New(nil, time.Minute), Sessions: mgr})

	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Mcp-Session-Id", sess.ID)
	req.Header.Set("Last-Event-ID", strconv.FormatInt(ev1.ID, 10))

	ctx, cancel := context.WithTimeout(req.Context(), 200*time.Millisecond)
	defer cancel()
	req = req.WithContext(ctx)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if !strings.Contains(rec.Body.String(), `"second"`) {
		t.Fatalf("expected replay of the event after Last-Event-ID, got body: %s", rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), `"first"`) {
		t.Fatalf("did not expect replay of the event at Last-Event-ID itself, got body: %s", rec.Body.String())
	}
}

func TestMCPDeleteTerminatesSession(t *testing.T) {
	mgr := session.NewManager()
	sess, err := mgr.Allocate("tester")
	if err != nil {
		t.Fatal(err)
	}
	s := New(Config{Aggregator: aggregator.New(nil, time.Minute), Sessions: mgr})

	req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	req.Header.Set("Mcp-Session-Id", sess.ID)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 (no-op) terminating an already-gone session, got %d", rec.Code)
	}
}

func TestMCPDeleteWithoutSessionHeaderIsBadRequest(t *testing.T) {
	s := newTestServer()
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/mcp", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestMCPMethodNotAllowed(t *testing.T) {
	s := newTestServer()
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/mcp", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestMetricsRouteServesPrometheusFormat(t *testing.T) {
	s := New(Config{Aggregator: aggregator.New(nil, time.Minute), Sessions: session.NewManager(), Metrics: metrics.NewRegistry()})
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
