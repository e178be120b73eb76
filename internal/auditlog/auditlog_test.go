package auditlog

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/corvid-systems/mcpgate/internal/store"
)

func TestRedactRedactsSensitiveKeys(t *testing.T) {
	params := json.RawMessage(`{"api_key":"shh","name":"ok","nested":{"password":"hunter2"}}`)
	redacted := Redact(params, nil)
	s := string(redacted)
	if strings.Contains(s, "shh") || strings.Contains(s, "hunter2") {
		t.Fatalf("expected sensitive values to be redacted, got %s", s)
	}
	if !strings.Contains(s, `"name":"ok"`) {
		t.Fatalf("expected non-sensitive value preserved, got %s", s)
	}
}

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	bus.Publish(&store.AuditRecord{Method: "tools/call"})

	select {
	case rec := <-ch:
		if rec.Method != "tools/call" {
			t.Fatalf("unexpected record: %+v", rec)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published record")
	}
}

func TestLoggerRecordPersistsAndPublishes(t *testing.T) {
	st := store.NewMemoryStore()
	bus := NewBus()
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	logger := NewLogger(st, bus, nil)
	logger.Record(context.Background(), "session-1", "weather", "tools/call", "ok", 5*time.Millisecond,
		json.RawMessage(`{"token":"abc"}`), nil)

	records, err := st.ListAuditRecords(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if strings.Contains(records[0].Detail, "abc") {
		t.Fatalf("expected token to be redacted in persisted detail: %s", records[0].Detail)
	}

	select {
	case rec := <-ch:
		if rec.ServerName != "weather" {
			t.Fatalf("unexpected published record: %+v", rec)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published record")
	}
}
