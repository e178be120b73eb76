package protocol

import (
	"encoding/json"
	"testing"
)

func TestValidateMessageShapes(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		kind Kind
		errs bool
	}{
		{"request", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, KindRequest, false},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/initialized"}`, KindNotification, false},
		{"response", `{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`, KindResponse, false},
		{"error response", `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"not found"}}`, KindErrorResponse, false},
		{"bad jsonrpc", `{"jsonrpc":"1.0","id":1,"method":"x"}`, 0, true},
		{"not json", `{not json`, 0, true},
		{"matches nothing", `{"jsonrpc":"2.0"}`, 0, true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			msg, rpcErr := ValidateMessage([]byte(c.raw))
			if c.errs {
				if rpcErr == nil {
					t.Fatalf("expected error, got none")
				}
				return
			}
			if rpcErr != nil {
				t.Fatalf("unexpected error: %v", rpcErr)
			}
			if msg.Kind != c.kind {
				t.Fatalf("kind = %v, want %v", msg.Kind, c.kind)
			}
		})
	}
}

func TestValidateMessageParseError(t *testing.T) {
	_, rpcErr := ValidateMessage([]byte(`not json at all`))
	if rpcErr == nil || rpcErr.Code != CodeParseError {
		t.Fatalf("expected parse error, got %v", rpcErr)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	raw, err := EncodeRequest(json.RawMessage(`1`), "tools/list", nil)
	if err != nil {
		t.Fatal(err)
	}
	msg, rpcErr := ValidateMessage(raw)
	if rpcErr != nil {
		t.Fatalf("unexpected error: %v", rpcErr)
	}
	if msg.Kind != KindRequest || msg.Method != "tools/list" {
		t.Fatalf("round trip mismatch: %+v", msg)
	}
}

func TestNegotiateVersion(t *testing.T) {
	if v, ok := NegotiateVersion(SupportedVersions[0]); !ok || v != SupportedVersions[0] {
		t.Fatalf("expected exact match on %s", SupportedVersions[0])
	}
	if _, ok := NegotiateVersion("1999-01-01"); ok {
		t.Fatalf("expected no match for unsupported version")
	}
}
