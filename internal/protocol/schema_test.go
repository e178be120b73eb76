package protocol

import "testing"

func TestValidateToolArgumentsNoSchemaAcceptsAnything(t *testing.T) {
	if err := ValidateToolArguments(nil, []byte(`{"anything":true}`)); err != nil {
		t.Fatalf("expected no error with no declared schema, got %v", err)
	}
}

func TestValidateToolArgumentsRejectsMissingRequiredField(t *testing.T) {
	schema := []byte(`{"type":"object","required":["path"],"properties":{"path":{"type":"string"}}}`)
	err := ValidateToolArguments(schema, []byte(`{}`))
	if err == nil {
		t.Fatal("expected a validation error for a missing required field")
	}
	if err.Code != CodeInvalidParams {
		t.Fatalf("expected CodeInvalidParams, got %d", err.Code)
	}
}

func TestValidateToolArgumentsAcceptsConformingArguments(t *testing.T) {
	schema := []byte(`{"type":"object","required":["path"],"properties":{"path":{"type":"string"}}}`)
	if err := ValidateToolArguments(schema, []byte(`{"path":"/tmp/x"}`)); err != nil {
		t.Fatalf("expected conforming arguments to pass, got %v", err)
	}
}

func TestValidateToolArgumentsRejectsMalformedSchema(t *testing.T) {
	if err := ValidateToolArguments([]byte(`not json`), []byte(`{}`)); err == nil {
		t.Fatal("expected an error for a malformed inputSchema")
	}
}
