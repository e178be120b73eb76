package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// ValidateToolArguments checks rawArgs against a tool's declared
// inputSchema. A tool with no inputSchema accepts any arguments object.
// Failures are reported as INVALID_PARAMS so a malformed downstream tool
// declaration, or a malformed caller argument object, never propagates
// past the wire layer.
func ValidateToolArguments(inputSchema, rawArgs json.RawMessage) *RPCError {
	if len(inputSchema) == 0 {
		return nil
	}

	var schema jsonschema.Schema
	if err := json.Unmarshal(inputSchema, &schema); err != nil {
		return NewError(CodeInvalidParams, fmt.Sprintf("invalid tool inputSchema: %v", err), nil)
	}

	resolved, err := schema.Resolve(nil)
	if err != nil {
		return NewError(CodeInvalidParams, fmt.Sprintf("unresolvable tool inputSchema: %v", err), nil)
	}

	var args any
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return NewError(CodeInvalidParams, fmt.Sprintf("invalid tool arguments: %v", err), nil)
		}
	} else {
		args = map[string]any{}
	}

	if err := resolved.Validate(args); err != nil {
		return NewError(CodeInvalidParams, fmt.Sprintf("tool arguments do not match inputSchema: %v", err), nil)
	}
	return nil
}
