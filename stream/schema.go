package stream

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// envelopeSchema is the JSON Schema for the canonical event envelope. Sinks
// that bridge process boundaries (Pulse) can validate outbound envelopes
// against it to catch marshaling drift before foreign consumers do.
const envelopeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["schema_version", "event_id", "session_id", "harness", "stream_id", "seq", "timestamp_ms", "type", "payload"],
  "properties": {
    "schema_version": {"type": "integer", "const": 1},
    "event_id": {"type": "string", "minLength": 1},
    "session_id": {"type": "string", "minLength": 1},
    "harness": {"type": "string"},
    "provider": {"type": "string"},
    "stream_id": {"type": "string", "minLength": 1},
    "seq": {"type": "integer", "minimum": 0},
    "timestamp_ms": {"type": "integer", "minimum": 0},
    "type": {
      "type": "string",
      "enum": ["text_delta", "thinking_delta", "tool_call_delta", "tool_call_completed", "status", "error"]
    },
    "payload": {"type": "object"},
    "message_id": {"type": "string"},
    "parent_message_id": {"type": "string"}
  },
  "additionalProperties": false
}`

var (
	compiledSchema     *jsonschema.Schema
	compileSchemaOnce  sync.Once
	compileSchemaError error
)

// ValidateEnvelope validates a marshaled event envelope against the canonical
// schema. It returns the underlying jsonschema validation error on mismatch.
func ValidateEnvelope(data []byte) error {
	compileSchemaOnce.Do(func() {
		var doc any
		if err := json.Unmarshal([]byte(envelopeSchema), &doc); err != nil {
			compileSchemaError = fmt.Errorf("unmarshal envelope schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("envelope.json", doc); err != nil {
			compileSchemaError = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, err := c.Compile("envelope.json")
		if err != nil {
			compileSchemaError = fmt.Errorf("compile envelope schema: %w", err)
			return
		}
		compiledSchema = schema
	})
	if compileSchemaError != nil {
		return compileSchemaError
	}
	var payload any
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("unmarshal envelope: %w", err)
	}
	return compiledSchema.Validate(payload)
}
