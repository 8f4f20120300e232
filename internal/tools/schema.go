package tools

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// schemaFor reflects a JSON schema from a tool's argument struct.
// Definitions are inlined so every provider dialect receives a plain
// object schema.
func schemaFor(v any) json.RawMessage {
	reflector := jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: false,
	}
	schema := reflector.Reflect(v)
	schema.Version = ""
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return payload
}
