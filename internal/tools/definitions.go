package tools

import (
	"encoding/json"

	"github.com/invopop/jsonschema"

	"github.com/ent0n29/voicerag/internal/realtime"
)

const searchToolDescription = "Search the product catalog for product information"

// Definitions returns the tool declarations sent with the session configuration.
func (e *Executor) Definitions() []realtime.FunctionTool {
	return []realtime.FunctionTool{{
		Type:        "function",
		Name:        SearchToolName,
		Description: searchToolDescription,
		Parameters:  schemaFor(&SearchArguments{}),
	}}
}

func schemaFor(v any) json.RawMessage {
	reflector := jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}
	schema := reflector.Reflect(v)
	schema.Version = ""
	raw, err := json.Marshal(schema)
	if err != nil {
		// reflected schemas of plain structs always marshal
		panic(err)
	}
	return raw
}
