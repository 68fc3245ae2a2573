package mcp

import (
	"encoding/json"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/goerr/v2"
)

// convertInputSchema turns the loosely typed input schema received from a server
// into a jsonschema.Schema. A missing schema becomes an empty object schema.
func convertInputSchema(input any) (*jsonschema.Schema, error) {
	if input == nil {
		return &jsonschema.Schema{Type: "object", Properties: map[string]*jsonschema.Schema{}}, nil
	}
	if s, ok := input.(*jsonschema.Schema); ok {
		return s, nil
	}

	raw, err := json.Marshal(input)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to marshal input schema")
	}

	var schema jsonschema.Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, goerr.Wrap(err, "failed to unmarshal input schema", goerr.V("schema", string(raw)))
	}
	if schema.Type == "" && len(schema.Types) == 0 {
		schema.Type = "object"
	}
	return &schema, nil
}
