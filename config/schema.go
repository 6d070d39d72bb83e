package config

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// JSONSchema customizes the schema for Duration fields: they are written as
// Go duration strings or bare seconds, not as integers of nanoseconds.
func (Duration) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		OneOf: []*jsonschema.Schema{
			{Type: "string", Pattern: `^\d+(\.\d+)?(ns|us|µs|ms|s|m|h)$`},
			{Type: "number"},
		},
		Description: "duration string (e.g. \"30s\") or number of seconds",
	}
}

// Schema returns the JSON schema of the Settings document, for editor
// completion and config validation tooling.
func Schema() ([]byte, error) {
	reflector := &jsonschema.Reflector{
		ExpandedStruct: true,
		DoNotReference: true,
	}
	schema := reflector.Reflect(&Settings{})
	schema.Title = "gopwsh configuration"

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return data, nil
}
