package config

import (
	"github.com/invopop/jsonschema"
)

// Schema returns the JSON Schema of the config file.
func Schema() *jsonschema.Schema {
	s := jsonschema.Reflect(&Config{})
	s.Title = "posetrack configuration"
	return s
}

// SchemaJSON returns the indented JSON encoding of Schema.
func SchemaJSON() ([]byte, error) {
	return json.MarshalIndent(Schema(), "", "  ")
}
