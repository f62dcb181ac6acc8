package library

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// DraftSchema returns the JSON Schema accepted by the add endpoint and
// the CLI. It mirrors the checks of Draft.Validate.
func DraftSchema() *jsonschema.Schema {
	r := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	s := r.Reflect(&Draft{})
	s.Title = "Promptful prompt draft"
	s.Description = "A prompt template to add to the library"
	return s
}

// DraftSchemaJSON returns DraftSchema indented for display.
func DraftSchemaJSON() ([]byte, error) {
	return json.MarshalIndent(DraftSchema(), "", "  ")
}
