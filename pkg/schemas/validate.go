package schemas

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ValidationError reports an event payload that failed schema validation
type ValidationError struct {
	Schema   string
	Version  int
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("payload invalid for %s v%d: %s", e.Schema, e.Version, strings.Join(e.Problems, "; "))
}

// IsValidation checks if an error is a payload validation error
func IsValidation(err error) bool {
	_, ok := err.(*ValidationError)
	return ok
}

// jsonSchemaFor builds a draft JSON Schema document from the property
// table. Extra properties are allowed so enrichment fields added by the
// dispatcher never fail validation.
func jsonSchemaFor(schema *EventSchema) map[string]any {
	properties := make(map[string]any, len(schema.Properties))
	var required []string
	for name, prop := range schema.Properties {
		p := map[string]any{"type": prop.Type}
		if len(prop.Enum) > 0 {
			enum := make([]any, len(prop.Enum))
			for i, v := range prop.Enum {
				enum[i] = v
			}
			p["enum"] = enum
		}
		if prop.Description != "" {
			p["description"] = prop.Description
		}
		properties[name] = p
		if prop.Required {
			required = append(required, name)
		}
	}

	doc := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": true,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	return doc
}

// ValidatePayload checks an event payload against a schema's property
// table
func ValidatePayload(schema *EventSchema, payload map[string]any) error {
	schemaLoader := gojsonschema.NewGoLoader(jsonSchemaFor(schema))
	documentLoader := gojsonschema.NewGoLoader(payload)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("validation error: %w", err)
	}

	if !result.Valid() {
		problems := make([]string, len(result.Errors()))
		for i, desc := range result.Errors() {
			problems[i] = desc.String()
		}
		return &ValidationError{Schema: schema.Name, Version: schema.Version, Problems: problems}
	}
	return nil
}
