package schemas

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// MarkdownExporter renders the registry's schemas as Markdown
// documentation: a property table, the version history, and an example
// payload per schema.
type MarkdownExporter struct {
	registry *Registry
}

// NewMarkdownExporter creates a Markdown documentation exporter
func NewMarkdownExporter(registry *Registry) *MarkdownExporter {
	return &MarkdownExporter{registry: registry}
}

// Export renders documentation for every registered schema
func (e *MarkdownExporter) Export() string {
	var sb strings.Builder
	sb.WriteString("# Analytics Event Schemas\n\n")

	schemas := e.registry.List()
	if len(schemas) == 0 {
		sb.WriteString("No event schemas registered.\n")
		return sb.String()
	}

	for _, schema := range schemas {
		e.writeSchema(&sb, schema)
	}
	return sb.String()
}

// ExportSchema renders documentation for one schema
func (e *MarkdownExporter) ExportSchema(name string) (string, error) {
	schema, err := e.registry.Latest(name)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	e.writeSchema(&sb, schema)
	return sb.String(), nil
}

func (e *MarkdownExporter) writeSchema(sb *strings.Builder, schema *EventSchema) {
	fmt.Fprintf(sb, "## %s (v%d)\n\n", schema.Name, schema.Version)
	if schema.Description != "" {
		sb.WriteString(schema.Description + "\n\n")
	}

	sb.WriteString("### Properties\n\n")
	sb.WriteString("| Property | Type | Required | Allowed Values | Description |\n")
	sb.WriteString("|----------|------|----------|----------------|-------------|\n")

	names := make([]string, 0, len(schema.Properties))
	for name := range schema.Properties {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		prop := schema.Properties[name]
		required := "no"
		if prop.Required {
			required = "yes"
		}
		enum := "-"
		if len(prop.Enum) > 0 {
			enum = strings.Join(prop.Enum, ", ")
		}
		desc := prop.Description
		if desc == "" {
			desc = "-"
		}
		fmt.Fprintf(sb, "| `%s` | %s | %s | %s | %s |\n", name, prop.Type, required, enum, desc)
	}
	sb.WriteString("\n")

	if history := e.registry.History(schema.Name); len(history) > 0 {
		sb.WriteString("### Version History\n\n")
		sb.WriteString("| Version | Changes | Breaking | Migrated |\n")
		sb.WriteString("|---------|---------|----------|----------|\n")
		for _, record := range history {
			breaking := "no"
			if record.IsBreaking {
				breaking = "yes"
			}
			fmt.Fprintf(sb, "| %d | %s | %s | %s |\n",
				record.ToVersion, record.Changes, breaking,
				record.MigratedAt.Format("2006-01-02"))
		}
		sb.WriteString("\n")
	}

	sb.WriteString("### Example\n\n")
	sb.WriteString("```json\n")
	sb.WriteString(examplePayload(schema))
	sb.WriteString("\n```\n\n")
}

// examplePayload builds a sample payload from the property examples,
// falling back to type-appropriate placeholders
func examplePayload(schema *EventSchema) string {
	example := make(map[string]any, len(schema.Properties))
	for name, prop := range schema.Properties {
		if prop.Example != nil {
			example[name] = prop.Example
			continue
		}
		if len(prop.Enum) > 0 {
			example[name] = prop.Enum[0]
			continue
		}
		switch prop.Type {
		case "string":
			example[name] = "example"
		case "number":
			example[name] = 1.0
		case "integer":
			example[name] = 1
		case "boolean":
			example[name] = true
		case "array":
			example[name] = []any{}
		default:
			example[name] = map[string]any{}
		}
	}
	data, err := json.MarshalIndent(example, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}
