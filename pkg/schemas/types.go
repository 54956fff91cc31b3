// Package schemas implements the analytics event schema registry:
// versioned event definitions, forward migrations with an append-only
// history, payload validation, and documentation generation.
package schemas

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PropertySpec describes one property of an event schema
type PropertySpec struct {
	Type        string   `json:"type" yaml:"type"`
	Required    bool     `json:"required" yaml:"required"`
	Enum        []string `json:"enum,omitempty" yaml:"enum,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Example     any      `json:"example,omitempty" yaml:"example,omitempty"`
}

// EventSchema is one version of an analytics event definition. Versions
// are plain monotonic integers.
type EventSchema struct {
	Name        string                  `json:"name"`
	Version     int                     `json:"version"`
	Description string                  `json:"description,omitempty"`
	Properties  map[string]PropertySpec `json:"properties"`
	CreatedAt   time.Time               `json:"created_at"`
}

// Validate checks the schema definition itself
func (s *EventSchema) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("schema name is required")
	}
	if s.Version < 1 {
		return fmt.Errorf("schema version must be a positive integer, got %d", s.Version)
	}
	if len(s.Properties) == 0 {
		return fmt.Errorf("schema %s must define at least one property", s.Name)
	}
	for name, prop := range s.Properties {
		switch prop.Type {
		case "string", "number", "integer", "boolean", "object", "array":
		default:
			return fmt.Errorf("property %s has unsupported type %q", name, prop.Type)
		}
	}
	return nil
}

// ParseVersion parses a schema version string. Plain integers are
// preferred; dotted forms like "2.1.0" are accepted for payloads coming
// from older clients and collapse to the major component.
func ParseVersion(s string) (int, error) {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '.'); idx >= 0 {
		s = s[:idx]
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return 0, fmt.Errorf("invalid schema version: %q", s)
	}
	return v, nil
}

// MigrationScript moves a schema from one version to the next.
// IsBreaking is declared by the author, never derived.
type MigrationScript struct {
	SchemaName  string
	FromVersion int
	ToVersion   int
	Description string
	IsBreaking  bool

	// UpdateProperties transforms the property table to the new version
	UpdateProperties func(map[string]PropertySpec) (map[string]PropertySpec, error)

	// TransformPayload upgrades an event payload recorded under the old
	// version. Optional; nil means old payloads are already compatible.
	TransformPayload func(json.RawMessage) (json.RawMessage, error)
}

// Validate checks the migration script's shape
func (m *MigrationScript) Validate() error {
	if m.SchemaName == "" {
		return fmt.Errorf("migration schema name is required")
	}
	if m.ToVersion != m.FromVersion+1 {
		return fmt.Errorf("migration must advance exactly one version, got %d -> %d", m.FromVersion, m.ToVersion)
	}
	if m.UpdateProperties == nil {
		return fmt.Errorf("migration must define a property update")
	}
	return nil
}

// MigrationRecord is one entry in a schema's append-only version history
type MigrationRecord struct {
	SchemaName string    `json:"schema_name"`
	ToVersion  int       `json:"to_version"`
	Changes    string    `json:"changes"`
	IsBreaking bool      `json:"is_breaking"`
	MigratedAt time.Time `json:"migrated_at"`
}

// ConflictError reports a duplicate (name, version) registration
type ConflictError struct {
	Name    string
	Version int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("schema %s version %d is already registered", e.Name, e.Version)
}

// IsConflict checks if an error is a registration conflict
func IsConflict(err error) bool {
	_, ok := err.(*ConflictError)
	return ok
}

// VersionMismatchError reports a migration applied against the wrong
// current version
type VersionMismatchError struct {
	Name     string
	Current  int
	Expected int
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("schema %s is at version %d, migration expects %d", e.Name, e.Current, e.Expected)
}

// IsVersionMismatch checks if an error is a migration version mismatch
func IsVersionMismatch(err error) bool {
	_, ok := err.(*VersionMismatchError)
	return ok
}

// NotFoundError reports a missing schema or schema version
type NotFoundError struct {
	Name    string
	Version int
}

func (e *NotFoundError) Error() string {
	if e.Version > 0 {
		return fmt.Sprintf("schema %s version %d not found", e.Name, e.Version)
	}
	return fmt.Sprintf("schema %s not found", e.Name)
}

// IsNotFound checks if an error is a missing schema error
func IsNotFound(err error) bool {
	_, ok := err.(*NotFoundError)
	return ok
}
