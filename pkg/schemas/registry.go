package schemas

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Store persists schema definitions and migration history. The registry
// works without one for tests and tooling; with one, every registration
// and migration is written through.
type Store interface {
	SaveSchema(ctx context.Context, schema *EventSchema) error
	AppendMigration(ctx context.Context, record *MigrationRecord) error
	LoadSchemas(ctx context.Context) ([]*EventSchema, error)
	LoadHistory(ctx context.Context, name string) ([]MigrationRecord, error)
}

const latestCacheSize = 256

// Registry holds event schema definitions keyed by (name, version), with
// an LRU over latest-version lookups since the dispatcher hits those on
// every event.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]map[int]*EventSchema
	history map[string][]MigrationRecord
	latest  *lru.Cache[string, *EventSchema]
	store   Store
}

// NewRegistry creates an empty registry. The store may be nil.
func NewRegistry(store Store) *Registry {
	cache, _ := lru.New[string, *EventSchema](latestCacheSize)
	return &Registry{
		schemas: make(map[string]map[int]*EventSchema),
		history: make(map[string][]MigrationRecord),
		latest:  cache,
		store:   store,
	}
}

// Load hydrates the registry from the store
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	stored, err := r.store.LoadSchemas(ctx)
	if err != nil {
		return fmt.Errorf("failed to load schemas: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, schema := range stored {
		versions, ok := r.schemas[schema.Name]
		if !ok {
			versions = make(map[int]*EventSchema)
			r.schemas[schema.Name] = versions
		}
		versions[schema.Version] = schema
	}
	r.latest.Purge()

	for name := range r.schemas {
		records, err := r.store.LoadHistory(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to load history for %s: %w", name, err)
		}
		r.history[name] = records
	}
	return nil
}

// Register adds a schema version. A duplicate (name, version) is a
// conflict, never a silent overwrite.
func (r *Registry) Register(ctx context.Context, schema *EventSchema) error {
	if err := schema.Validate(); err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}
	if schema.CreatedAt.IsZero() {
		schema.CreatedAt = time.Now().UTC()
	}

	r.mu.Lock()
	versions, ok := r.schemas[schema.Name]
	if !ok {
		versions = make(map[int]*EventSchema)
		r.schemas[schema.Name] = versions
	}
	if _, exists := versions[schema.Version]; exists {
		r.mu.Unlock()
		return &ConflictError{Name: schema.Name, Version: schema.Version}
	}
	versions[schema.Version] = schema
	r.latest.Remove(schema.Name)
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.SaveSchema(ctx, schema); err != nil {
			return fmt.Errorf("failed to persist schema: %w", err)
		}
	}
	return nil
}

// Get returns one schema version
func (r *Registry) Get(name string, version int) (*EventSchema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions, ok := r.schemas[name]
	if !ok {
		return nil, &NotFoundError{Name: name}
	}
	schema, ok := versions[version]
	if !ok {
		return nil, &NotFoundError{Name: name, Version: version}
	}
	return schema, nil
}

// Latest returns the highest registered version of a schema
func (r *Registry) Latest(name string) (*EventSchema, error) {
	if cached, ok := r.latest.Get(name); ok {
		return cached, nil
	}

	r.mu.RLock()
	versions, ok := r.schemas[name]
	if !ok || len(versions) == 0 {
		r.mu.RUnlock()
		return nil, &NotFoundError{Name: name}
	}
	var max int
	for v := range versions {
		if v > max {
			max = v
		}
	}
	schema := versions[max]
	r.mu.RUnlock()

	r.latest.Add(name, schema)
	return schema, nil
}

// LatestVersion returns the highest registered version number
func (r *Registry) LatestVersion(name string) (int, error) {
	schema, err := r.Latest(name)
	if err != nil {
		return 0, err
	}
	return schema.Version, nil
}

// List returns the latest version of every registered schema, sorted by
// name
func (r *Registry) List() []*EventSchema {
	r.mu.RLock()
	names := make([]string, 0, len(r.schemas))
	for name := range r.schemas {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)

	out := make([]*EventSchema, 0, len(names))
	for _, name := range names {
		if schema, err := r.Latest(name); err == nil {
			out = append(out, schema)
		}
	}
	return out
}

// Versions returns every registered version of one schema, ascending
func (r *Registry) Versions(name string) ([]*EventSchema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions, ok := r.schemas[name]
	if !ok {
		return nil, &NotFoundError{Name: name}
	}
	out := make([]*EventSchema, 0, len(versions))
	for _, schema := range versions {
		out = append(out, schema)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// History returns the append-only migration history for a schema
func (r *Registry) History(name string) []MigrationRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	records := r.history[name]
	out := make([]MigrationRecord, len(records))
	copy(out, records)
	return out
}

// ApplyMigration advances a schema to the next version. The script's
// FromVersion must match the current latest version exactly; on success
// the new definition is registered and exactly one history record is
// appended.
func (r *Registry) ApplyMigration(ctx context.Context, script *MigrationScript) (*EventSchema, error) {
	if err := script.Validate(); err != nil {
		return nil, fmt.Errorf("invalid migration: %w", err)
	}

	current, err := r.Latest(script.SchemaName)
	if err != nil {
		return nil, err
	}
	if current.Version != script.FromVersion {
		return nil, &VersionMismatchError{
			Name:     script.SchemaName,
			Current:  current.Version,
			Expected: script.FromVersion,
		}
	}

	// Work on a copy so a failed migration leaves the current definition
	// untouched
	props := make(map[string]PropertySpec, len(current.Properties))
	for k, v := range current.Properties {
		props[k] = v
	}
	newProps, err := script.UpdateProperties(props)
	if err != nil {
		return nil, fmt.Errorf("migration of %s failed: %w", script.SchemaName, err)
	}

	next := &EventSchema{
		Name:        script.SchemaName,
		Version:     script.ToVersion,
		Description: current.Description,
		Properties:  newProps,
		CreatedAt:   time.Now().UTC(),
	}
	if err := r.Register(ctx, next); err != nil {
		return nil, err
	}

	record := MigrationRecord{
		SchemaName: script.SchemaName,
		ToVersion:  script.ToVersion,
		Changes:    script.Description,
		IsBreaking: script.IsBreaking,
		MigratedAt: next.CreatedAt,
	}

	r.mu.Lock()
	r.history[script.SchemaName] = append(r.history[script.SchemaName], record)
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.AppendMigration(ctx, &record); err != nil {
			return nil, fmt.Errorf("failed to persist migration record: %w", err)
		}
	}
	return next, nil
}
