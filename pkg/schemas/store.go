package schemas

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// PostgresStore persists schema definitions and migration history
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed schema store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// SaveSchema inserts one schema version
func (s *PostgresStore) SaveSchema(ctx context.Context, schema *EventSchema) error {
	props, err := json.Marshal(schema.Properties)
	if err != nil {
		return fmt.Errorf("failed to marshal properties: %w", err)
	}

	query := `
		INSERT INTO analytics_event_schemas (id, schema_name, version, description, properties, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = s.db.ExecContext(ctx, query,
		uuid.New().String(), schema.Name, schema.Version,
		schema.Description, props, schema.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save schema: %w", err)
	}
	return nil
}

// AppendMigration inserts one migration history record
func (s *PostgresStore) AppendMigration(ctx context.Context, record *MigrationRecord) error {
	query := `
		INSERT INTO analytics_schema_versions (id, schema_name, version, changes, is_breaking, migrated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.db.ExecContext(ctx, query,
		uuid.New().String(), record.SchemaName, record.ToVersion,
		record.Changes, record.IsBreaking, record.MigratedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append migration record: %w", err)
	}
	return nil
}

// LoadSchemas returns every stored schema version
func (s *PostgresStore) LoadSchemas(ctx context.Context) ([]*EventSchema, error) {
	query := `
		SELECT schema_name, version, description, properties, created_at
		FROM analytics_event_schemas
		ORDER BY schema_name, version
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load schemas: %w", err)
	}
	defer rows.Close()

	var schemas []*EventSchema
	for rows.Next() {
		var schema EventSchema
		var description sql.NullString
		var props []byte
		if err := rows.Scan(&schema.Name, &schema.Version, &description, &props, &schema.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan schema: %w", err)
		}
		schema.Description = description.String
		if err := json.Unmarshal(props, &schema.Properties); err != nil {
			return nil, fmt.Errorf("failed to unmarshal properties for %s v%d: %w", schema.Name, schema.Version, err)
		}
		schemas = append(schemas, &schema)
	}
	return schemas, rows.Err()
}

// LoadHistory returns a schema's migration history, oldest first
func (s *PostgresStore) LoadHistory(ctx context.Context, name string) ([]MigrationRecord, error) {
	query := `
		SELECT schema_name, version, changes, is_breaking, migrated_at
		FROM analytics_schema_versions
		WHERE schema_name = $1
		ORDER BY version
	`
	rows, err := s.db.QueryContext(ctx, query, name)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	defer rows.Close()

	var records []MigrationRecord
	for rows.Next() {
		var record MigrationRecord
		var changes sql.NullString
		if err := rows.Scan(&record.SchemaName, &record.ToVersion, &changes, &record.IsBreaking, &record.MigratedAt); err != nil {
			return nil, fmt.Errorf("failed to scan migration record: %w", err)
		}
		record.Changes = changes.String
		records = append(records, record)
	}
	return records, rows.Err()
}
