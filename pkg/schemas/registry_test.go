package schemas

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchema(name string, version int) *EventSchema {
	return &EventSchema{
		Name:    name,
		Version: version,
		Properties: map[string]PropertySpec{
			"user_id": {Type: "string", Required: true},
			"count":   {Type: "integer"},
		},
	}
}

func TestRegisterAndGet(t *testing.T) {
	registry := NewRegistry(nil)
	ctx := context.Background()

	require.NoError(t, registry.Register(ctx, testSchema("ph_question_asked", 1)))

	schema, err := registry.Get("ph_question_asked", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, schema.Version)
	assert.False(t, schema.CreatedAt.IsZero())

	_, err = registry.Get("ph_question_asked", 2)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))

	_, err = registry.Get("ph_unknown", 1)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestRegister_DuplicateVersionConflicts(t *testing.T) {
	registry := NewRegistry(nil)
	ctx := context.Background()

	require.NoError(t, registry.Register(ctx, testSchema("ph_question_asked", 1)))

	err := registry.Register(ctx, testSchema("ph_question_asked", 1))
	require.Error(t, err)
	assert.True(t, IsConflict(err))

	// The original definition survives
	schema, err := registry.Get("ph_question_asked", 1)
	require.NoError(t, err)
	assert.Len(t, schema.Properties, 2)
}

func TestRegister_InvalidSchemaRejected(t *testing.T) {
	registry := NewRegistry(nil)
	ctx := context.Background()

	assert.Error(t, registry.Register(ctx, &EventSchema{Version: 1}))
	assert.Error(t, registry.Register(ctx, &EventSchema{Name: "ph_x", Version: 0, Properties: map[string]PropertySpec{"a": {Type: "string"}}}))
	assert.Error(t, registry.Register(ctx, &EventSchema{Name: "ph_x", Version: 1}))
	assert.Error(t, registry.Register(ctx, &EventSchema{
		Name: "ph_x", Version: 1,
		Properties: map[string]PropertySpec{"a": {Type: "uuid"}},
	}))
}

func TestLatest(t *testing.T) {
	registry := NewRegistry(nil)
	ctx := context.Background()

	require.NoError(t, registry.Register(ctx, testSchema("ph_question_asked", 1)))
	require.NoError(t, registry.Register(ctx, testSchema("ph_question_asked", 3)))
	require.NoError(t, registry.Register(ctx, testSchema("ph_question_asked", 2)))

	schema, err := registry.Latest("ph_question_asked")
	require.NoError(t, err)
	assert.Equal(t, 3, schema.Version)

	// Cached lookups return the same answer
	schema, err = registry.Latest("ph_question_asked")
	require.NoError(t, err)
	assert.Equal(t, 3, schema.Version)

	version, err := registry.LatestVersion("ph_question_asked")
	require.NoError(t, err)
	assert.Equal(t, 3, version)

	_, err = registry.Latest("ph_unknown")
	assert.True(t, IsNotFound(err))
}

func TestLatest_CacheInvalidatedOnRegister(t *testing.T) {
	registry := NewRegistry(nil)
	ctx := context.Background()

	require.NoError(t, registry.Register(ctx, testSchema("ph_question_asked", 1)))
	_, err := registry.Latest("ph_question_asked")
	require.NoError(t, err)

	require.NoError(t, registry.Register(ctx, testSchema("ph_question_asked", 2)))

	schema, err := registry.Latest("ph_question_asked")
	require.NoError(t, err)
	assert.Equal(t, 2, schema.Version)
}

func TestListAndVersions(t *testing.T) {
	registry := NewRegistry(nil)
	ctx := context.Background()

	require.NoError(t, registry.Register(ctx, testSchema("ph_b", 1)))
	require.NoError(t, registry.Register(ctx, testSchema("ph_a", 1)))
	require.NoError(t, registry.Register(ctx, testSchema("ph_a", 2)))

	list := registry.List()
	require.Len(t, list, 2)
	assert.Equal(t, "ph_a", list[0].Name)
	assert.Equal(t, 2, list[0].Version)
	assert.Equal(t, "ph_b", list[1].Name)

	versions, err := registry.Versions("ph_a")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, 1, versions[0].Version)
	assert.Equal(t, 2, versions[1].Version)

	_, err = registry.Versions("ph_unknown")
	assert.True(t, IsNotFound(err))
}

func TestApplyMigration(t *testing.T) {
	registry := NewRegistry(nil)
	ctx := context.Background()

	require.NoError(t, registry.Register(ctx, testSchema("ph_question_asked", 1)))

	script := &MigrationScript{
		SchemaName:  "ph_question_asked",
		FromVersion: 1,
		ToVersion:   2,
		Description: "add topic",
		UpdateProperties: func(props map[string]PropertySpec) (map[string]PropertySpec, error) {
			props["topic"] = PropertySpec{Type: "string"}
			return props, nil
		},
	}

	next, err := registry.ApplyMigration(ctx, script)
	require.NoError(t, err)
	assert.Equal(t, 2, next.Version)
	assert.Contains(t, next.Properties, "topic")

	// The old version is untouched
	old, err := registry.Get("ph_question_asked", 1)
	require.NoError(t, err)
	assert.NotContains(t, old.Properties, "topic")

	// Exactly one history record was appended
	history := registry.History("ph_question_asked")
	require.Len(t, history, 1)
	assert.Equal(t, 2, history[0].ToVersion)
	assert.Equal(t, "add topic", history[0].Changes)
	assert.False(t, history[0].IsBreaking)
}

func TestApplyMigration_VersionMismatch(t *testing.T) {
	registry := NewRegistry(nil)
	ctx := context.Background()

	require.NoError(t, registry.Register(ctx, testSchema("ph_question_asked", 1)))
	require.NoError(t, registry.Register(ctx, testSchema("ph_question_asked", 2)))

	script := &MigrationScript{
		SchemaName:  "ph_question_asked",
		FromVersion: 1,
		ToVersion:   2,
		UpdateProperties: func(props map[string]PropertySpec) (map[string]PropertySpec, error) {
			return props, nil
		},
	}

	_, err := registry.ApplyMigration(ctx, script)
	require.Error(t, err)
	assert.True(t, IsVersionMismatch(err))

	mismatch := err.(*VersionMismatchError)
	assert.Equal(t, 2, mismatch.Current)
	assert.Equal(t, 1, mismatch.Expected)
}

func TestApplyMigration_MustAdvanceOneVersion(t *testing.T) {
	registry := NewRegistry(nil)
	ctx := context.Background()

	require.NoError(t, registry.Register(ctx, testSchema("ph_question_asked", 1)))

	script := &MigrationScript{
		SchemaName:  "ph_question_asked",
		FromVersion: 1,
		ToVersion:   3,
		UpdateProperties: func(props map[string]PropertySpec) (map[string]PropertySpec, error) {
			return props, nil
		},
	}

	_, err := registry.ApplyMigration(ctx, script)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one version")
}

func TestApplyMigration_FailedTransformLeavesRegistryUntouched(t *testing.T) {
	registry := NewRegistry(nil)
	ctx := context.Background()

	require.NoError(t, registry.Register(ctx, testSchema("ph_question_asked", 1)))

	script := &MigrationScript{
		SchemaName:  "ph_question_asked",
		FromVersion: 1,
		ToVersion:   2,
		UpdateProperties: func(props map[string]PropertySpec) (map[string]PropertySpec, error) {
			return nil, fmt.Errorf("boom")
		},
	}

	_, err := registry.ApplyMigration(ctx, script)
	require.Error(t, err)

	version, err := registry.LatestVersion("ph_question_asked")
	require.NoError(t, err)
	assert.Equal(t, 1, version)
	assert.Empty(t, registry.History("ph_question_asked"))
}

func TestApplyMigration_UnknownSchema(t *testing.T) {
	registry := NewRegistry(nil)

	script := &MigrationScript{
		SchemaName:  "ph_unknown",
		FromVersion: 1,
		ToVersion:   2,
		UpdateProperties: func(props map[string]PropertySpec) (map[string]PropertySpec, error) {
			return props, nil
		},
	}

	_, err := registry.ApplyMigration(context.Background(), script)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}
