package cli

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunMigrateCreate(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, runMigrateCreate(dir, "add usage counters"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	var up, down string
	for _, entry := range entries {
		switch {
		case strings.HasSuffix(entry.Name(), ".up.sql"):
			up = entry.Name()
		case strings.HasSuffix(entry.Name(), ".down.sql"):
			down = entry.Name()
		}
	}
	require.NotEmpty(t, up)
	require.NotEmpty(t, down)

	// Spaces become underscores and both files share the timestamp prefix
	assert.Contains(t, up, "_add_usage_counters.up.sql")
	assert.Equal(t, strings.TrimSuffix(up, ".up.sql"), strings.TrimSuffix(down, ".down.sql"))

	body, err := os.ReadFile(filepath.Join(dir, up))
	require.NoError(t, err)
	assert.Contains(t, string(body), "-- add_usage_counters")
}

func TestRunMigrateCreate_RequiresName(t *testing.T) {
	err := runMigrateCreate(t.TempDir(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--name is required")
}

func TestMigrationFiles_SortedByTimestamp(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"20260102030405_second.up.sql",
		"20250101000000_first.up.sql",
		"20250101000000_first.down.sql",
		"notes.txt",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}

	files, err := migrationFiles(dir, ".up.sql")
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "20250101000000_first.up.sql", filepath.Base(files[0]))
	assert.Equal(t, "20260102030405_second.up.sql", filepath.Base(files[1]))
}

func TestMigrationName(t *testing.T) {
	assert.Equal(t, "20250101000000_first", migrationName("/tmp/migrations/20250101000000_first.up.sql", ".up.sql"))
}

func TestConfirm(t *testing.T) {
	assert.True(t, confirm(strings.NewReader("y\n"), "proceed"))
	assert.True(t, confirm(strings.NewReader("YES\n"), "proceed"))
	assert.False(t, confirm(strings.NewReader("n\n"), "proceed"))
	assert.False(t, confirm(strings.NewReader("\n"), "proceed"))
	assert.False(t, confirm(strings.NewReader(""), "proceed"))
}

func TestRunSchemaBump(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody schemaBumpFile
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	file := filepath.Join(t.TempDir(), "bump.json")
	require.NoError(t, os.WriteFile(file, []byte(`{
		"from_version": 1,
		"to_version": 2,
		"description": "add tier",
		"add_properties": {"tier": {"type": "string"}}
	}`), 0o644))

	require.NoError(t, runSchemaBump(server.URL, "tok-1", "ph_question_asked", file, true))
	assert.Equal(t, "/api/v1/schemas/ph_question_asked/migrate", gotPath)
	assert.Equal(t, "Bearer tok-1", gotAuth)
	assert.Equal(t, 2, gotBody.ToVersion)
	assert.Contains(t, gotBody.AddProperties, "tier")
}

func TestRunSchemaBump_RejectsVersionJump(t *testing.T) {
	file := filepath.Join(t.TempDir(), "bump.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"from_version": 1, "to_version": 3}`), 0o644))

	err := runSchemaBump("http://localhost:0", "", "ph_question_asked", file, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one version")
}

func TestRunSchemaBump_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"version mismatch"}`, http.StatusConflict)
	}))
	defer server.Close()

	file := filepath.Join(t.TempDir(), "bump.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"from_version": 1, "to_version": 2}`), 0o644))

	err := runSchemaBump(server.URL, "", "ph_question_asked", file, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server returned 409")
}

func TestRunReleaseFinalize(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/schemas/docs", r.URL.Path)
		w.Write([]byte("# Event Schemas\n"))
	}))
	defer server.Close()

	out := t.TempDir()
	require.NoError(t, runReleaseFinalize(server.URL, "", "1.4.0", out, false))

	body, err := os.ReadFile(filepath.Join(out, "event-schemas-1.4.0.md"))
	require.NoError(t, err)
	assert.Contains(t, string(body), "release 1.4.0")
	assert.Contains(t, string(body), "# Event Schemas")
}

func TestRunReleaseFinalize_RequiresRelease(t *testing.T) {
	err := runReleaseFinalize("http://localhost:0", "", "", t.TempDir(), true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--release is required")
}

func TestRootCommand_KnownSubcommands(t *testing.T) {
	root := NewRootCommand()
	for _, name := range []string{"migrate-create", "migrate-run", "migrate-revert", "schema-bump", "release-finalize"} {
		assert.Contains(t, root.Subcommands, name)
	}
}
