package cli

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/Noodynamo/conceptus-veritas/pkg/schemas"
)

func newSchemaBumpCommand() *Command {
	cmd := &Command{
		Name:        "schema-bump",
		Description: "Apply a declarative migration to an event schema",
		Flags:       flag.NewFlagSet("schema-bump", flag.ExitOnError),
	}
	server := cmd.Flags.String("server", "http://localhost:8080", "Service URL")
	token := cmd.Flags.String("token", os.Getenv("VERITAS_TOKEN"), "Bearer token")
	name := cmd.Flags.String("schema", "", "Event schema name")
	file := cmd.Flags.String("file", "", "JSON file describing the migration")
	yes := cmd.Flags.Bool("yes", false, "Skip the confirmation prompt for breaking migrations")
	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		return runSchemaBump(*server, *token, *name, *file, *yes)
	}
	return cmd
}

// schemaBumpFile mirrors the migrate endpoint's request body
type schemaBumpFile struct {
	FromVersion int    `json:"from_version"`
	ToVersion   int    `json:"to_version"`
	Description string `json:"description"`
	IsBreaking  bool   `json:"is_breaking"`

	AddProperties    map[string]schemas.PropertySpec `json:"add_properties,omitempty"`
	RenameProperties map[string]string               `json:"rename_properties,omitempty"`
	RemoveProperties []string                        `json:"remove_properties,omitempty"`
}

func runSchemaBump(server, token, name, file string, yes bool) error {
	if name == "" {
		return fmt.Errorf("--schema is required")
	}
	if file == "" {
		return fmt.Errorf("--file is required")
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("failed to read migration file: %w", err)
	}

	var bump schemaBumpFile
	if err := json.Unmarshal(data, &bump); err != nil {
		return fmt.Errorf("invalid migration file: %w", err)
	}
	if bump.ToVersion != bump.FromVersion+1 {
		return fmt.Errorf("migration must advance exactly one version, got %d -> %d", bump.FromVersion, bump.ToVersion)
	}

	if bump.IsBreaking && !yes {
		prompt := fmt.Sprintf("Migration of %s to v%d is marked breaking. Apply anyway", name, bump.ToVersion)
		if !confirm(os.Stdin, prompt) {
			return fmt.Errorf("aborted")
		}
	}

	body, err := json.Marshal(bump)
	if err != nil {
		return fmt.Errorf("failed to marshal migration: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/schemas/%s/migrate", server, name)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(respBody))
	}

	fmt.Printf("schema %s migrated to v%d\n", name, bump.ToVersion)
	return nil
}
