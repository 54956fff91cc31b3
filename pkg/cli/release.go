package cli

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

func newReleaseFinalizeCommand() *Command {
	cmd := &Command{
		Name:        "release-finalize",
		Description: "Snapshot the event schema docs for a release",
		Flags:       flag.NewFlagSet("release-finalize", flag.ExitOnError),
	}
	server := cmd.Flags.String("server", "http://localhost:8080", "Service URL")
	token := cmd.Flags.String("token", os.Getenv("VERITAS_TOKEN"), "Bearer token")
	release := cmd.Flags.String("release", "", "Release identifier, e.g. 1.4.0")
	out := cmd.Flags.String("out", "docs", "Output directory for the schema snapshot")
	yes := cmd.Flags.Bool("yes", false, "Overwrite an existing snapshot without asking")
	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		return runReleaseFinalize(*server, *token, *release, *out, *yes)
	}
	return cmd
}

// runReleaseFinalize pulls the rendered schema documentation from the
// running service and writes it as the frozen contract for a release.
func runReleaseFinalize(server, token, release, out string, yes bool) error {
	if release == "" {
		return fmt.Errorf("--release is required")
	}

	path := filepath.Join(out, fmt.Sprintf("event-schemas-%s.md", release))
	if _, err := os.Stat(path); err == nil {
		if !yes && !confirm(os.Stdin, fmt.Sprintf("Snapshot %s already exists. Overwrite", path)) {
			return fmt.Errorf("aborted")
		}
	}

	req, err := http.NewRequest(http.MethodGet, server+"/api/v1/schemas/docs", nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}

	docs, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if err := os.MkdirAll(out, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	header := fmt.Sprintf("<!-- release %s, generated %s -->\n\n", release, time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(path, append([]byte(header), docs...), 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	fmt.Printf("wrote %s\n", path)
	return nil
}
