package cli

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// migrationsTable tracks which migration files have been applied
const migrationsTable = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		name TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)
`

func newMigrateCreateCommand() *Command {
	cmd := &Command{
		Name:        "migrate-create",
		Description: "Create a new pair of up/down migration files",
		Flags:       flag.NewFlagSet("migrate-create", flag.ExitOnError),
	}
	name := cmd.Flags.String("name", "", "Migration name (snake_case)")
	dir := cmd.Flags.String("dir", "migrations", "Migrations directory")
	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		return runMigrateCreate(*dir, *name)
	}
	return cmd
}

func runMigrateCreate(dir, name string) error {
	if name == "" {
		return fmt.Errorf("--name is required")
	}
	name = strings.ReplaceAll(strings.TrimSpace(name), " ", "_")

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create migrations directory: %w", err)
	}

	stamp := time.Now().UTC().Format("20060102150405")
	upPath := filepath.Join(dir, fmt.Sprintf("%s_%s.up.sql", stamp, name))
	downPath := filepath.Join(dir, fmt.Sprintf("%s_%s.down.sql", stamp, name))

	header := fmt.Sprintf("-- %s\n-- created %s\n\n", name, time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(upPath, []byte(header), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", upPath, err)
	}
	if err := os.WriteFile(downPath, []byte(header), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", downPath, err)
	}

	fmt.Printf("created %s\n", upPath)
	fmt.Printf("created %s\n", downPath)
	return nil
}

func newMigrateRunCommand() *Command {
	cmd := &Command{
		Name:        "migrate-run",
		Description: "Apply pending database migrations",
		Flags:       flag.NewFlagSet("migrate-run", flag.ExitOnError),
	}
	dir := cmd.Flags.String("dir", "migrations", "Migrations directory")
	dbURL := cmd.Flags.String("db", os.Getenv("VERITAS_POSTGRES_URL"), "PostgreSQL URL")
	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		return runMigrateRun(*dir, *dbURL)
	}
	return cmd
}

func runMigrateRun(dir, dbURL string) error {
	db, err := openMigrationDB(dbURL)
	if err != nil {
		return err
	}
	defer db.Close()

	applied, err := appliedMigrations(db)
	if err != nil {
		return err
	}

	files, err := migrationFiles(dir, ".up.sql")
	if err != nil {
		return err
	}

	var ran int
	for _, file := range files {
		name := migrationName(file, ".up.sql")
		if applied[name] {
			continue
		}

		body, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", file, err)
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		if _, err := tx.Exec(string(body)); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %s failed: %w", name, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (name) VALUES ($1)`, name); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", name, err)
		}

		fmt.Printf("applied %s\n", name)
		ran++
	}

	if ran == 0 {
		fmt.Println("no pending migrations")
	}
	return nil
}

func newMigrateRevertCommand() *Command {
	cmd := &Command{
		Name:        "migrate-revert",
		Description: "Revert the most recently applied migration",
		Flags:       flag.NewFlagSet("migrate-revert", flag.ExitOnError),
	}
	dir := cmd.Flags.String("dir", "migrations", "Migrations directory")
	dbURL := cmd.Flags.String("db", os.Getenv("VERITAS_POSTGRES_URL"), "PostgreSQL URL")
	yes := cmd.Flags.Bool("yes", false, "Skip the confirmation prompt")
	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		return runMigrateRevert(*dir, *dbURL, *yes)
	}
	return cmd
}

func runMigrateRevert(dir, dbURL string, yes bool) error {
	db, err := openMigrationDB(dbURL)
	if err != nil {
		return err
	}
	defer db.Close()

	var last string
	err = db.QueryRow(`SELECT name FROM schema_migrations ORDER BY applied_at DESC, name DESC LIMIT 1`).Scan(&last)
	if err == sql.ErrNoRows {
		return fmt.Errorf("no applied migrations to revert")
	}
	if err != nil {
		return fmt.Errorf("failed to find last migration: %w", err)
	}

	downPath := filepath.Join(dir, last+".down.sql")
	body, err := os.ReadFile(downPath)
	if err != nil {
		return fmt.Errorf("missing down migration for %s: %w", last, err)
	}

	if !yes && !confirm(os.Stdin, fmt.Sprintf("Revert migration %s? This cannot be undone", last)) {
		return fmt.Errorf("aborted")
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if _, err := tx.Exec(string(body)); err != nil {
		tx.Rollback()
		return fmt.Errorf("revert of %s failed: %w", last, err)
	}
	if _, err := tx.Exec(`DELETE FROM schema_migrations WHERE name = $1`, last); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to unrecord migration %s: %w", last, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit revert of %s: %w", last, err)
	}

	fmt.Printf("reverted %s\n", last)
	return nil
}

func openMigrationDB(dbURL string) (*sql.DB, error) {
	if dbURL == "" {
		return nil, fmt.Errorf("--db or VERITAS_POSTGRES_URL is required")
	}
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if _, err := db.Exec(migrationsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure migrations table: %w", err)
	}
	return db, nil
}

func appliedMigrations(db *sql.DB) (map[string]bool, error) {
	rows, err := db.Query(`SELECT name FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("failed to list applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan migration name: %w", err)
		}
		applied[name] = true
	}
	return applied, rows.Err()
}

// migrationFiles returns migration files with the given suffix in
// lexical (timestamp) order
func migrationFiles(dir, suffix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), suffix) {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(files)
	return files, nil
}

func migrationName(path, suffix string) string {
	return strings.TrimSuffix(filepath.Base(path), suffix)
}
