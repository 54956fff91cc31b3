package cli

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
)

// Command represents a CLI command
type Command struct {
	Name        string
	Description string
	Run         func(args []string) error
	Subcommands map[string]*Command
	Flags       *flag.FlagSet
}

// NewRootCommand creates the root command
func NewRootCommand() *Command {
	root := &Command{
		Name:        "veritas",
		Description: "Conceptus Veritas - subscription and analytics backend CLI",
		Subcommands: make(map[string]*Command),
		Flags:       flag.NewFlagSet("veritas", flag.ExitOnError),
	}

	root.Subcommands["migrate-create"] = newMigrateCreateCommand()
	root.Subcommands["migrate-run"] = newMigrateRunCommand()
	root.Subcommands["migrate-revert"] = newMigrateRevertCommand()
	root.Subcommands["schema-bump"] = newSchemaBumpCommand()
	root.Subcommands["release-finalize"] = newReleaseFinalizeCommand()

	return root
}

// Execute runs the command
func (c *Command) Execute() error {
	args := os.Args[1:]
	if len(args) == 0 {
		return c.usage()
	}

	if args[0] == "-h" || args[0] == "--help" {
		return c.usage()
	}

	if subcmd, ok := c.Subcommands[args[0]]; ok {
		return subcmd.Run(args[1:])
	}

	return fmt.Errorf("unknown command: %s", args[0])
}

// usage prints the command usage
func (c *Command) usage() error {
	fmt.Printf("Usage: %s <command> [args]\n\n", c.Name)
	fmt.Printf("Commands:\n")
	for name, cmd := range c.Subcommands {
		fmt.Printf("  %-18s %s\n", name, cmd.Description)
	}
	return nil
}

// confirm asks the operator to confirm a destructive action. Reads a
// line from in and accepts only "y" or "yes" (case-insensitive).
func confirm(in io.Reader, prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	reader := bufio.NewReader(in)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}
