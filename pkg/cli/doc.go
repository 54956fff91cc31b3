// Package cli implements the veritas operator CLI: database migration
// management, analytics schema version bumps, and release finalization.
// Commands exit 0 on success and 1 on failure, and prompt for
// confirmation before destructive actions.
package cli
