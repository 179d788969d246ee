// Package cli implements timetrackctl, the operator command line.
package cli

import (
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	SQLitePath  string
	PostgresURL string
	Format      string // "json" | "text"
	MinDuration time.Duration
	PolicyFile  string
	Now         func() time.Time
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for timetrackctl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{Now: func() time.Time { return time.Now().UTC() }}

	cmd := &cobra.Command{
		Use:   "timetrackctl",
		Short: "Operate the RFID presence time tracker",
		Long: `timetrackctl manages device keys and tag names, and reconstructs
time blocks from the presence log of a Postgres or SQLite store.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			if opts.MinDuration < 0 {
				return NewExitError(ExitCommandError, "--min-duration must not be negative")
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.SQLitePath, "sqlite", os.Getenv("SQLITE_PATH"), "path of a SQLite store")
	cmd.PersistentFlags().StringVar(&opts.PostgresURL, "postgres-url", os.Getenv("POSTGRES_URL"), "Postgres connection string")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().DurationVar(&opts.MinDuration, "min-duration", 0, "noise threshold override (default from policy, 30s)")
	cmd.PersistentFlags().StringVar(&opts.PolicyFile, "policy-file", os.Getenv("POLICY_FILE"), "YAML reconstruction policy")

	cmd.AddCommand(NewReconstructCommand(opts))
	cmd.AddCommand(NewCheckKeyCommand(opts))
	cmd.AddCommand(NewKeysCommand(opts))
	cmd.AddCommand(NewTagsCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))

	return cmd
}
