// Package cli holds the curamigrate cobra commands.
package cli

import (
	"context"
	"runtime"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// Set at build time with -ldflags.
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

const (
	flagConfig   = "config"
	flagRootType = "root-type"
	flagRootID   = "root-id"
	flagLogLevel = "log-level"
)

// NewRootCommand creates the curamigrate command tree.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "curamigrate",
		Short: "Migrate curation records from PostgreSQL to the curation API",
		Long: color.CyanString(`curamigrate - curation record migration

Collects every record reachable from a root gdm (or any other entity)
out of the legacy PostgreSQL store, rewrites references to natural keys
and creates whatever the target API does not hold yet. Runs resume from
their checkpoint; sync failures are written to an error ledger.`),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.String(flagConfig, "", "config file (default ./curamigrate.yaml)")
	flags.String(flagRootType, "", "entity type of the migration root")
	flags.String(flagRootID, "", "surrogate id of the migration root")
	flags.String(flagLogLevel, "", "log level: debug, info, warn or error")

	rootCmd.AddCommand(NewRunCommand())
	rootCmd.AddCommand(NewCollectCommand())
	rootCmd.AddCommand(NewSyncCommand())
	rootCmd.AddCommand(NewStatusCommand())
	rootCmd.AddCommand(NewLedgerCommand())
	rootCmd.AddCommand(NewVersionCommand())
	return rootCmd
}

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			title := color.New(color.FgCyan, color.Bold)
			title.Fprint(out, "curamigrate version: ")
			color.New(color.FgWhite).Fprintln(out, Version)
			title.Fprint(out, "Git commit: ")
			color.New(color.FgWhite).Fprintln(out, GitCommit)
			title.Fprint(out, "Build date: ")
			color.New(color.FgWhite).Fprintln(out, BuildDate)
			title.Fprint(out, "Go version: ")
			color.New(color.FgWhite).Fprintln(out, runtime.Version())
		},
	}
}

// Execute runs the command tree with args and prints a failing command's
// error in red.
func Execute(ctx context.Context, args []string) error {
	rootCmd := NewRootCommand()
	rootCmd.SetArgs(args)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		color.New(color.FgRed, color.Bold).Fprintf(rootCmd.ErrOrStderr(), "Error: %v\n", err)
		return err
	}
	return nil
}
