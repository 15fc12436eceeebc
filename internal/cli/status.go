package cli

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/curamigrate/internal/ledger"
	"github.com/agentworkforce/curamigrate/internal/sink"
)

// NewStatusCommand prints what the checkpoint holds and the newest ledger.
func NewStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show checkpoint contents and the latest error ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			s, err := openSession(cmd, 0)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, s.Close()) }()

			out := cmd.OutOrStdout()
			headingColor.Fprintf(out, "Root %s(%s)\n", s.cfg.Root.Type, s.cfg.Root.ID)
			priority := s.cfg.PriorityTypes()
			if len(priority) == 0 {
				priority = sink.DefaultPriority
			}
			printCounts(out, s.run.Store().Counts(), priority)

			path, err := ledger.Latest(s.cfg.Ledger.Dir)
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			if err != nil {
				return err
			}
			entries, err := ledger.Load(path)
			if err != nil {
				return err
			}
			headingColor.Fprintln(out, "Ledger")
			printRow(out, "path", path)
			printRow(out, "failures", len(entries))
			return nil
		},
	}
}

// NewLedgerCommand groups the error ledger subcommands.
func NewLedgerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect sync error ledgers",
	}
	cmd.AddCommand(newLedgerTailCommand())
	return cmd
}

func newLedgerTailCommand() *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "tail [ledger.jsonl]",
		Short: "Print ledger entries, by default from the newest ledger",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var path string
			if len(args) == 1 {
				path = args[0]
			} else {
				cfg, err := loadConfig(cmd, false)
				if err != nil {
					return err
				}
				if path, err = ledger.Latest(cfg.Ledger.Dir); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			if !follow {
				entries, err := ledger.Load(path)
				for _, e := range entries {
					printEntry(out, e)
				}
				return err
			}

			headingColor.Fprintf(cmd.ErrOrStderr(), "following %s\n", path)
			return ledger.Follow(cmd.Context(), path, func(e ledger.Entry) error {
				printEntry(out, e)
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing entries as they are appended")
	return cmd
}
