package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/curamigrate/internal/migrate"
)

// NewRunCommand collects, links and syncs in one process.
func NewRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Collect, link and sync everything reachable from the root",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			s, err := openSession(cmd, needSource|needSink)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, s.Close()) }()

			summary, err := s.run.Execute(cmd.Context())
			printSummary(cmd.OutOrStdout(), summary, s.ledger.Path())
			return err
		},
	}
}

// NewCollectCommand fills the checkpoint without touching the sink.
// Linkage runs here because link works are only known while collecting.
func NewCollectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "collect",
		Short: "Collect and link the root's records into the checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			s, err := openSession(cmd, needSource)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, s.Close()) }()

			ctx := cmd.Context()
			res, err := s.run.Collect(ctx)
			printCollect(cmd.OutOrStdout(), res)
			if err != nil {
				return err
			}
			stats, err := s.run.Link(ctx)
			printLink(cmd.OutOrStdout(), stats)
			return err
		},
	}
}

// NewSyncCommand sends a previously collected checkpoint to the sink.
func NewSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Create the checkpointed records the sink does not hold yet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			s, err := openSession(cmd, needSink)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, s.Close()) }()

			if s.run.Store().Len() == 0 {
				return fmt.Errorf("checkpoint for %s(%s) is empty, run collect first", s.cfg.Root.Type, s.cfg.Root.ID)
			}
			report, err := s.run.Sync(cmd.Context())
			printSync(cmd.OutOrStdout(), report, s.ledger.Path())
			if err != nil {
				return err
			}
			if !report.Complete() {
				return fmt.Errorf("%w: %d of %d entities", migrate.ErrIncomplete, report.Failed, report.Total)
			}
			return nil
		},
	}
}
