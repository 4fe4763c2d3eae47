package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// PurgeOptions holds flags for the purge command.
type PurgeOptions struct {
	*RootOptions
	MaxCount int
	MaxAge   time.Duration
}

// PurgeResult is the JSON payload for a purge run.
type PurgeResult struct {
	Deleted   int64 `json:"deleted"`
	Remaining int64 `json:"remaining"`
}

// NewPurgeCommand creates the purge command.
func NewPurgeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PurgeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Enforce retention on the local event log",
		Long: `Delete old events from the local log.

Events older than --max-age go first, then the log is trimmed to the
newest --max-count rows. At least one bound is required. The SDK runs
the same cleanup on startup when retention is configured; this command
applies it by hand.

Examples:
  meander purge --db meander.db --max-age 720h
  meander purge --max-count 10000
  meander purge --max-count 10000 --max-age 168h --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPurge(opts, cmd)
		},
	}

	cmd.Flags().IntVar(&opts.MaxCount, "max-count", 0, "keep at most N events (0 = unbounded)")
	cmd.Flags().DurationVar(&opts.MaxAge, "max-age", 0, "drop events older than this (0 = unbounded)")

	return cmd
}

func runPurge(opts *PurgeOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	if opts.MaxCount < 0 {
		return NewExitError(ExitCommandError, "invalid --max-count: must be non-negative")
	}
	if opts.MaxAge < 0 {
		return NewExitError(ExitCommandError, "invalid --max-age: must be non-negative")
	}
	if opts.MaxCount == 0 && opts.MaxAge == 0 {
		return NewExitError(ExitCommandError, "nothing to purge: set --max-count or --max-age")
	}

	st, err := openExistingStore(opts.DB)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()

	deleted, err := st.Cleanup(ctx, opts.MaxCount, opts.MaxAge, time.Now().UTC())
	if err != nil {
		return WrapExitError(ExitFailure, "purge events", err)
	}

	stats, err := st.Stats(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "read event stats", err)
	}
	formatter.VerboseLog("Deleted %d event(s) from %s", deleted, opts.DB)

	result := PurgeResult{Deleted: deleted, Remaining: stats.TotalEvents}
	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	fmt.Fprintf(formatter.Writer, "Purged %d event(s), %d remaining\n", result.Deleted, result.Remaining)
	return nil
}
