package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/meanderhq/meander-go/internal/event"
	"github.com/meanderhq/meander-go/internal/transport"
)

// SendOptions holds flags for the send command.
type SendOptions struct {
	*RootOptions
	eventFilters
	BatchSize int
	DryRun    bool
}

// SendResult is the JSON payload for a send run.
type SendResult struct {
	Matched   int      `json:"matched"`
	Sent      int      `json:"sent"`
	Batches   int      `json:"batches"`
	Processed int      `json:"processed"`
	Rejected  int      `json:"rejected"`
	Errors    []string `json:"errors,omitempty"`
	DryRun    bool     `json:"dry_run,omitempty"`
}

// NewSendCommand creates the send command.
func NewSendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Re-send captured events to the backend",
		Long: `Read events from the local log and deliver them to the backend
over HTTP.

Delivery at runtime is the SDK's job; this command exists for replaying
events by hand after an endpoint outage or into a fresh environment.
The backend already treats delivery as at-least-once, so re-sending is
safe. Filters match the events command; batches go out oldest first
and sending stops at the first transport failure.

Exit codes:
  0 - All matched events delivered
  1 - Transport failure or backend rejections
  2 - Command error (missing database, no endpoint)

Examples:
  meander send --db meander.db --endpoint https://api.example.com
  meander send --user user-42 --since 24h --dry-run
  meander send --name checkout_started --batch-size 20`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(opts, cmd)
		},
	}

	addFilterFlags(cmd, &opts.eventFilters, 0)
	cmd.Flags().IntVar(&opts.BatchSize, "batch-size", 50, "events per batch")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "report what would be sent without sending")

	return cmd
}

func runSend(opts *SendOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	if opts.BatchSize < 1 {
		return NewExitError(ExitCommandError, "invalid --batch-size: must be at least 1")
	}
	if !opts.DryRun && opts.Endpoint == "" {
		return NewExitError(ExitCommandError, "endpoint is required (--endpoint or MEANDER_ENDPOINT)")
	}

	st, err := openExistingStore(opts.DB)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()

	query, err := opts.eventFilters.query()
	if err != nil {
		return NewExitError(ExitCommandError, err.Error())
	}

	stored, err := st.QueryEvents(ctx, query)
	if err != nil {
		return WrapExitError(ExitFailure, "query events", err)
	}

	result := SendResult{
		Matched: len(stored),
		Batches: batchCount(len(stored), opts.BatchSize),
		DryRun:  opts.DryRun,
	}

	if len(stored) == 0 {
		if formatter.Format == "json" {
			return formatter.Success(result)
		}
		fmt.Fprintln(formatter.Writer, "No events to send.")
		return nil
	}

	if opts.DryRun {
		if formatter.Format == "json" {
			return formatter.Success(result)
		}
		fmt.Fprintf(formatter.Writer, "Would send %d event(s) in %d batch(es)\n", result.Matched, result.Batches)
		return nil
	}

	tr, err := transport.NewHTTP(transport.HTTPConfig{
		Endpoint: opts.Endpoint,
		APIKey:   opts.APIKey,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "configure transport", err)
	}

	for start := 0; start < len(stored); start += opts.BatchSize {
		end := min(start+opts.BatchSize, len(stored))
		batch := make([]event.Event, 0, end-start)
		for _, s := range stored[start:end] {
			batch = append(batch, s.Event)
		}

		batchNo := start/opts.BatchSize + 1
		formatter.VerboseLog("Sending batch %d/%d (%d event(s))", batchNo, result.Batches, len(batch))

		res, err := tr.SendBatch(ctx, batch)
		if err != nil {
			msg := fmt.Sprintf("send batch %d/%d: %v", batchNo, result.Batches, err)
			_ = formatter.Error(ErrCodeSend, msg, nil)
			return NewExitError(ExitFailure, msg)
		}

		result.Sent += len(batch)
		result.Processed += res.Processed
		result.Rejected += res.Failed
		result.Errors = append(result.Errors, res.Errors...)
	}

	if result.Rejected > 0 {
		msg := fmt.Sprintf("backend rejected %d of %d event(s)", result.Rejected, result.Sent)
		_ = formatter.Error(ErrCodeSend, msg, result)
		return NewExitError(ExitFailure, msg)
	}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	fmt.Fprintf(formatter.Writer, "Sent %d event(s) in %d batch(es)\n", result.Sent, result.Batches)
	return nil
}

func batchCount(events, size int) int {
	if events == 0 {
		return 0
	}
	return (events + size - 1) / size
}
