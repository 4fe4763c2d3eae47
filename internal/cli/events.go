package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/meanderhq/meander-go/internal/event"
	"github.com/meanderhq/meander-go/internal/store"
	"github.com/meanderhq/meander-go/internal/value"
)

// eventFilters are the log query flags shared by events and send.
type eventFilters struct {
	User    string
	Names   []string
	Session string
	Since   string
	Until   string
	Limit   int
}

// EventsOptions holds flags for the events command.
type EventsOptions struct {
	*RootOptions
	eventFilters
	Stats bool
}

// EventsResult is the JSON payload for an event listing.
type EventsResult struct {
	Events []event.Stored `json:"events"`
	Count  int            `json:"count"`
}

// StatsResult is the JSON payload for --stats.
type StatsResult struct {
	TotalEvents   int64  `json:"total_events"`
	DistinctUsers int64  `json:"distinct_users"`
	Oldest        string `json:"oldest,omitempty"`
	Newest        string `json:"newest,omitempty"`
}

// NewEventsCommand creates the events command.
func NewEventsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EventsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect the local event log",
		Long: `List events captured in the local SQLite log.

Filters combine with AND. --since and --until accept either a duration
relative to now ("24h", "30m") or an RFC 3339 timestamp. --limit keeps
the N most recent matches; results always print oldest first.

Examples:
  meander events --db meander.db
  meander events --user user-42 --name checkout_started
  meander events --since 24h --limit 20
  meander events --stats --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvents(opts, cmd)
		},
	}

	addFilterFlags(cmd, &opts.eventFilters, 50)
	cmd.Flags().BoolVar(&opts.Stats, "stats", false, "print log-wide statistics instead of rows")

	return cmd
}

// addFilterFlags registers the shared log query flags.
func addFilterFlags(cmd *cobra.Command, f *eventFilters, defaultLimit int) {
	cmd.Flags().StringVar(&f.User, "user", "", "filter by distinct id")
	cmd.Flags().StringArrayVar(&f.Names, "name", nil, "filter by event name (repeatable)")
	cmd.Flags().StringVar(&f.Session, "session", "", "filter by session id")
	cmd.Flags().StringVar(&f.Since, "since", "", "lower time bound (duration or RFC 3339)")
	cmd.Flags().StringVar(&f.Until, "until", "", "upper time bound (duration or RFC 3339)")
	cmd.Flags().IntVar(&f.Limit, "limit", defaultLimit, "keep the N most recent matches (0 = no limit)")
}

func runEvents(opts *EventsOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	st, err := openExistingStore(opts.DB)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()

	if opts.Stats {
		stats, err := st.Stats(ctx)
		if err != nil {
			return WrapExitError(ExitFailure, "read event stats", err)
		}
		return outputStats(formatter, stats)
	}

	query, err := opts.eventFilters.query()
	if err != nil {
		return NewExitError(ExitCommandError, err.Error())
	}

	events, err := st.QueryEvents(ctx, query)
	if err != nil {
		return WrapExitError(ExitFailure, "query events", err)
	}
	formatter.VerboseLog("Matched %d event(s) in %s", len(events), opts.DB)

	if formatter.Format == "json" {
		return formatter.Success(EventsResult{Events: events, Count: len(events)})
	}

	w := formatter.Writer
	if len(events) == 0 {
		fmt.Fprintln(w, "No events found.")
		return nil
	}
	for _, ev := range events {
		fmt.Fprintln(w, formatEventRow(ev))
	}
	fmt.Fprintf(w, "\n%d event(s)\n", len(events))
	return nil
}

// openExistingStore opens the database read path used by every inspection
// command. A missing file is a command error; opening through store.Open
// would silently create an empty log.
func openExistingStore(path string) (*store.Store, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("database not found: %s", path))
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, fmt.Sprintf("open database %s", path), err)
	}
	return st, nil
}

// query compiles the flag values to an EventQuery.
func (f eventFilters) query() (store.EventQuery, error) {
	now := time.Now().UTC()

	since, err := parseTimeFlag(f.Since, now)
	if err != nil {
		return store.EventQuery{}, fmt.Errorf("invalid --since: %v", err)
	}
	until, err := parseTimeFlag(f.Until, now)
	if err != nil {
		return store.EventQuery{}, fmt.Errorf("invalid --until: %v", err)
	}
	if f.Limit < 0 {
		return store.EventQuery{}, fmt.Errorf("invalid --limit: must be non-negative")
	}

	return store.EventQuery{
		DistinctID: f.User,
		Names:      f.Names,
		SessionID:  f.Session,
		Since:      since,
		Until:      until,
		Recent:     f.Limit,
	}, nil
}

// parseTimeFlag resolves a time bound given either as a duration back from
// now ("24h") or as an RFC 3339 timestamp. Empty means unbounded.
func parseTimeFlag(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d < 0 {
			return time.Time{}, fmt.Errorf("duration %q is negative", s)
		}
		return now.Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither a duration nor an RFC 3339 timestamp", s)
	}
	return t.UTC(), nil
}

func formatEventRow(ev event.Stored) string {
	row := fmt.Sprintf("  [%d] %s  %s  %s",
		ev.Seq, ev.Timestamp.UTC().Format(time.RFC3339), ev.Name, ev.DistinctID)
	if len(ev.Properties) > 0 {
		if props, err := value.MarshalCanonical(ev.Properties); err == nil {
			row += "  " + string(props)
		}
	}
	return row
}

func outputStats(formatter *OutputFormatter, stats store.EventStats) error {
	if formatter.Format == "json" {
		result := StatsResult{
			TotalEvents:   stats.TotalEvents,
			DistinctUsers: stats.DistinctUsers,
		}
		if !stats.Oldest.IsZero() {
			result.Oldest = stats.Oldest.Format(time.RFC3339)
		}
		if !stats.Newest.IsZero() {
			result.Newest = stats.Newest.Format(time.RFC3339)
		}
		return formatter.Success(result)
	}

	w := formatter.Writer
	fmt.Fprintf(w, "Total events:   %d\n", stats.TotalEvents)
	fmt.Fprintf(w, "Distinct users: %d\n", stats.DistinctUsers)
	if !stats.Oldest.IsZero() {
		fmt.Fprintf(w, "Oldest:         %s\n", stats.Oldest.Format(time.RFC3339))
	}
	if !stats.Newest.IsZero() {
		fmt.Fprintf(w, "Newest:         %s\n", stats.Newest.Format(time.RFC3339))
	}
	return nil
}
