package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/modeltable/internal/ir"
	"github.com/roach88/modeltable/internal/store"
)

// LogOptions holds flags for the log command.
type LogOptions struct {
	*RootOptions
	Database string
	Driver   string
	After    int64
	Limit    int
	ModelID  int
	Op       string
	Result   string
	Reason   string
}

// LogResult is the JSON output of the log command.
type LogResult struct {
	Events      []ir.Event `json:"events"`
	LastEventID int64      `json:"last_event_id"`
}

// NewLogCommand creates the log command.
func NewLogCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LogOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "log",
		Short: "Print the persisted event log",
		Long: `Print event log entries persisted by a node.

Entries are printed in event id order. Rejected writes are highlighted with
their reason. Filters combine with AND.

Examples:
  modeltable log --db ./table.db
  modeltable log --db ./table.db --after 120 --limit 20
  modeltable log --db ./table.db --model 3 --result rejected
  modeltable log --db ./table.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLog(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().StringVar(&opts.Driver, "driver", "sqlite3", "database/sql driver (sqlite3 or sqlite)")
	cmd.Flags().Int64Var(&opts.After, "after", 0, "only show entries with a larger event id")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of entries (0 = all)")
	cmd.Flags().IntVar(&opts.ModelID, "model", -1, "only entries for this model id (-1 = all)")
	cmd.Flags().StringVar(&opts.Op, "op", "", "only entries with this op (add_label, rm_label)")
	cmd.Flags().StringVar(&opts.Result, "result", "", "only entries with this result (applied, rejected)")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "only rejections with this reason")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runLog(opts *LogOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	s, err := store.Open(opts.Database,
		store.WithDriver(opts.Driver),
		store.WithLogger(newLogger(cmd.ErrOrStderr(), opts.Verbose)),
	)
	if err != nil {
		_ = f.Error(ErrCodeIO, "failed to open database", err.Error())
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer s.Close()

	events, err := s.QueryEvents(ctx, store.EventQuery{
		After:  opts.After,
		Limit:  opts.Limit,
		Filter: store.EventFilter(opts.ModelID, ir.EventOp(opts.Op), ir.EventResult(opts.Result), opts.Reason),
	})
	if err != nil {
		_ = f.Error(ErrCodeIO, "failed to read events", err.Error())
		return WrapExitError(ExitCommandError, "failed to read events", err)
	}
	last, err := s.LastEventID(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read events", err)
	}

	if f.JSON() {
		return f.Success(LogResult{Events: events, LastEventID: last})
	}

	for _, ev := range events {
		printEvent(f.Writer, ev)
	}
	f.VerboseLog("%d entries, last event id %d", len(events), last)
	return nil
}

func printEvent(w io.Writer, ev ir.Event) {
	line := fmt.Sprintf("%6d %-9s m%d %s", ev.ID, ev.Op, ev.ModelID, ev.Coord())
	if ev.Label != nil {
		line += fmt.Sprintf(" %s:%s=%v", ev.Label.K, ev.Label.T, ev.Label.V)
	}
	if ev.Result == ir.ResultRejected {
		warnText.Fprintf(w, "%s rejected (%s)\n", line, ev.Reason)
		return
	}
	fmt.Fprintln(w, line)
}
