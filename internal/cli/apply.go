package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/roach88/modeltable/internal/config"
	"github.com/roach88/modeltable/internal/ir"
	"github.com/roach88/modeltable/internal/patch"
	"github.com/roach88/modeltable/internal/schema"
)

// ApplyOptions holds flags for the apply command.
type ApplyOptions struct {
	*RootOptions
	Database         string
	AllowCreateModel bool
}

// ApplyResult is the output of the apply command.
type ApplyResult struct {
	OpID        string `json:"op_id"`
	Applied     int    `json:"applied"`
	Rejected    int    `json:"rejected"`
	Persisted   int    `json:"persisted"`
	LastEventID int64  `json:"last_event_id"`
}

// NewApplyCommand creates the apply command.
func NewApplyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ApplyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "apply <patch.json>",
		Short: "Apply a patch to a persisted table",
		Long: `Apply an mt.v0 patch document to the table persisted in a database.

The table is restored from the database, the patch is applied (running any
functions it triggers) and the resulting labels and event log entries are
written back. No transports are connected.

Examples:
  modeltable apply --db ./table.db ./patch.json
  modeltable apply --db ./table.db --allow-create-model ./bootstrap.json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApply(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().BoolVar(&opts.AllowCreateModel, "allow-create-model", false, "allow the patch to create models")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

// readPatch reads and schema-checks a patch document.
func readPatch(path string) (ir.Patch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ir.Patch{}, err
	}
	v, err := ir.DecodeJSON(data)
	if err != nil {
		return ir.Patch{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := schema.Default().ValidatePatch(v); err != nil {
		return ir.Patch{}, err
	}
	return ir.PatchFromValue(v)
}

func runApply(opts *ApplyOptions, path string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	p, err := readPatch(path)
	if err != nil {
		_ = f.Error(ErrCodeInvalid, "invalid patch", err.Error())
		return WrapExitError(ExitCommandError, "invalid patch", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	v := viper.New()
	config.SetDefaults(v)
	v.Set("node.name", "apply")
	v.Set("persistence.path", opts.Database)
	cfg, err := config.Load(v)
	if err != nil {
		_ = f.Error(ErrCodeConfig, "invalid config", err.Error())
		return WrapExitError(ExitCommandError, "invalid config", err)
	}
	logger := newLogger(cmd.ErrOrStderr(), opts.Verbose)
	node, err := NewNode(ctx, cfg, logger)
	if err != nil {
		_ = f.Error(ErrCodeIO, "failed to open database", err.Error())
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer node.Close()

	res := node.Engine.ApplyPatch(p, patch.Options{AllowCreateModel: opts.AllowCreateModel, Logger: logger})
	if _, err := node.Engine.Tick().Wait(ctx); err != nil {
		return WrapExitError(ExitFailure, "drain failed", err)
	}

	persisted, err := node.Audit.Flush(ctx)
	if err != nil {
		_ = f.Error(ErrCodeIO, "failed to persist event log", err.Error())
		return WrapExitError(ExitCommandError, "failed to persist event log", err)
	}

	events := node.Engine.Events()
	out := ApplyResult{OpID: p.OpID, Applied: res.Applied, Rejected: res.Rejected, Persisted: persisted}
	if len(events) > 0 {
		out.LastEventID = events[len(events)-1].ID
	}

	if f.JSON() {
		return f.Success(out)
	}
	f.Pass("patch %s: %d applied, %d rejected", out.OpID, out.Applied, out.Rejected)
	f.VerboseLog("persisted %d event(s), last event id %d", out.Persisted, out.LastEventID)
	return nil
}
