package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/roach88/modeltable/internal/config"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Database  string
	Seed      string
	Functions string
	Watch     bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a node",
		Long: `Start a modeltable node.

The node restores the persisted table (if persistence is configured),
applies the seed manifest, loads function scripts, connects the bus and
relay and then processes mailbox commands, bus messages and relay events
until interrupted.

Flags override the config file and MODELTABLE_* environment variables.

Examples:
  modeltable run --db ./table.db --seed ./seed.toml
  modeltable run --config ./node.yaml --functions ./funcs --watch`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides persistence.path)")
	cmd.Flags().StringVar(&opts.Seed, "seed", "", "TOML seed manifest (overrides seed.path)")
	cmd.Flags().StringVar(&opts.Functions, "functions", "", "function script directory (overrides functions.dir)")
	cmd.Flags().BoolVar(&opts.Watch, "watch", false, "reload function scripts on change")

	return cmd
}

// loadConfig reads the config and applies flag overrides.
func loadConfig(opts *RootOptions, overrides func(v *viper.Viper)) (config.Config, error) {
	v, err := config.NewViper(opts.ConfigFile)
	if err != nil {
		return config.Config{}, err
	}
	if opts.Verbose {
		v.Set("verbose", true)
	}
	if overrides != nil {
		overrides(v)
	}
	return config.Load(v)
}

func runNode(opts *RunOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	cfg, err := loadConfig(opts.RootOptions, func(v *viper.Viper) {
		if opts.Database != "" {
			v.Set("persistence.path", opts.Database)
		}
		if opts.Seed != "" {
			v.Set("seed.path", opts.Seed)
		}
		if opts.Functions != "" {
			v.Set("functions.dir", opts.Functions)
		}
		if opts.Watch {
			v.Set("functions.watch", true)
		}
	})
	if err != nil {
		_ = f.Error(ErrCodeConfig, "failed to load config", err.Error())
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}

	logger := newLogger(cmd.ErrOrStderr(), cfg.Verbose)

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	node, err := NewNode(ctx, cfg, logger)
	if err != nil {
		_ = f.Error(ErrCodeIO, "failed to start node", err.Error())
		return WrapExitError(ExitCommandError, "failed to start node", err)
	}
	defer node.Close()

	logger.Info("node starting",
		"name", cfg.Node.Name,
		"bus", cfg.Bus.Driver,
		"relay", cfg.Relay.Driver,
		"db", cfg.Persistence.Path,
	)
	if !f.JSON() {
		fmt.Fprintln(f.Writer, "Node started. Press Ctrl-C to stop.")
	}

	if err := node.Run(ctx); err != nil {
		return WrapExitError(ExitFailure, "node error", err)
	}
	logger.Info("node stopped gracefully")
	return nil
}
