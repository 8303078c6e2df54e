package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/roach88/modeltable/internal/config"
	"github.com/roach88/modeltable/internal/ir"
	"github.com/roach88/modeltable/internal/schema"
)

// SendOptions holds flags for the send command.
type SendOptions struct {
	*RootOptions
	RelayAddr string
	Stream    string
	ModelID   int
	P, R, C   int
	K         string
	T         string
	V         string
	Value     string
	OpID      string
}

// SendResult is the output of the send command.
type SendResult struct {
	OpID   string `json:"op_id"`
	Action string `json:"action"`
	Stream string `json:"stream"`
}

// NewSendCommand creates the send command.
func NewSendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "send <action>",
		Short: "Publish a command on the relay stream",
		Long: `Publish a command envelope as a relay command event.

A node with the bridge enabled picks it up, forwards it to the patch worker
and reports the applied patch back on the relay as a snapshot_delta.

Actions: label_add, label_update, label_remove, cell_clear, submodel_create.

--v is parsed as JSON and falls back to a plain string. --value replaces the
whole command value and is required for submodel_create.

Examples:
  modeltable send label_add --model 1 --p 1 --r 1 --c 1 --k title --t str --v hello
  modeltable send cell_clear --model 1 --p 1 --r 1 --c 1
  modeltable send submodel_create --value '{"id":5,"name":"child","type":"Data"}'`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.RelayAddr, "relay-addr", "", "Redis address (overrides relay.addr)")
	cmd.Flags().StringVar(&opts.Stream, "stream", "", "relay stream (overrides relay.stream)")
	cmd.Flags().IntVar(&opts.ModelID, "model", 0, "target model id")
	cmd.Flags().IntVar(&opts.P, "p", 0, "target p")
	cmd.Flags().IntVar(&opts.R, "r", 0, "target r")
	cmd.Flags().IntVar(&opts.C, "c", 0, "target c")
	cmd.Flags().StringVar(&opts.K, "k", "", "target label key")
	cmd.Flags().StringVar(&opts.T, "t", ir.TagStr, "label tag")
	cmd.Flags().StringVar(&opts.V, "v", "", "label value")
	cmd.Flags().StringVar(&opts.Value, "value", "", "raw JSON command value")
	cmd.Flags().StringVar(&opts.OpID, "op-id", "", "op id (default: new UUIDv7)")

	return cmd
}

// buildCommand turns send flags into a command envelope.
func buildCommand(opts *SendOptions, action string) (ir.Envelope, error) {
	if !ir.IsKnownAction(action) {
		return ir.Envelope{}, fmt.Errorf("unknown action %q", action)
	}
	opID := opts.OpID
	if opID == "" {
		opID = ir.UUIDv7Generator{}.Generate()
	}

	var value any
	switch {
	case opts.Value != "":
		v, err := ir.DecodeJSON([]byte(opts.Value))
		if err != nil {
			return ir.Envelope{}, fmt.Errorf("--value: %w", err)
		}
		value = v
	case action == ir.ActionLabelAdd || action == ir.ActionLabelUpdate:
		var v any = opts.V
		if parsed, err := ir.DecodeJSON([]byte(opts.V)); err == nil {
			v = parsed
		}
		value = ir.LabelValue{T: opts.T, V: v}
	case action == ir.ActionSubmodelCreate:
		return ir.Envelope{}, fmt.Errorf("submodel_create requires --value")
	}

	target := &ir.Target{ModelID: opts.ModelID, P: opts.P, R: opts.R, C: opts.C, K: opts.K}
	if action == ir.ActionSubmodelCreate {
		target = &ir.Target{ModelID: ir.RootModelID}
	}
	env := ir.NewCommand(action, target, value, opID)

	generic, err := ir.Normalize(env)
	if err != nil {
		return ir.Envelope{}, err
	}
	if err := schema.Default().ValidateEnvelope(generic); err != nil {
		return ir.Envelope{}, err
	}
	return env, nil
}

func runSend(opts *SendOptions, action string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	env, err := buildCommand(opts, action)
	if err != nil {
		_ = f.Error(ErrCodeInvalid, "invalid command", err.Error())
		return WrapExitError(ExitCommandError, "invalid command", err)
	}

	cfg, err := loadConfig(opts.RootOptions, func(v *viper.Viper) {
		v.Set("relay.driver", config.DriverRedis)
		if opts.RelayAddr != "" {
			v.Set("relay.addr", opts.RelayAddr)
		}
		if opts.Stream != "" {
			v.Set("relay.stream", opts.Stream)
		}
	})
	if err != nil {
		_ = f.Error(ErrCodeConfig, "failed to load config", err.Error())
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Node.IOTimeout)
	defer cancel()

	rel, err := NewRelay(cfg.Relay, newLogger(cmd.ErrOrStderr(), opts.Verbose))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create relay", err)
	}
	defer rel.Close()

	ev := ir.RelayEvent{
		Version: ir.RelayVersion,
		Type:    ir.RelayTypeCommand,
		OpID:    env.Payload.Meta.OpID,
		Payload: env.Payload,
	}
	if err := rel.PublishRelay(ctx, ev); err != nil {
		_ = f.Error(ErrCodeIO, "failed to publish", err.Error())
		return WrapExitError(ExitCommandError, "failed to publish", err)
	}

	out := SendResult{OpID: ev.OpID, Action: action, Stream: cfg.Relay.Stream}
	if f.JSON() {
		return f.Success(out)
	}
	f.Pass("%s %s sent on %s", out.Action, out.OpID, out.Stream)
	return nil
}
