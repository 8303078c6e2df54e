package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/modeltable/internal/config"
	"github.com/roach88/modeltable/internal/harness"
	"github.com/roach88/modeltable/internal/ir"
	"github.com/roach88/modeltable/internal/schema"
)

// FileError is one validation failure.
type FileError struct {
	File    string `json:"file"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid   bool        `json:"valid"`
	Checked []string    `json:"checked"`
	Errors  []FileError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [files or dirs...]",
		Short: "Validate config, seeds, patches and scenarios",
		Long: `Validate input files without starting a node.

The node config (--config, .modeltable.yaml and MODELTABLE_* variables) is
always checked. Arguments are checked by extension:

  .toml          seed manifest
  .json          patch, command envelope or relay event (schema checked)
  .yaml / .yml   test scenario

Directories are walked recursively.

Examples:
  modeltable validate
  modeltable validate ./seed.toml ./patches
  modeltable validate --format json ./testdata/scenarios`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, args []string, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
	result := ValidationResult{Valid: true, Checked: []string{}}

	fail := func(file, kind string, err error) {
		result.Valid = false
		fe := FileError{File: file, Kind: kind, Message: err.Error()}
		var ve *schema.ValidationError
		if errors.As(err, &ve) && ve.Pos.IsValid() {
			fe.Line = ve.Pos.Line()
		}
		result.Errors = append(result.Errors, fe)
	}

	configName := opts.ConfigFile
	if configName == "" {
		configName = "config"
	}
	if _, err := loadConfig(opts, nil); err != nil {
		fail(configName, "config", err)
	}
	result.Checked = append(result.Checked, configName)

	files, err := collectFiles(args)
	if err != nil {
		_ = f.Error(ErrCodeIO, "failed to read inputs", err.Error())
		return WrapExitError(ExitCommandError, "failed to read inputs", err)
	}
	for _, path := range files {
		kind, err := validateFile(path)
		f.VerboseLog("checked %s (%s)", path, kind)
		result.Checked = append(result.Checked, path)
		if err != nil {
			fail(path, kind, err)
		}
	}

	if f.JSON() {
		var err error
		if result.Valid {
			err = f.Success(result)
		} else {
			err = f.Failure(ErrCodeInvalid, "validation failed", result)
		}
		if err != nil {
			return err
		}
	} else {
		for _, fe := range result.Errors {
			title := fmt.Sprintf("%s (%s)", fe.File, fe.Kind)
			if fe.Line > 0 {
				title = fmt.Sprintf("%s:%d (%s)", fe.File, fe.Line, fe.Kind)
			}
			f.Fail(title, fe.Message)
		}
		if result.Valid {
			f.Pass("%d file(s) valid", len(result.Checked))
		}
	}

	if !result.Valid {
		return NewExitError(ExitFailure, fmt.Sprintf("%d validation error(s)", len(result.Errors)))
	}
	return nil
}

// collectFiles expands directory arguments into the files validate knows.
func collectFiles(args []string) ([]string, error) {
	var files []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, arg)
			continue
		}
		err = filepath.WalkDir(arg, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && fileKind(path) != "" {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return files, nil
}

func fileKind(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return "seed"
	case ".json":
		return "json"
	case ".yaml", ".yml":
		return "scenario"
	}
	return ""
}

// validateFile checks one file and returns the kind it was checked as.
func validateFile(path string) (string, error) {
	switch fileKind(path) {
	case "seed":
		seed, err := config.LoadSeed(path)
		if err != nil {
			return "seed", err
		}
		_, err = seed.Patch("validate")
		return "seed", err
	case "scenario":
		_, err := harness.LoadScenario(path)
		return "scenario", err
	case "json":
		data, err := os.ReadFile(path)
		if err != nil {
			return "json", err
		}
		v, err := ir.DecodeJSON(data)
		if err != nil {
			return "json", err
		}
		return validateDocument(v)
	}
	return "unknown", fmt.Errorf("unsupported file type %q", filepath.Ext(path))
}

// validateDocument picks the schema definition matching a JSON document by
// its version field: mt.v0 is a patch, any other version a relay event.
func validateDocument(v any) (string, error) {
	obj, _ := ir.Object(v)
	switch {
	case obj != nil && obj["version"] == ir.PatchVersion:
		if err := schema.Default().ValidatePatch(v); err != nil {
			return "patch", err
		}
		_, err := ir.PatchFromValue(v)
		return "patch", err
	case obj != nil && obj["version"] != nil:
		return "relay_event", schema.Default().ValidateRelayEvent(v)
	default:
		return "envelope", schema.Default().ValidateEnvelope(v)
	}
}
