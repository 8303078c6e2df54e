package main

import (
	"fmt"
	"os"

	"github.com/roach88/modeltable/internal/cli"
	"github.com/roach88/modeltable/internal/ir"
)

// Version information - set during build
var (
	version = ir.EngineVersion
	commit  = "none"
	date    = "unknown"
)

func main() {
	cmd := cli.NewRootCommand()
	cmd.Version = fmt.Sprintf("%s (commit %s, built %s)", version, commit, date)

	// Subcommands report through their formatter on stdout; the error line
	// goes to stderr so JSON output stays parseable.
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
