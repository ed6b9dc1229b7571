// Command melodium is a thin driver exercising the builder/world pipeline
// end to end: it validates a treatment fixture, builds and runs one
// in-process, or serves a world of builtin treatments to a remote
// distribution controller.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/melodium-lang/melodium/cli"
)

// version is set via ldflags at build time.
var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "melodium",
	Short:        "Mélodium reactive dataflow runtime CLI",
	Long:         "melodium — validate, build, run, and serve Mélodium treatment fixtures.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().Bool("verbose", false, "Verbose/debug logging flag (no subcommand reads it)")
	rootCmd.PersistentFlags().Bool("quiet", false, "Quiet output flag (no subcommand reads it)")

	rootCmd.Version = version
	rootCmd.SetVersionTemplate(fmt.Sprintf("melodium version %s\n", version))

	rootCmd.AddCommand(cli.NewValidateCmd())
	rootCmd.AddCommand(cli.NewRunCmd())
	rootCmd.AddCommand(cli.NewServeCmd())
}
