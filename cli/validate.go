package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/melodium-lang/melodium/descriptor"
	"github.com/melodium-lang/melodium/designer"
	"github.com/melodium-lang/melodium/fixture"
	"github.com/melodium-lang/melodium/world"
)

// NewValidateCmd creates the "validate" subcommand.
func NewValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a treatment fixture without building or running it",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate,
	}

	cmd.Flags().String("format", "text", "Output format: text | json")

	return cmd
}

func runValidate(cmd *cobra.Command, args []string) error {
	filePath := args[0]
	format, _ := cmd.Flags().GetString("format")
	out := cmd.OutOrStdout()

	data, err := os.ReadFile(filePath) // #nosec G304 -- path from user CLI argument
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return exitError(exitFileNotFound, "file not found: %s", filePath)
		}
		return exitError(exitRuntime, "reading file: %v", err)
	}

	f, err := fixture.Parse(data)
	if err != nil {
		return exitError(exitInputParse, "%v", err)
	}

	collection := descriptor.NewCollection()
	w := world.NewWorld(collection.Wrap())
	if err := registerBuiltins(collection, w.Builder()); err != nil {
		return exitError(exitRuntime, "registering builtins: %v", err)
	}

	d, err := f.Designer(collection.Wrap())
	if err != nil {
		return exitError(exitValidation, "%v", err)
	}

	errs := d.Validate()
	printLogicErrors(out, errs, format)

	if len(errs) > 0 {
		return exitError(exitValidation, "validation failed")
	}
	fmt.Fprintln(out, "Valid!")
	return nil
}

func printLogicErrors(w io.Writer, errs []designer.LogicError, format string) {
	if format == "json" {
		if errs == nil {
			errs = []designer.LogicError{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(errs)
		return
	}
	for _, e := range errs {
		fmt.Fprintf(w, "ERROR [%s]: %s (%s)\n", e.Kind, e.Message, e.Identifier)
	}
	if len(errs) > 0 {
		fmt.Fprintf(w, "\n%d %s\n", len(errs), pluralize("error", len(errs)))
	}
}

func pluralize(word string, count int) string {
	if count == 1 {
		return word
	}
	return word + "s"
}
