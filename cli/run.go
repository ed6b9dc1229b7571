package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/melodium-lang/melodium/descriptor"
	"github.com/melodium-lang/melodium/dtype"
	"github.com/melodium-lang/melodium/fixture"
	"github.com/melodium-lang/melodium/transmission"
	"github.com/melodium-lang/melodium/value"
	"github.com/melodium-lang/melodium/world"
)

// NewRunCmd creates the "run" subcommand.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Build and run a treatment fixture's entry point in-process",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}

	cmd.Flags().String("format", "text", "Output format: text | json")
	cmd.Flags().Duration("timeout", 30*time.Second, "Execution timeout")
	cmd.Flags().Bool("dry-run", false, "Validate and build only, do not open a track")
	cmd.Flags().String("ledger", "", "SQLite DSN for a persisted track ledger (crash diagnosis); empty disables it")

	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	filePath := args[0]

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

	var worldOpts []world.Option
	if dsn, _ := cmd.Flags().GetString("ledger"); dsn != "" {
		ledger, err := world.OpenSQLiteLedger(dsn)
		if err != nil {
			return exitError(exitRuntime, "opening ledger: %v", err)
		}
		defer ledger.Close()
		worldOpts = append(worldOpts, world.WithLedger(ledger))
	}

	collection := descriptor.NewCollection()
	w := world.NewWorld(collection.Wrap(), worldOpts...)
	if err := registerBuiltins(collection, w.Builder()); err != nil {
		return exitError(exitRuntime, "registering builtins: %v", err)
	}

	entry, err := commitFixture(f, collection)
	if err != nil {
		return exitError(exitValidation, "%v", err)
	}

	if dryRun, _ := cmd.Flags().GetBool("dry-run"); dryRun {
		fmt.Fprintln(cmd.OutOrStdout(), "Validation and build successful.")
		return nil
	}

	genesis, err := f.Genesis()
	if err != nil {
		return exitError(exitInputParse, "%v", err)
	}

	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	bld, err := w.Builder().StaticBuild(ctx, entry.ID, "root", world.Environment{Variables: genesis})
	if err != nil {
		return exitError(exitRuntime, "building: %v", err)
	}

	trackID, err := w.OpenTrack(ctx, bld, nil, world.Environment{})
	if err != nil {
		return exitError(exitRuntime, "opening track: %v", err)
	}
	track, _ := w.Track(trackID)

	// A fixture's root inputs have no interactive or file-fed source in
	// this driver; closing them immediately lets any treatment waiting on
	// them observe end-of-stream and run to completion.
	for _, sender := range track.RootInputs() {
		sender.Close()
	}

	results := drainOutputs(ctx, track)

	if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return exitError(exitTimeout, "execution timed out after %s", timeout)
	}

	format, _ := cmd.Flags().GetString("format")
	return writeRunOutput(cmd, results, format)
}

// commitFixture builds f's entry descriptor against collection's view,
// replays it into a designer, validates and commits the design, and
// inserts the entry descriptor into collection.
func commitFixture(f *fixture.Fixture, collection *descriptor.Collection) (*descriptor.TreatmentDescriptor, error) {
	d, err := f.Designer(collection.Wrap())
	if err != nil {
		return nil, err
	}
	frozen, errs := d.CommitDesign()
	if len(errs) > 0 {
		return nil, fmt.Errorf("validation failed: %d %s", len(errs), pluralize("error", len(errs)))
	}

	entry, err := f.Descriptor()
	if err != nil {
		return nil, err
	}
	entry.CommitDesign(frozen)
	if err := collection.Insert(entry); err != nil {
		return nil, fmt.Errorf("registering entry: %w", err)
	}
	return entry, nil
}

// drainOutputs reads every root output to end-of-stream (or until ctx
// expires), returning everything received keyed by port name.
func drainOutputs(ctx context.Context, track *world.Track) map[string][]value.Value {
	outputs := track.RootOutputs()
	results := make(map[string][]value.Value, len(outputs))

	var wg sync.WaitGroup
	var mu sync.Mutex
	for key, recv := range outputs {
		// Root output keys are "buildID:port"; report by bare port name,
		// listing every port even when it received nothing.
		port := key
		if i := strings.IndexByte(key, ':'); i >= 0 {
			port = key[i+1:]
		}
		mu.Lock()
		results[port] = nil
		mu.Unlock()
		wg.Add(1)
		go func(port string, recv *transmission.ReceiveTransmitter) {
			defer wg.Done()
			for {
				batch, err := recv.RecvMany(ctx)
				if err != nil {
					return
				}
				mu.Lock()
				results[port] = append(results[port], batch...)
				mu.Unlock()
			}
		}(port, recv)
	}
	wg.Wait()
	return results
}

func writeRunOutput(cmd *cobra.Command, results map[string][]value.Value, format string) error {
	out := cmd.OutOrStdout()
	if format == "json" {
		rendered := make(map[string][]any, len(results))
		for port, values := range results {
			items := make([]any, len(values))
			for i, v := range values {
				items[i] = renderValue(v)
			}
			rendered[port] = items
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rendered)
	}

	for port, values := range results {
		fmt.Fprintf(out, "%s:\n", port)
		for _, v := range values {
			fmt.Fprintf(out, "  %v\n", renderValue(v))
		}
	}
	return nil
}

func renderValue(v value.Value) any {
	switch v.Kind() {
	case dtype.F32, dtype.F64:
		f, _ := v.ToF64()
		return f
	case dtype.I8, dtype.I16, dtype.I32, dtype.I64, dtype.I128,
		dtype.U8, dtype.U16, dtype.U32, dtype.U64, dtype.U128,
		dtype.Byte, dtype.Char, dtype.Bool:
		n, _ := v.ToI64()
		return n
	default:
		if s, ok := v.ToString(); ok {
			return s
		}
		return fmt.Sprintf("%v", v)
	}
}
