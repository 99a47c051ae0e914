package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/qplan/internal/harness"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	Update   bool   // regenerate golden files
	Filter   string // scenario filter (glob pattern)
	Parallel int    // scenarios run at once
}

// ScenarioResult holds the result of a single scenario execution.
type ScenarioResult struct {
	Name   string   `json:"name"`
	Pass   bool     `json:"pass"`
	Note   string   `json:"note,omitempty"`
	Errors []string `json:"errors,omitempty"`
}

// TestResult holds the overall test result.
type TestResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <scenarios-dir>",
		Short: "Run YAML query scenarios",
		Long: `Run query scenarios using the harness framework.

Each scenario seeds a fresh in-memory database, runs its steps through
the repository and checks every expect clause and final assertion.
When scenarios-dir/golden/<name>.golden exists, the plan trace must
match it as well. Entity paths in a scenario resolve against the
scenario file's directory.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, etc.)

Examples:
  qplan test ./scenarios
  qplan test ./scenarios --filter "paging*"
  qplan test ./scenarios --update
  qplan test ./scenarios --parallel 4 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern")
	cmd.Flags().IntVar(&opts.Parallel, "parallel", runtime.GOMAXPROCS(0), "scenarios to run at once")

	return cmd
}

func runTests(opts *TestOptions, scenariosDir string, cmd *cobra.Command) error {
	if _, err := os.Stat(scenariosDir); os.IsNotExist(err) {
		return NewExitError(ExitCommandError, "scenarios directory not found: "+scenariosDir)
	}
	files, err := findScenarioFiles(scenariosDir, opts.Filter)
	if err != nil {
		return NewExitError(ExitCommandError, fmt.Sprintf("failed to find scenarios: %v", err))
	}

	formatter := opts.formatter(cmd)
	if len(files) == 0 {
		return formatter.Emit(TestResult{Scenarios: []ScenarioResult{}}, func(w io.Writer) {
			fmt.Fprintln(w, "No scenarios found.")
		})
	}

	var runOpts []harness.Option
	if opts.Verbose {
		runOpts = append(runOpts, harness.WithLogger(opts.logger(cmd.ErrOrStderr())))
	}

	// Every run owns its in-memory database; results keep file order.
	results := make([]ScenarioResult, len(files))
	var g errgroup.Group
	g.SetLimit(max(opts.Parallel, 1))
	for i, file := range files {
		i, file := i, file
		g.Go(func() error {
			results[i] = runScenario(file, opts.Update, runOpts)
			return nil
		})
	}
	_ = g.Wait()

	return reportTests(formatter, tally(results))
}

func tally(results []ScenarioResult) TestResult {
	out := TestResult{Scenarios: results, Total: len(results)}
	for _, r := range results {
		if r.Pass {
			out.Passed++
		} else {
			out.Failed++
		}
	}
	return out
}

// findScenarioFiles lists the .yaml and .yml files under dir whose base
// name, without extension, matches filter.
func findScenarioFiles(dir, filter string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		if filter != "" {
			ok, err := filepath.Match(filter, strings.TrimSuffix(d.Name(), ext))
			if err != nil {
				return fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !ok {
				return nil
			}
		}
		files = append(files, path)
		return nil
	})
	return files, err
}

// runScenario loads and runs one file. The trace is checked against the
// golden file when one exists; update rewrites it instead.
func runScenario(file string, update bool, runOpts []harness.Option) ScenarioResult {
	scenario, err := harness.LoadScenario(file)
	if err != nil {
		return failed(filepath.Base(file), fmt.Sprintf("Load error: %v", err))
	}
	result, err := harness.Run(scenario, runOpts...)
	if err != nil {
		return failed(scenario.Name, fmt.Sprintf("Execution error: %v", err))
	}

	snapshot := harness.Snapshot(scenario.Name, result)
	trace, err := snapshot.Marshal()
	if err != nil {
		return failed(scenario.Name, err.Error())
	}
	golden := goldenFilePath(file)

	if update {
		if err := writeGolden(golden, trace); err != nil {
			return failed(scenario.Name, fmt.Sprintf("Golden update error: %v", err))
		}
		return ScenarioResult{Name: scenario.Name, Pass: true, Note: "golden updated"}
	}

	want, err := os.ReadFile(golden)
	switch {
	case err == nil && !bytes.Equal(want, trace):
		return failed(scenario.Name, "Golden file mismatch (run with --update to regenerate)")
	case err != nil && !errors.Is(err, fs.ErrNotExist):
		return failed(scenario.Name, fmt.Sprintf("Golden comparison error: %v", err))
	}

	if !result.Pass {
		return failed(scenario.Name, result.Errors...)
	}
	return ScenarioResult{Name: scenario.Name, Pass: true}
}

func failed(name string, errs ...string) ScenarioResult {
	return ScenarioResult{Name: name, Errors: errs}
}

// goldenFilePath maps dir/name.yaml to dir/golden/name.golden.
func goldenFilePath(scenarioFile string) string {
	name := strings.TrimSuffix(filepath.Base(scenarioFile), filepath.Ext(scenarioFile))
	return filepath.Join(filepath.Dir(scenarioFile), "golden", name+".golden")
}

func writeGolden(path string, trace []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create golden directory: %w", err)
	}
	return os.WriteFile(path, trace, 0644)
}

// reportTests prints the per-scenario lines and the summary. Any failure
// exits with ExitFailure; JSON output then carries E_TEST_FAILED.
func reportTests(formatter *OutputFormatter, result TestResult) error {
	var failure error
	if result.Failed > 0 {
		failure = NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", result.Failed))
	}

	if formatter.isJSON() {
		resp := CLIResponse{Status: "ok", Data: result}
		if failure != nil {
			resp.Status = "error"
			resp.Error = &CLIError{Code: "E_TEST_FAILED", Message: failure.Error()}
		}
		if err := formatter.respond(resp); err != nil {
			return err
		}
		return failure
	}

	w := formatter.Writer
	for _, s := range result.Scenarios {
		writeScenarioLine(w, s)
	}
	fmt.Fprintf(w, "\nTest Summary: %d passed, %d failed, %d total\n", result.Passed, result.Failed, result.Total)
	if failure == nil {
		fmt.Fprintln(w, "✓ All scenarios passed")
	}
	return failure
}

func writeScenarioLine(w io.Writer, s ScenarioResult) {
	switch {
	case s.Pass && s.Note != "":
		fmt.Fprintf(w, "✓ %s (%s)\n", s.Name, s.Note)
	case s.Pass:
		fmt.Fprintf(w, "✓ %s\n", s.Name)
	default:
		fmt.Fprintf(w, "✗ %s\n", s.Name)
		for _, e := range s.Errors {
			fmt.Fprintf(w, "  %s\n", e)
		}
	}
}
