package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/qplan/internal/compiler"
)

// ValidationResult is the payload of qplan validate.
type ValidationResult struct {
	Valid    bool                       `json:"valid"`
	Entities []string                   `json:"entities,omitempty"`
	Errors   []compiler.ValidationError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [entities-dir]",
		Short: "Validate entity definitions",
		Long: `Validate CUE entity definitions.

Compiles every entity and checks names, identities, property types,
column clashes and association targets. All problems are reported,
not just the first. The directory defaults to --entities.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := rootOpts.EntitiesDir
			if len(args) == 1 {
				dir = args[0]
			}
			return runValidate(rootOpts.formatter(cmd), dir)
		},
	}
}

func runValidate(formatter *OutputFormatter, dir string) error {
	loaded, errs := LoadEntities(dir, LoadModeCollectAll)
	if loaded == nil {
		// Nothing compiled: missing directory, no files or a CUE syntax error.
		code, message := ErrCodeGeneric, errs[0].Error()
		var loadErr *LoadError
		if errors.As(errs[0], &loadErr) {
			code, message = loadErr.Code, loadErr.Message
		}
		return formatter.commandError(code, message, nil)
	}
	formatter.VerboseLog("Found %d CUE file(s) in %s", loaded.FileCount, dir)

	if problems := validationProblems(errs); len(problems) > 0 {
		return reportProblems(formatter, problems)
	}

	names := loaded.Registry.Names()
	for _, name := range names {
		formatter.VerboseLog("Validated entity: %s", name)
	}
	return formatter.Emit(ValidationResult{Valid: true, Entities: names}, func(w io.Writer) {
		fmt.Fprintf(w, "✓ %d entities valid\n", len(names))
	})
}

// validationProblems turns per-entity load errors into the reported list.
func validationProblems(errs []error) []compiler.ValidationError {
	var problems []compiler.ValidationError
	for _, err := range errs {
		var loadErr *LoadError
		if !errors.As(err, &loadErr) {
			continue
		}
		p := compiler.ValidationError{Field: "entity", Code: loadErr.Code, Message: loadErr.Message}
		if loadErr.Pos.IsValid() {
			p.Line = loadErr.Pos.Line()
		}
		problems = append(problems, p)
	}
	return problems
}

// reportProblems prints every problem and fails with ExitFailure. The JSON
// error carries the first problem; data lists them all.
func reportProblems(formatter *OutputFormatter, problems []compiler.ValidationError) error {
	failure := NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(problems)))

	if formatter.isJSON() {
		err := formatter.respond(CLIResponse{
			Status: "error",
			Data:   ValidationResult{Errors: problems},
			Error:  &CLIError{Code: problems[0].Code, Message: problems[0].Message},
		})
		if err != nil {
			return err
		}
		return failure
	}

	w := formatter.Writer
	fmt.Fprintln(w, "✗ Validation failed")
	fmt.Fprintln(w)
	for _, p := range problems {
		if p.Line > 0 {
			fmt.Fprintf(w, "line %d\n", p.Line)
		}
		fmt.Fprintf(w, "  %s: %s\n\n", p.Code, p.Message)
	}
	return failure
}
