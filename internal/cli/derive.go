package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/qplan/internal/derive"
	"github.com/roach88/qplan/internal/entity"
	"github.com/roach88/qplan/internal/ir"
	"github.com/roach88/qplan/internal/plan"
	"github.com/roach88/qplan/internal/querysql"
)

// PlanOptions holds the flags shared by every command that compiles a
// signature into a plan.
type PlanOptions struct {
	*RootOptions
	Page     int      // page index; negative means unpaged
	Size     int      // page size; zero picks the configured default
	Sort     []string // "path" or "path desc"
	Fetch    []string
	Lock     string
	ReadOnly bool

	// IDs allows overriding the plan ID generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	IDs plan.IDGenerator
}

func (o *PlanOptions) bind(cmd *cobra.Command) {
	cmd.Flags().IntVar(&o.Page, "page", -1, "page index (unpaged when negative)")
	cmd.Flags().IntVar(&o.Size, "size", 0, "page size (defaults to page.default_size)")
	cmd.Flags().StringArrayVar(&o.Sort, "sort", nil, `extra sort key, "path" or "path desc" (repeatable)`)
	cmd.Flags().StringSliceVar(&o.Fetch, "fetch", nil, "association paths to fetch eagerly")
	cmd.Flags().StringVar(&o.Lock, "lock", "", "row lock (shared|exclusive)")
	cmd.Flags().BoolVar(&o.ReadOnly, "read-only", false, "mark the plan read-only")
}

// DerivedPlan is the derive command's payload.
type DerivedPlan struct {
	Signature   string    `json:"signature"`
	Shape       string    `json:"shape"`
	Fingerprint string    `json:"fingerprint"`
	Plan        ir.Record `json:"plan"`
}

// NewDeriveCommand creates the derive command.
func NewDeriveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PlanOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "derive <entity> <signature> [args...]",
		Short: "Compile a method-name signature into a query plan",
		Long: `Compile a method-name signature into a query plan and print it.

Arguments are decoded as YAML scalars: 15 is an int, true a bool,
m1 a string and [1, 2] a list. Floats are rejected.

Examples:
  qplan derive Member findByUsernameAndAgeGreaterThan m1 15
  qplan derive Member findByAgeOrderByUsernameDesc 10 --page 0 --size 5
  qplan derive Member findByTeamName teamA --fetch team --format json`,
		Args:          cobra.MinimumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDerive(opts, args[0], args[1], args[2:], cmd)
		},
	}
	opts.bind(cmd)

	return cmd
}

func runDerive(opts *PlanOptions, entityName, signature string, args []string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	p, tmpl, err := opts.buildPlan(entityName, signature, args)
	if err != nil {
		return formatter.Fail(ExitCommandError, err)
	}
	formatter.VerboseLog("Compiled %s", p)

	out := DerivedPlan{
		Signature:   signature,
		Shape:       string(tmpl.Shape()),
		Fingerprint: p.Fingerprint(),
		Plan:        p.Trace(),
	}
	return formatter.Emit(out, func(w io.Writer) {
		fmt.Fprintf(w, "%s %s\n", out.Signature, p.Subject())
		for _, key := range out.Plan.SortedKeys() {
			if key == "predicate" {
				continue
			}
			fmt.Fprintf(w, "  %-12s %s\n", key, render(out.Plan[key]))
		}
		fmt.Fprintf(w, "  %-12s %s\n", "shape", out.Shape)
		fmt.Fprintf(w, "  %-12s %s\n", "fingerprint", out.Fingerprint)
	})
}

// SQLResult is the sql command's payload.
type SQLResult struct {
	Plan string `json:"plan"`
	SQL  string `json:"sql"`
	Args []any  `json:"args"`
}

// NewSQLCommand creates the sql command.
func NewSQLCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PlanOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sql <entity> <signature> [args...]",
		Short: "Render the SQLite statement for a signature",
		Long: `Compile a signature into a query plan and render the parameterized
SQLite statement the store would run for it. Values are never
interpolated; they are listed as bind arguments.

Examples:
  qplan sql Member findByTeamNameOrderByAgeDesc teamA
  qplan sql Member countByAgeBetween 10 20`,
		Args:          cobra.MinimumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSQL(opts, args[0], args[1], args[2:], cmd)
		},
	}
	opts.bind(cmd)

	return cmd
}

func runSQL(opts *PlanOptions, entityName, signature string, args []string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	p, _, err := opts.buildPlan(entityName, signature, args)
	if err != nil {
		return formatter.Fail(ExitCommandError, err)
	}

	offset, limit := 0, 0
	if pr, ok := p.Page(); ok {
		offset, limit = pr.Offset(), pr.Size
	}
	stmt, err := querysql.NewSQLCompiler().Compile(p, offset, limit)
	if err != nil {
		return formatter.Fail(ExitCommandError, err)
	}

	out := SQLResult{Plan: p.ID(), SQL: stmt.SQL, Args: stmt.Args}
	if out.Args == nil {
		out.Args = []any{}
	}
	return formatter.Emit(out, func(w io.Writer) {
		fmt.Fprintln(w, out.SQL)
		for i, a := range out.Args {
			fmt.Fprintf(w, "  ?%d = %v\n", i+1, a)
		}
	})
}

// buildPlan loads the entities, derives signature against entityName and
// applies the plan flags.
func (o *PlanOptions) buildPlan(entityName, signature string, rawArgs []string) (*plan.QueryPlan, *derive.Template, error) {
	desc, err := o.describe(entityName)
	if err != nil {
		return nil, nil, err
	}
	args, err := parseArgs(rawArgs)
	if err != nil {
		return nil, nil, err
	}

	tmpl, err := derive.Parse(signature, desc)
	if err != nil {
		return nil, nil, err
	}
	d, err := tmpl.Bind(args...)
	if err != nil {
		return nil, nil, err
	}

	in := d.Input()
	if err := o.apply(&in); err != nil {
		return nil, nil, err
	}

	ids := o.IDs
	if ids == nil {
		ids = plan.UUIDv7Generator{}
	}
	p, err := (&plan.Compiler{IDs: ids}).Compile(desc, in)
	if err != nil {
		return nil, nil, err
	}
	return p, tmpl, nil
}

func (o *PlanOptions) describe(entityName string) (*entity.Descriptor, error) {
	reg, err := LoadRegistry(o.EntitiesDir)
	if err != nil {
		return nil, err
	}
	return reg.Describe(entityName)
}

// apply folds the plan flags into in.
func (o *PlanOptions) apply(in *plan.Input) error {
	orders, err := parseSort(o.Sort)
	if err != nil {
		return err
	}
	if o.Page >= 0 {
		req, err := plan.NewPageRequest(o.Page, o.settings().PageSize(o.Size), orders...)
		if err != nil {
			return &LoadError{Code: ErrCodeBadArgument, Message: err.Error()}
		}
		in.Page = &req
	} else {
		in.Sort = in.Sort.Merge(plan.By(orders...))
	}
	for _, f := range o.Fetch {
		in.Fetch = append(in.Fetch, entity.ParsePath(f))
	}
	in.Lock = plan.LockMode(o.Lock)
	in.ReadOnly = o.ReadOnly
	return nil
}

// parseArgs decodes each argument as a YAML value.
func parseArgs(raw []string) ([]ir.Value, error) {
	out := make([]ir.Value, len(raw))
	for i, s := range raw {
		var v any
		if err := yaml.Unmarshal([]byte(s), &v); err != nil {
			return nil, &LoadError{Code: ErrCodeBadArgument, Message: fmt.Sprintf("argument %d %q: %v", i, s, err)}
		}
		iv, err := ir.FromAny(v)
		if err != nil {
			return nil, &LoadError{Code: ErrCodeBadArgument, Message: fmt.Sprintf("argument %d %q: %v", i, s, err)}
		}
		out[i] = iv
	}
	return out, nil
}

// parseSort parses "path" and "path asc|desc" entries.
func parseSort(entries []string) ([]plan.Order, error) {
	orders := make([]plan.Order, 0, len(entries))
	for _, s := range entries {
		fields := strings.Fields(s)
		switch {
		case len(fields) == 1:
			orders = append(orders, plan.Asc(fields[0]))
		case len(fields) == 2 && strings.EqualFold(fields[1], "asc"):
			orders = append(orders, plan.Asc(fields[0]))
		case len(fields) == 2 && strings.EqualFold(fields[1], "desc"):
			orders = append(orders, plan.Desc(fields[0]))
		default:
			return nil, &LoadError{Code: ErrCodeBadArgument, Message: fmt.Sprintf("invalid sort %q", s)}
		}
	}
	return orders, nil
}

// render formats a trace value for text output.
func render(v ir.Value) string {
	if s, ok := v.(ir.String); ok {
		return string(s)
	}
	out, err := ir.MarshalValue(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(out)
}
