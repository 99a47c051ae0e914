package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/qplan/internal/derive"
	"github.com/roach88/qplan/internal/entity"
	"github.com/roach88/qplan/internal/harness"
	"github.com/roach88/qplan/internal/ir"
	"github.com/roach88/qplan/internal/metrics"
	"github.com/roach88/qplan/internal/plan"
	"github.com/roach88/qplan/internal/repository"
	"github.com/roach88/qplan/internal/store"
)

// QueryOptions holds flags for the query command.
type QueryOptions struct {
	PlanOptions
	Database string
	SeedFile string
	Metrics  bool
}

// QueryResult is the query command's payload. Exactly one of Rows, Count,
// Exists or Affected is set, depending on the signature's subject.
type QueryResult struct {
	Plans    []string    `json:"plans"`
	Rows     []ir.Record `json:"rows,omitempty"`
	Total    *int64      `json:"total,omitempty"`
	HasNext  *bool       `json:"has_next,omitempty"`
	Count    *int64      `json:"count,omitempty"`
	Exists   *bool       `json:"exists,omitempty"`
	Affected *int64      `json:"affected,omitempty"`
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{PlanOptions: PlanOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "query <entity> <signature> [args...]",
		Short: "Run a signature against a SQLite database",
		Long: `Derive a plan from a signature and execute it through the repository.

Tables for every entity are created when missing. --seed loads rows
from a YAML list of {entity, rows} entries before the query runs, which
makes the default in-memory database useful.

Examples:
  qplan query Member findByAgeGreaterThan 15 --db ./members.db
  qplan query Member findByAge 10 --page 0 --size 2 --sort "username desc" --seed rows.yaml
  qplan query Member deleteByUsername m1 --db ./members.db`,
		Args:          cobra.MinimumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(opts, args[0], args[1], args[2:], cmd)
		},
	}
	opts.bind(cmd)
	cmd.Flags().StringVar(&opts.Database, "db", ":memory:", "path to SQLite database (config db_path)")
	cmd.Flags().StringVar(&opts.SeedFile, "seed", "", "YAML seed rows to save before querying")
	cmd.Flags().BoolVar(&opts.Metrics, "metrics", false, "print collected metrics to stderr")

	return cmd
}

func runQuery(opts *QueryOptions, entityName, signature string, rawArgs []string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	cfg := opts.settings()
	logger := opts.logger(cmd.ErrOrStderr())

	reg, err := LoadRegistry(opts.EntitiesDir)
	if err != nil {
		return formatter.Fail(ExitCommandError, err)
	}
	desc, err := reg.Describe(entityName)
	if err != nil {
		return formatter.Fail(ExitCommandError, err)
	}
	args, err := parseArgs(rawArgs)
	if err != nil {
		return formatter.Fail(ExitCommandError, err)
	}
	tmpl, err := derive.Parse(signature, desc)
	if err != nil {
		return formatter.Fail(ExitCommandError, err)
	}

	// Setup signal handling so a blocked lock wait can be interrupted
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	logger.Debug("opening database", "path", cfg.DBPath)
	st, err := store.Open(cfg.DBPath, store.WithLogger(logger), store.WithMetrics(m))
	if err != nil {
		return formatter.Fail(ExitCommandError, &LoadError{Code: ErrCodeDatabase, Message: err.Error()})
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()
	if err := migrateAll(ctx, st, reg); err != nil {
		return formatter.Fail(ExitCommandError, &LoadError{Code: ErrCodeDatabase, Message: err.Error()})
	}
	if opts.SeedFile != "" {
		if err := seedFrom(ctx, st, reg, opts.SeedFile); err != nil {
			return formatter.Fail(ExitCommandError, err)
		}
	}

	var compiled []string
	repoOpts := []repository.Option{
		repository.WithLogger(logger),
		repository.WithMetrics(m),
		repository.WithClearAutomatically(cfg.ClearAutomatically),
		repository.WithPlanHook(func(p *plan.QueryPlan) { compiled = append(compiled, p.ID()) }),
	}
	if opts.IDs != nil {
		repoOpts = append(repoOpts, repository.WithIDs(opts.IDs))
	}
	repo := repository.New(desc, repoOpts...)
	orders, err := parseSort(opts.Sort)
	if err != nil {
		return formatter.Fail(ExitCommandError, err)
	}
	hints := repository.Hints{
		Lock:     plan.LockMode(opts.Lock),
		ReadOnly: opts.ReadOnly,
		Fetch:    opts.Fetch,
	}
	if opts.Page < 0 && tmpl.Subject() == plan.SubjectFind {
		// Unpaged: extra sort keys ride on the signature's hints.
		hints.Sort = plan.By(orders...)
	}
	repo.Annotate(signature, hints)

	sess := repository.NewSession(st, repository.WithLockTimeout(cfg.LockTimeout))
	defer sess.Close()

	out, err := executeQuery(ctx, opts, repo, sess, tmpl, orders, toAny(args))
	if err != nil {
		return formatter.Fail(ExitCommandError, err)
	}
	out.Plans = compiled

	if opts.Metrics {
		writeMetrics(formatter.GetErrWriter(), logger, m)
	}
	return formatter.Emit(out, func(w io.Writer) { writeQueryText(w, desc, out) })
}

// execute dispatches on the signature's subject and result shape.
func executeQuery(ctx context.Context, opts *QueryOptions, repo *repository.Repository, sess *repository.Session, tmpl *derive.Template, orders []plan.Order, args []any) (QueryResult, error) {
	signature := tmpl.Signature()
	var out QueryResult
	switch tmpl.Subject() {
	case plan.SubjectCount:
		n, err := repo.Count(ctx, sess, signature, args...)
		out.Count = &n
		return out, err
	case plan.SubjectExists:
		found, err := repo.Exists(ctx, sess, signature, args...)
		out.Exists = &found
		return out, err
	case plan.SubjectDelete:
		n, err := repo.Delete(ctx, sess, signature, args...)
		out.Affected = &n
		return out, err
	}

	if opts.Page < 0 {
		rows, err := repo.FindAll(ctx, sess, signature, args...)
		out.Rows = rows
		return out, err
	}

	req, err := plan.NewPageRequest(opts.Page, opts.settings().PageSize(opts.Size), orders...)
	if err != nil {
		return out, &LoadError{Code: ErrCodeBadArgument, Message: err.Error()}
	}
	if tmpl.Shape() == derive.ShapeSlice {
		s, err := repo.FindSlice(ctx, sess, signature, req, args...)
		if err != nil {
			return out, err
		}
		hasNext := s.HasNext()
		out.Rows, out.HasNext = s.Content(), &hasNext
		return out, nil
	}
	pg, err := repo.FindPage(ctx, sess, signature, req, args...)
	if err != nil {
		return out, err
	}
	total, hasNext := pg.TotalElements(), pg.HasNext()
	out.Rows, out.Total, out.HasNext = pg.Content(), &total, &hasNext
	return out, nil
}

func migrateAll(ctx context.Context, st *store.Store, reg *entity.Registry) error {
	descs := make([]*entity.Descriptor, 0, len(reg.Names()))
	for _, name := range reg.Names() {
		descs = append(descs, reg.MustDescribe(name))
	}
	return st.Migrate(ctx, descs...)
}

// seedFrom saves the rows listed in a YAML seed file.
func seedFrom(ctx context.Context, st *store.Store, reg *entity.Registry, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("failed to read seed file: %v", err)}
	}
	var seed []harness.SeedStep
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return &LoadError{Code: ErrCodeBadArgument, Message: fmt.Sprintf("failed to parse seed file: %v", err)}
	}
	return harness.Seed(ctx, st, reg, seed)
}

func toAny(vals []ir.Value) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return out
}

func writeQueryText(w io.Writer, desc *entity.Descriptor, out QueryResult) {
	switch {
	case out.Count != nil:
		fmt.Fprintf(w, "count: %d\n", *out.Count)
	case out.Exists != nil:
		fmt.Fprintf(w, "exists: %t\n", *out.Exists)
	case out.Affected != nil:
		fmt.Fprintf(w, "affected: %d\n", *out.Affected)
	default:
		for _, row := range out.Rows {
			fmt.Fprintln(w, render(row))
		}
		fmt.Fprintf(w, "%d %s row(s)", len(out.Rows), desc.Name())
		if out.Total != nil {
			fmt.Fprintf(w, " of %d", *out.Total)
		}
		if out.HasNext != nil && *out.HasNext {
			fmt.Fprint(w, ", more available")
		}
		fmt.Fprintln(w)
	}
}

// writeMetrics prints every counter and histogram sample count, sorted by
// metric name.
func writeMetrics(w io.Writer, logger *slog.Logger, m *metrics.Metrics) {
	families, err := m.Gatherer().Gather()
	if err != nil {
		logger.Warn("gather metrics", "error", err)
		return
	}
	sort.Slice(families, func(i, j int) bool { return families[i].GetName() < families[j].GetName() })
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			labels := ""
			for _, lp := range metric.GetLabel() {
				labels += fmt.Sprintf(" %s=%s", lp.GetName(), lp.GetValue())
			}
			switch {
			case metric.GetCounter() != nil:
				fmt.Fprintf(w, "%s%s %g\n", mf.GetName(), labels, metric.GetCounter().GetValue())
			case metric.GetHistogram() != nil:
				fmt.Fprintf(w, "%s_count%s %d\n", mf.GetName(), labels, metric.GetHistogram().GetSampleCount())
			}
		}
	}
}
