package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/roach88/qplan/internal/compiler"
	"github.com/roach88/qplan/internal/derive"
	"github.com/roach88/qplan/internal/entity"
	"github.com/roach88/qplan/internal/ir"
	"github.com/roach88/qplan/internal/plan"
	"github.com/roach88/qplan/internal/projection"
	"github.com/roach88/qplan/internal/queryir"
	"github.com/roach88/qplan/internal/repository"
	"github.com/roach88/qplan/internal/specification"
	"github.com/roach88/qplan/internal/store"
)

// Harness runs one scenario against a fresh in-memory store.
//
// Plan IDs come from a sequence, so traces are identical across runs.
type Harness struct {
	registry *entity.Registry
	store    *store.Store
	cache    *derive.Cache
	ids      plan.IDGenerator
	logger   *slog.Logger
	repos    map[string]*repository.Repository
	session  *repository.Session

	// plans collects what the current step compiled.
	plans []*plan.QueryPlan
}

// Option configures a scenario run.
type Option func(*runOptions)

type runOptions struct {
	logger *slog.Logger
}

// WithLogger routes repository and store logs to l. Runs are silent by
// default.
func WithLogger(l *slog.Logger) Option {
	return func(o *runOptions) { o.logger = l }
}

// stepResult is what one step produced.
type stepResult struct {
	outcome ir.Record
	rows    []ir.Record
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation.
//
// Execution flow:
// 1. Compile and validate the entity definitions
// 2. Create tables and save the seed rows
// 3. Execute steps in one session, checking each expect clause
// 4. Evaluate assertions through a fresh session
//
// An error is returned only when the scenario cannot run at all; failed
// expectations are reported in the result.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	o := runOptions{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&o)
	}
	ctx := context.Background()

	reg, err := loadRegistry(scenario.Entities)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(":memory:", store.WithLogger(o.logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	descs := make([]*entity.Descriptor, 0, len(reg.Names()))
	for _, name := range reg.Names() {
		descs = append(descs, reg.MustDescribe(name))
	}
	if err := st.Migrate(ctx, descs...); err != nil {
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	prefix := scenario.IDPrefix
	if prefix == "" {
		prefix = "plan"
	}
	h := &Harness{
		registry: reg,
		store:    st,
		cache:    derive.NewCache(nil),
		ids:      plan.NewSequenceGenerator(prefix),
		logger:   o.logger,
		repos:    make(map[string]*repository.Repository),
		session:  repository.NewSession(st, repository.WithSessionID(scenario.Name)),
	}
	defer h.session.Close()

	if err := h.executeSeed(ctx, scenario.Seed); err != nil {
		return nil, fmt.Errorf("failed to execute seed: %w", err)
	}

	result := newResult()
	for i, step := range scenario.Steps {
		h.executeStep(ctx, i, step, result)
	}

	for _, msg := range EvaluateAssertions(ctx, h, scenario.Assertions) {
		result.failf("%s", msg)
	}
	return result, nil
}

// loadRegistry compiles, validates and links the entity files.
func loadRegistry(paths []string) (*entity.Registry, error) {
	defs, err := compiler.CompileFiles(paths...)
	if err != nil {
		return nil, fmt.Errorf("failed to compile entities: %w", err)
	}
	if verrs := compiler.Validate(defs); len(verrs) > 0 {
		errs := make([]error, len(verrs))
		for i, ve := range verrs {
			errs[i] = ve
		}
		return nil, fmt.Errorf("invalid entities: %w", errors.Join(errs...))
	}
	reg, err := entity.NewRegistry(defs...)
	if err != nil {
		return nil, fmt.Errorf("failed to link entities: %w", err)
	}
	return reg, nil
}

// repository returns the repository for name, creating it on first use.
func (h *Harness) repository(name string) (*repository.Repository, error) {
	if r, ok := h.repos[name]; ok {
		return r, nil
	}
	desc, err := h.registry.Describe(name)
	if err != nil {
		return nil, err
	}
	r := repository.New(desc,
		repository.WithCache(h.cache),
		repository.WithIDs(h.ids),
		repository.WithLogger(h.logger),
		repository.WithPlanHook(func(p *plan.QueryPlan) { h.plans = append(h.plans, p) }),
	)
	h.repos[name] = r
	return r, nil
}

// Seed saves seed rows in order. A scalar under an association property
// is taken as the target's identity.
func Seed(ctx context.Context, st *store.Store, reg *entity.Registry, seed []SeedStep) error {
	for i, step := range seed {
		desc, err := reg.Describe(step.Entity)
		if err != nil {
			return fmt.Errorf("seed[%d]: %w", i, err)
		}
		rows := make([]ir.Record, len(step.Rows))
		for j, raw := range step.Rows {
			rec, err := seedRecord(desc, raw)
			if err != nil {
				return fmt.Errorf("seed[%d].rows[%d]: %w", i, j, err)
			}
			rows[j] = rec
		}
		if err := st.Save(ctx, desc, rows...); err != nil {
			return fmt.Errorf("seed[%d]: %w", i, err)
		}
	}
	return nil
}

func (h *Harness) executeSeed(ctx context.Context, seed []SeedStep) error {
	if err := Seed(ctx, h.store, h.registry, seed); err != nil {
		return err
	}
	for _, step := range seed {
		h.logger.Info("seed saved", "entity", step.Entity, "rows", len(step.Rows))
	}
	return nil
}

// seedRecord converts a YAML row.
func seedRecord(desc *entity.Descriptor, raw map[string]any) (ir.Record, error) {
	v, err := ir.FromAny(raw)
	if err != nil {
		return nil, err
	}
	rec := v.(ir.Record)
	for name, val := range rec {
		prop, ok := desc.Property(name)
		if !ok {
			return nil, fmt.Errorf("unknown property %q on %s", name, desc.Name())
		}
		if !prop.IsAssociation() || ir.IsNull(val) {
			continue
		}
		if _, isRec := val.(ir.Record); !isRec {
			rec[name] = ir.Record{prop.Target.Identity(): val}
		}
	}
	return rec, nil
}

// executeStep runs one step, records its trace and checks its expect
// clause.
func (h *Harness) executeStep(ctx context.Context, index int, step Step, result *Result) {
	label := fmt.Sprintf("steps[%d] %s", index, step.Label())
	h.plans = nil

	var res stepResult
	repo, err := h.repository(step.Entity)
	if err == nil {
		res, err = h.execute(ctx, repo, step)
	}

	ev := TraceEvent{Step: step.Label(), Entity: step.Entity, Outcome: res.outcome}
	for _, p := range h.plans {
		ev.Plans = append(ev.Plans, p.Trace())
	}
	if err != nil {
		ev.Outcome = ir.Record{"error": ir.String(err.Error())}
	}
	result.record(ev)

	msgs := checkExpect(step.Expect, res, err)
	for _, msg := range msgs {
		result.failf("%s: %s", label, msg)
	}
	h.logger.Info("step completed",
		"step", index,
		"label", step.Label(),
		"plans", len(h.plans),
		"failures", len(msgs),
	)
}

func (h *Harness) execute(ctx context.Context, repo *repository.Repository, step Step) (stepResult, error) {
	if step.Bulk != nil {
		return h.executeBulk(ctx, repo, *step.Bulk)
	}

	tmpl, err := h.cache.Template(step.Query, repo.Entity())
	if err != nil {
		return stepResult{}, err
	}
	if step.ReadOnly || len(step.Fetch) > 0 {
		repo.Annotate(step.Query, repository.Hints{ReadOnly: step.ReadOnly, Fetch: step.Fetch})
	}

	sess := h.session
	switch tmpl.Subject() {
	case plan.SubjectCount:
		n, err := repo.Count(ctx, sess, step.Query, step.Args...)
		return stepResult{outcome: ir.Record{"count": ir.Int(n)}}, err
	case plan.SubjectExists:
		ok, err := repo.Exists(ctx, sess, step.Query, step.Args...)
		return stepResult{outcome: ir.Record{"exists": ir.Bool(ok)}}, err
	case plan.SubjectDelete:
		n, err := repo.Delete(ctx, sess, step.Query, step.Args...)
		return stepResult{outcome: ir.Record{"affected": ir.Int(n)}}, err
	}

	if len(step.Projection) > 0 {
		values, err := repo.FindProjected(ctx, sess, step.Query, projection.NewClosed(step.Projection...), step.Args...)
		if err != nil {
			return stepResult{}, err
		}
		rows := make([]ir.Record, len(values))
		list := make(ir.List, len(values))
		for i, v := range values {
			rows[i] = v.(ir.Record)
			list[i] = rows[i]
		}
		return stepResult{outcome: ir.Record{"rows": list}, rows: rows}, nil
	}

	desc := repo.Entity()
	if step.Page != nil {
		req, err := pageRequest(*step.Page)
		if err != nil {
			return stepResult{}, err
		}
		if step.Slice {
			s, err := repo.FindSlice(ctx, sess, step.Query, req, step.Args...)
			if err != nil {
				return stepResult{}, err
			}
			return stepResult{
				outcome: ir.Record{"ids": identities(desc, s.Content()), "has_next": ir.Bool(s.HasNext())},
				rows:    s.Content(),
			}, nil
		}
		pg, err := repo.FindPage(ctx, sess, step.Query, req, step.Args...)
		if err != nil {
			return stepResult{}, err
		}
		return stepResult{
			outcome: ir.Record{
				"ids":      identities(desc, pg.Content()),
				"total":    ir.Int(pg.TotalElements()),
				"has_next": ir.Bool(pg.HasNext()),
			},
			rows: pg.Content(),
		}, nil
	}

	var rows []ir.Record
	switch resultShape(step.Shape, tmpl.Shape()) {
	case ShapeOne:
		var rec ir.Record
		rec, err = repo.FindOne(ctx, sess, step.Query, step.Args...)
		if err == nil {
			rows = []ir.Record{rec}
		}
	case ShapeOptional:
		var (
			rec ir.Record
			ok  bool
		)
		rec, ok, err = repo.FindOptional(ctx, sess, step.Query, step.Args...)
		if ok {
			rows = []ir.Record{rec}
		}
	default:
		rows, err = repo.FindAll(ctx, sess, step.Query, step.Args...)
	}
	if err != nil {
		return stepResult{}, err
	}
	return stepResult{outcome: ir.Record{"ids": identities(desc, rows)}, rows: rows}, nil
}

func (h *Harness) executeBulk(ctx context.Context, repo *repository.Repository, bulk BulkSpec) (stepResult, error) {
	spec, err := buildSpec(repo.Entity(), bulk.Where)
	if err != nil {
		return stepResult{}, err
	}
	mod := repository.Modifying{ClearAutomatically: bulk.Clear}

	var n int64
	if bulk.Delete {
		n, err = repo.DeleteMatching(ctx, h.session, spec, mod)
	} else {
		var as []plan.Assignment
		as, err = assignments(bulk)
		if err == nil {
			n, err = repo.Update(ctx, h.session, spec, mod, as...)
		}
	}
	if err != nil {
		return stepResult{}, err
	}
	return stepResult{outcome: ir.Record{"affected": ir.Int(n)}}, nil
}

// buildSpec ANDs the conditions together. No conditions match every row.
func buildSpec(desc *entity.Descriptor, where []Condition) (specification.Specification, error) {
	specs := make([]specification.Specification, 0, len(where))
	for i, c := range where {
		op := queryir.Operator(c.Op)
		if !op.Valid() {
			return specification.Specification{}, fmt.Errorf("where[%d]: unknown operator %q", i, c.Op)
		}
		operands, err := ir.Values(c.Args...)
		if err != nil {
			return specification.Specification{}, fmt.Errorf("where[%d]: %w", i, err)
		}
		if op.TakesList() && len(operands) > 0 {
			if _, isList := operands[0].(ir.List); !isList {
				operands = []ir.Value{ir.List(operands)}
			}
		}
		s, err := specification.Where(desc, c.Path, op, operands...)
		if err != nil {
			return specification.Specification{}, fmt.Errorf("where[%d]: %w", i, err)
		}
		if c.IgnoreCase {
			s = s.IgnoringCase()
		}
		specs = append(specs, s)
	}
	return specification.AllOf(specs...), nil
}

// assignments orders Set before Increment, each by path, so plans are
// deterministic.
func assignments(bulk BulkSpec) ([]plan.Assignment, error) {
	var out []plan.Assignment
	for _, path := range sortedKeys(bulk.Set) {
		v, err := ir.FromAny(bulk.Set[path])
		if err != nil {
			return nil, fmt.Errorf("set %s: %w", path, err)
		}
		out = append(out, plan.Set(path, plan.Literal{Value: v}))
	}
	incs := make([]string, 0, len(bulk.Increment))
	for path := range bulk.Increment {
		incs = append(incs, path)
	}
	sort.Strings(incs)
	for _, path := range incs {
		out = append(out, plan.Increment(path, bulk.Increment[path]))
	}
	return out, nil
}

// pageRequest parses "path" and "path desc" sort entries.
func pageRequest(spec PageSpec) (plan.PageRequest, error) {
	orders := make([]plan.Order, 0, len(spec.Sort))
	for _, s := range spec.Sort {
		fields := strings.Fields(s)
		switch {
		case len(fields) == 1:
			orders = append(orders, plan.Asc(fields[0]))
		case len(fields) == 2 && strings.EqualFold(fields[1], "asc"):
			orders = append(orders, plan.Asc(fields[0]))
		case len(fields) == 2 && strings.EqualFold(fields[1], "desc"):
			orders = append(orders, plan.Desc(fields[0]))
		default:
			return plan.PageRequest{}, fmt.Errorf("invalid sort %q", s)
		}
	}
	return plan.NewPageRequest(spec.Index, spec.Size, orders...)
}

func resultShape(override string, hinted derive.Shape) string {
	switch strings.ToLower(override) {
	case ShapeOne:
		return ShapeOne
	case ShapeOptional:
		return ShapeOptional
	case ShapeList:
		return ShapeList
	}
	switch hinted {
	case derive.ShapeOne:
		return ShapeOne
	case derive.ShapeOptional:
		return ShapeOptional
	}
	return ShapeList
}

func identities(desc *entity.Descriptor, rows []ir.Record) ir.List {
	out := make(ir.List, len(rows))
	for i, r := range rows {
		id, ok := r[desc.Identity()]
		if !ok {
			id = ir.Null{}
		}
		out[i] = id
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
