package repository

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/roach88/qplan/internal/derive"
	"github.com/roach88/qplan/internal/entity"
	"github.com/roach88/qplan/internal/ir"
	"github.com/roach88/qplan/internal/metrics"
	"github.com/roach88/qplan/internal/page"
	"github.com/roach88/qplan/internal/plan"
	"github.com/roach88/qplan/internal/projection"
	"github.com/roach88/qplan/internal/specification"
	"github.com/roach88/qplan/internal/store"
)

// Hints are the per-query settings a signature alone cannot carry: the
// lock to take, read-only mode, associations to fetch eagerly and a
// default sort appended after any sort the signature names.
type Hints struct {
	Lock     plan.LockMode
	ReadOnly bool
	Fetch    []string
	Sort     plan.Sort
}

// Modifying configures a bulk update or delete.
type Modifying struct {
	// ClearAutomatically clears the session's identity cache once the
	// statement has run.
	ClearAutomatically bool
}

// Repository derives and runs queries for one entity.
//
// Thread-safety: a Repository is safe for concurrent use. Sessions are
// not.
type Repository struct {
	desc      *entity.Descriptor
	cache     *derive.Cache
	compiler  *plan.Compiler
	metrics   *metrics.Metrics
	logger    *slog.Logger
	clearAuto bool
	onPlan    func(*plan.QueryPlan)

	mu       sync.RWMutex
	hints    map[string]Hints
	declared map[string]Declared
}

// Option configures a Repository.
type Option func(*Repository)

// WithCache shares a template cache between repositories.
func WithCache(c *derive.Cache) Option {
	return func(r *Repository) { r.cache = c }
}

// WithIDs sets the plan ID generator. Defaults to UUIDv7.
func WithIDs(g plan.IDGenerator) Option {
	return func(r *Repository) { r.compiler.IDs = g }
}

// WithMetrics records compiled plans, executions and rows.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Repository) {
		r.metrics = m
		r.compiler.Metrics = m
	}
}

// WithLogger sets the logger. Defaults to discarding output.
func WithLogger(l *slog.Logger) Option {
	return func(r *Repository) { r.logger = l }
}

// WithClearAutomatically makes every bulk statement clear the identity
// cache, whatever its Modifying says.
func WithClearAutomatically(on bool) Option {
	return func(r *Repository) { r.clearAuto = on }
}

// WithPlanHook calls fn with every plan the repository compiles, before
// it runs.
func WithPlanHook(fn func(*plan.QueryPlan)) Option {
	return func(r *Repository) { r.onPlan = fn }
}

// New creates a repository for desc.
func New(desc *entity.Descriptor, opts ...Option) *Repository {
	r := &Repository{
		desc:     desc,
		compiler: &plan.Compiler{},
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		hints:    make(map[string]Hints),
		declared: make(map[string]Declared),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cache == nil {
		r.cache = derive.NewCache(r.metrics)
	}
	return r
}

// Entity returns the repository's descriptor.
func (r *Repository) Entity() *entity.Descriptor { return r.desc }

// Annotate attaches hints to a signature. Later calls replace earlier ones.
func (r *Repository) Annotate(signature string, h Hints) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hints[signature] = h
}

// FindAll runs a find signature and returns every matching row.
func (r *Repository) FindAll(ctx context.Context, sess *Session, signature string, args ...any) ([]ir.Record, error) {
	in, err := r.derive(signature, plan.SubjectFind, args)
	if err != nil {
		return nil, err
	}
	p, err := r.compile(in)
	if err != nil {
		return nil, err
	}
	return r.fetchAll(ctx, sess, p)
}

// FindOne runs a find signature that must match exactly one row.
func (r *Repository) FindOne(ctx context.Context, sess *Session, signature string, args ...any) (ir.Record, error) {
	rows, err := r.FindAll(ctx, sess, signature, args...)
	if err != nil {
		return nil, err
	}
	return single(signature, rows)
}

// FindOptional runs a find signature that matches at most one row. No
// match is reported as ok=false, never as an error.
func (r *Repository) FindOptional(ctx context.Context, sess *Session, signature string, args ...any) (ir.Record, bool, error) {
	rows, err := r.FindAll(ctx, sess, signature, args...)
	if err != nil {
		return nil, false, err
	}
	switch len(rows) {
	case 0:
		return nil, false, nil
	case 1:
		return rows[0], true, nil
	}
	return nil, false, &NonUniqueResultError{Query: signature, Count: len(rows)}
}

// FindPage runs a find signature for one page with its total count.
func (r *Repository) FindPage(ctx context.Context, sess *Session, signature string, req plan.PageRequest, args ...any) (page.Page[ir.Record], error) {
	in, err := r.derive(signature, plan.SubjectFind, args)
	if err != nil {
		return page.Page[ir.Record]{}, err
	}
	in.Page = &req
	p, err := r.compile(in)
	if err != nil {
		return page.Page[ir.Record]{}, err
	}
	return r.fetchPage(ctx, sess, p)
}

// FindSlice runs a find signature for one window that only knows whether
// more rows follow.
func (r *Repository) FindSlice(ctx context.Context, sess *Session, signature string, req plan.PageRequest, args ...any) (page.Slice[ir.Record], error) {
	in, err := r.derive(signature, plan.SubjectFind, args)
	if err != nil {
		return page.Slice[ir.Record]{}, err
	}
	in.Page = &req
	p, err := r.compile(in)
	if err != nil {
		return page.Slice[ir.Record]{}, err
	}
	s, err := page.FetchSlice(ctx, sess.source(p), p, page.WithMetrics(r.metrics))
	r.observe(p, err)
	if err != nil {
		return page.Slice[ir.Record]{}, err
	}
	return page.NewSlice(sess.manage(p, s.Content()), s.Request(), s.HasNext()), nil
}

// FindProjected runs a find signature and reshapes every row through proj.
// Projected values are not managed.
func (r *Repository) FindProjected(ctx context.Context, sess *Session, signature string, proj projection.Projection, args ...any) ([]any, error) {
	in, err := r.derive(signature, plan.SubjectFind, args)
	if err != nil {
		return nil, err
	}
	shape, err := proj.Describe(r.desc)
	if err != nil {
		return nil, err
	}
	in.Projection = &shape
	p, err := r.compile(in)
	if err != nil {
		return nil, err
	}
	rows, err := page.FetchAll(ctx, sess.source(p), p, page.WithMetrics(r.metrics))
	r.observe(p, err)
	if err != nil {
		return nil, err
	}
	return projection.Apply(ctx, proj, r.desc, rows, sess.store)
}

// FindByID returns the managed record for id, loading it when the session
// does not hold it yet.
func (r *Repository) FindByID(ctx context.Context, sess *Session, id any) (ir.Record, bool, error) {
	v, err := ir.FromAny(id)
	if err != nil {
		return nil, false, fmt.Errorf("find %s by id: %w", r.desc.Name(), err)
	}
	if rec, ok := sess.Managed(r.desc, v); ok {
		return rec, true, nil
	}
	rec, err := sess.store.Load(ctx, r.desc, v)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	sess.managed[cacheKey(r.desc, v)] = rec
	return rec, true, nil
}

// Save writes records and makes them the managed instances.
func (r *Repository) Save(ctx context.Context, sess *Session, recs ...ir.Record) error {
	if err := sess.store.Save(ctx, r.desc, recs...); err != nil {
		return err
	}
	for _, rec := range recs {
		sess.managed[cacheKey(r.desc, rec[r.desc.Identity()])] = rec.Clone()
	}
	return nil
}

// Count runs a countBy signature.
func (r *Repository) Count(ctx context.Context, sess *Session, signature string, args ...any) (int64, error) {
	in, err := r.derive(signature, plan.SubjectCount, args)
	if err != nil {
		return 0, err
	}
	p, err := r.compile(in)
	if err != nil {
		return 0, err
	}
	n, err := sess.store.Count(ctx, p)
	r.observe(p, err)
	return n, err
}

// Exists runs an existsBy signature.
func (r *Repository) Exists(ctx context.Context, sess *Session, signature string, args ...any) (bool, error) {
	in, err := r.derive(signature, plan.SubjectExists, args)
	if err != nil {
		return false, err
	}
	p, err := r.compile(in)
	if err != nil {
		return false, err
	}
	found, err := sess.store.Exists(ctx, p)
	r.observe(p, err)
	return found, err
}

// Delete runs a deleteBy signature. Unlike DeleteMatching it reads the
// matching rows first and detaches them from the session, so the identity
// cache never serves a deleted row.
func (r *Repository) Delete(ctx context.Context, sess *Session, signature string, args ...any) (int64, error) {
	in, err := r.derive(signature, plan.SubjectDelete, args)
	if err != nil {
		return 0, err
	}
	find, err := r.compile(plan.Input{Subject: plan.SubjectFind, Predicate: in.Predicate, ReadOnly: true})
	if err != nil {
		return 0, err
	}
	doomed, err := page.FetchAll(ctx, sess.store, find)
	r.observe(find, err)
	if err != nil {
		return 0, err
	}

	p, err := r.compile(plan.Input{Subject: plan.SubjectDelete, Predicate: in.Predicate})
	if err != nil {
		return 0, err
	}
	n, err := sess.store.Execute(ctx, p)
	r.observe(p, err)
	if err != nil {
		return 0, err
	}
	for _, row := range doomed {
		sess.Detach(r.desc, row[r.desc.Identity()])
	}
	r.logger.Info("derived delete executed", "entity", r.desc.Name(), "signature", signature, "rows", n)
	return n, nil
}

// Matching returns every row satisfying spec in sort order.
func (r *Repository) Matching(ctx context.Context, sess *Session, spec specification.Specification, sort plan.Sort) ([]ir.Record, error) {
	p, err := r.compileSpec(spec, plan.Input{Subject: plan.SubjectFind, Sort: sort})
	if err != nil {
		return nil, err
	}
	return r.fetchAll(ctx, sess, p)
}

// MatchingOne returns the single row satisfying spec.
func (r *Repository) MatchingOne(ctx context.Context, sess *Session, spec specification.Specification) (ir.Record, error) {
	rows, err := r.Matching(ctx, sess, spec, nil)
	if err != nil {
		return nil, err
	}
	return single(spec.String(), rows)
}

// MatchingPage returns one page of the rows satisfying spec.
func (r *Repository) MatchingPage(ctx context.Context, sess *Session, spec specification.Specification, req plan.PageRequest) (page.Page[ir.Record], error) {
	p, err := r.compileSpec(spec, plan.Input{Subject: plan.SubjectFind, Page: &req})
	if err != nil {
		return page.Page[ir.Record]{}, err
	}
	return r.fetchPage(ctx, sess, p)
}

// MatchingCount counts the rows satisfying spec.
func (r *Repository) MatchingCount(ctx context.Context, sess *Session, spec specification.Specification) (int64, error) {
	p, err := r.compileSpec(spec, plan.Input{Subject: plan.SubjectCount})
	if err != nil {
		return 0, err
	}
	n, err := sess.store.Count(ctx, p)
	r.observe(p, err)
	return n, err
}

// Update applies assignments to every row satisfying spec in one
// statement and returns the affected row count. Managed records are not
// refreshed unless mod clears the session.
func (r *Repository) Update(ctx context.Context, sess *Session, spec specification.Specification, mod Modifying, assignments ...plan.Assignment) (int64, error) {
	p, err := r.compileSpec(spec, plan.Input{
		Subject:            plan.SubjectUpdate,
		Assignments:        assignments,
		ClearAutomatically: mod.ClearAutomatically || r.clearAuto,
	})
	if err != nil {
		return 0, err
	}
	return r.executeBulk(ctx, sess, p)
}

// DeleteMatching deletes every row satisfying spec in one statement.
// Managed records of deleted rows stay in the session unless mod clears
// it.
func (r *Repository) DeleteMatching(ctx context.Context, sess *Session, spec specification.Specification, mod Modifying) (int64, error) {
	p, err := r.compileSpec(spec, plan.Input{
		Subject:            plan.SubjectDelete,
		ClearAutomatically: mod.ClearAutomatically || r.clearAuto,
	})
	if err != nil {
		return 0, err
	}
	return r.executeBulk(ctx, sess, p)
}

func (r *Repository) executeBulk(ctx context.Context, sess *Session, p *plan.QueryPlan) (int64, error) {
	n, err := sess.store.Execute(ctx, p)
	r.observe(p, err)
	if err != nil {
		return 0, err
	}

	cleared := p.ClearAutomatically()
	if cleared {
		sess.Clear()
	}
	r.logger.Info("bulk statement executed", "entity", r.desc.Name(), "subject", p.Subject(), "rows", n, "cache_cleared", cleared)
	if stale := sess.managedOf(r.desc); !cleared && stale > 0 && n > 0 {
		r.logger.Warn("managed records may be stale after bulk statement",
			"entity", r.desc.Name(),
			"managed", stale,
			"plan", p.ID(),
		)
	}
	return n, nil
}

// derive parses signature through the cache, binds args and applies any
// hints annotated for it.
func (r *Repository) derive(signature string, want plan.Subject, args []any) (plan.Input, error) {
	vals, err := ir.Values(args...)
	if err != nil {
		return plan.Input{}, fmt.Errorf("derive %q: %w", signature, err)
	}
	d, err := r.cache.Derive(signature, r.desc, vals...)
	if err != nil {
		return plan.Input{}, err
	}
	if d.Subject != want {
		return plan.Input{}, &SubjectMismatchError{Signature: signature, Want: want, Got: d.Subject}
	}

	in := d.Input()
	r.mu.RLock()
	h, ok := r.hints[signature]
	r.mu.RUnlock()
	if ok {
		h.apply(&in)
	}
	return in, nil
}

func (h Hints) apply(in *plan.Input) {
	in.Lock = h.Lock
	in.ReadOnly = h.ReadOnly
	for _, f := range h.Fetch {
		in.Fetch = append(in.Fetch, entity.ParsePath(f))
	}
	in.Sort = in.Sort.Merge(h.Sort)
}

// compileSpec compiles in with spec as its predicate.
func (r *Repository) compileSpec(spec specification.Specification, in plan.Input) (*plan.QueryPlan, error) {
	if d := spec.Entity(); d != nil && (d.Name() != r.desc.Name() || d.Fingerprint() != r.desc.Fingerprint()) {
		return nil, fmt.Errorf("specification for %s used with %s repository", d.Name(), r.desc.Name())
	}
	in.Predicate = spec.Node()
	return r.compile(in)
}

func (r *Repository) compile(in plan.Input) (*plan.QueryPlan, error) {
	p, err := r.compiler.Compile(r.desc, in)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("plan compiled",
		"plan", p.ID(),
		"subject", p.Subject(),
		"fingerprint", p.Fingerprint()[:12],
		"query", p.String(),
	)
	if r.onPlan != nil {
		r.onPlan(p)
	}
	return p, nil
}

func (r *Repository) fetchAll(ctx context.Context, sess *Session, p *plan.QueryPlan) ([]ir.Record, error) {
	rows, err := page.FetchAll(ctx, sess.source(p), p, page.WithMetrics(r.metrics))
	r.observe(p, err)
	if err != nil {
		return nil, err
	}
	return sess.manage(p, rows), nil
}

func (r *Repository) fetchPage(ctx context.Context, sess *Session, p *plan.QueryPlan, opts ...page.Option) (page.Page[ir.Record], error) {
	opts = append(opts, page.WithMetrics(r.metrics))
	pg, err := page.FetchPage(ctx, sess.source(p), p, opts...)
	r.observe(p, err)
	if err != nil {
		return page.Page[ir.Record]{}, err
	}
	return page.New(sess.manage(p, pg.Content()), pg.Request(), pg.TotalElements()), nil
}

func (r *Repository) observe(p *plan.QueryPlan, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
		r.logger.Debug("plan failed", "plan", p.ID(), "error", err)
	}
	r.metrics.PlanExecuted(string(p.Subject()), outcome)
}

func single(query string, rows []ir.Record) (ir.Record, error) {
	switch len(rows) {
	case 0:
		return nil, &EmptyResultError{Query: query}
	case 1:
		return rows[0], nil
	}
	return nil, &NonUniqueResultError{Query: query, Count: len(rows)}
}
