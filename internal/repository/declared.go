package repository

import (
	"context"
	"fmt"

	"github.com/roach88/qplan/internal/ir"
	"github.com/roach88/qplan/internal/page"
	"github.com/roach88/qplan/internal/plan"
	"github.com/roach88/qplan/internal/specification"
)

// Declared is a named query assembled from parts instead of derived from
// a signature.
type Declared struct {
	Spec  specification.Specification
	Sort  plan.Sort
	Hints Hints

	// Count replaces the page total query. Nil counts rows satisfying
	// Spec.
	Count *specification.Specification
}

// Declare registers a named query. Names are unique per repository.
func (r *Repository) Declare(name string, d Declared) error {
	for _, s := range []*specification.Specification{&d.Spec, d.Count} {
		if s == nil {
			continue
		}
		if e := s.Entity(); e != nil && e.Name() != r.desc.Name() {
			return fmt.Errorf("declare %q: specification for %s used with %s repository", name, e.Name(), r.desc.Name())
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.declared[name]; dup {
		return fmt.Errorf("declare %q: already declared", name)
	}
	r.declared[name] = d
	return nil
}

// FindDeclared runs a declared query and returns every row.
func (r *Repository) FindDeclared(ctx context.Context, sess *Session, name string) ([]ir.Record, error) {
	d, err := r.lookupDeclared(name)
	if err != nil {
		return nil, err
	}
	p, err := r.compileSpec(d.Spec, d.input(nil))
	if err != nil {
		return nil, err
	}
	return r.fetchAll(ctx, sess, p)
}

// FindDeclaredPage runs a declared query for one page. The declared count
// query, when present, supplies the total.
func (r *Repository) FindDeclaredPage(ctx context.Context, sess *Session, name string, req plan.PageRequest) (page.Page[ir.Record], error) {
	d, err := r.lookupDeclared(name)
	if err != nil {
		return page.Page[ir.Record]{}, err
	}
	p, err := r.compileSpec(d.Spec, d.input(&req))
	if err != nil {
		return page.Page[ir.Record]{}, err
	}

	var opts []page.Option
	if d.Count != nil {
		countPlan, err := r.compileSpec(*d.Count, plan.Input{Subject: plan.SubjectCount})
		if err != nil {
			return page.Page[ir.Record]{}, fmt.Errorf("count query of %q: %w", name, err)
		}
		opts = append(opts, page.WithCount(func(ctx context.Context) (int64, error) {
			n, err := sess.store.Count(ctx, countPlan)
			r.observe(countPlan, err)
			return n, err
		}))
	}
	return r.fetchPage(ctx, sess, p, opts...)
}

func (r *Repository) lookupDeclared(name string) (Declared, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.declared[name]
	if !ok {
		return Declared{}, fmt.Errorf("no query declared as %q on %s", name, r.desc.Name())
	}
	return d, nil
}

func (d Declared) input(req *plan.PageRequest) plan.Input {
	in := plan.Input{Subject: plan.SubjectFind, Sort: plan.By(d.Sort...), Page: req}
	d.Hints.apply(&in)
	return in
}
