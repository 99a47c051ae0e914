package page

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/qplan/internal/ir"
	"github.com/roach88/qplan/internal/metrics"
	"github.com/roach88/qplan/internal/plan"
)

// ErrNoPageRequest is returned by FetchPage and FetchSlice for plans
// compiled without a page request.
var ErrNoPageRequest = errors.New("plan has no page request")

// Window is the row range a fetch asks for. Limit 0 means unbounded.
type Window struct {
	Offset int
	Limit  int
}

// RowSource is the execution collaborator as seen by this package.
type RowSource interface {
	Fetch(ctx context.Context, p *plan.QueryPlan, w Window) ([]ir.Record, error)
	Count(ctx context.Context, p *plan.QueryPlan) (int64, error)
}

// Counter overrides the count query of a page.
type Counter func(ctx context.Context) (int64, error)

// Option configures a fetch.
type Option func(*options)

type options struct {
	counter Counter
	metrics *metrics.Metrics
}

// WithCount replaces RowSource.Count for the total-element query.
func WithCount(c Counter) Option {
	return func(o *options) { o.counter = c }
}

// WithMetrics records fetched rows and avoided count queries.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func collect(opts []Option) options {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// FetchAll returns every matching row honoring only sort and the plan's
// result cap.
func FetchAll(ctx context.Context, src RowSource, p *plan.QueryPlan, opts ...Option) ([]ir.Record, error) {
	o := collect(opts)
	rows, err := src.Fetch(ctx, p, Window{Limit: p.MaxResults()})
	if err != nil {
		return nil, err
	}
	o.metrics.RowsFetched(len(rows))
	return rows, nil
}

// FetchPage returns the page named by the plan's page request.
//
// The total comes from the content when the content proves it: a first
// page shorter than the page size, or any non-empty page shorter than the
// page size. Otherwise the counter (or RowSource.Count) is asked.
func FetchPage(ctx context.Context, src RowSource, p *plan.QueryPlan, opts ...Option) (Page[ir.Record], error) {
	req, ok := p.Page()
	if !ok {
		return Page[ir.Record]{}, ErrNoPageRequest
	}
	o := collect(opts)

	w, ok := window(p, req, req.Size)
	var rows []ir.Record
	if ok {
		var err error
		rows, err = src.Fetch(ctx, p, w)
		if err != nil {
			return Page[ir.Record]{}, err
		}
	}
	o.metrics.RowsFetched(len(rows))

	if total, proven := provenTotal(req, len(rows)); proven {
		o.metrics.CountSkipped()
		return New(rows, req, total), nil
	}

	count := o.counter
	if count == nil {
		count = func(ctx context.Context) (int64, error) { return src.Count(ctx, p) }
	}
	total, err := count(ctx)
	if err != nil {
		return Page[ir.Record]{}, fmt.Errorf("count: %w", err)
	}
	if limit := int64(p.MaxResults()); limit > 0 && total > limit {
		total = limit
	}
	return New(rows, req, total), nil
}

// FetchSlice returns the slice named by the plan's page request. One row
// past the page size is requested to learn whether more rows follow.
func FetchSlice(ctx context.Context, src RowSource, p *plan.QueryPlan, opts ...Option) (Slice[ir.Record], error) {
	req, ok := p.Page()
	if !ok {
		return Slice[ir.Record]{}, ErrNoPageRequest
	}
	o := collect(opts)

	w, ok := window(p, req, req.Size+1)
	if !ok {
		return NewSlice[ir.Record](nil, req, false), nil
	}
	rows, err := src.Fetch(ctx, p, w)
	if err != nil {
		return Slice[ir.Record]{}, err
	}
	o.metrics.RowsFetched(len(rows))

	hasNext := len(rows) > req.Size
	if hasNext {
		rows = rows[:req.Size]
	}
	return NewSlice(rows, req, hasNext), nil
}

// window computes the fetch range, clamped to the plan's result cap.
// It reports false when the range lies entirely past the cap.
func window(p *plan.QueryPlan, req plan.PageRequest, limit int) (Window, bool) {
	w := Window{Offset: req.Offset(), Limit: limit}
	if limit := p.MaxResults(); limit > 0 {
		if w.Offset >= limit {
			return Window{}, false
		}
		w.Limit = min(w.Limit, limit-w.Offset)
	}
	return w, true
}

func provenTotal(req plan.PageRequest, fetched int) (int64, bool) {
	if fetched >= req.Size {
		return 0, false
	}
	if req.Offset() == 0 || fetched > 0 {
		return int64(req.Offset() + fetched), true
	}
	return 0, false
}

// Kind selects the result shape of Paginate.
type Kind int

const (
	KindAll Kind = iota
	KindSlice
	KindPage
)

// Result holds exactly one of Rows, Slice or Page, according to Kind.
type Result struct {
	Kind  Kind
	Rows  []ir.Record
	Slice Slice[ir.Record]
	Page  Page[ir.Record]
}

// Paginate dispatches on kind. A plan without a page request always yields
// every row.
func Paginate(ctx context.Context, src RowSource, p *plan.QueryPlan, kind Kind, opts ...Option) (Result, error) {
	if _, ok := p.Page(); !ok {
		kind = KindAll
	}
	switch kind {
	case KindSlice:
		s, err := FetchSlice(ctx, src, p, opts...)
		return Result{Kind: kind, Slice: s}, err
	case KindPage:
		pg, err := FetchPage(ctx, src, p, opts...)
		return Result{Kind: kind, Page: pg}, err
	default:
		rows, err := FetchAll(ctx, src, p, opts...)
		return Result{Kind: KindAll, Rows: rows}, err
	}
}
