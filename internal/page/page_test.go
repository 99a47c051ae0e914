package page

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/qplan/internal/ir"
	"github.com/roach88/qplan/internal/metrics"
	"github.com/roach88/qplan/internal/plan"
	"github.com/roach88/qplan/internal/queryir"
	fixtures "github.com/roach88/qplan/internal/testutil"
)

// memSource filters rows in memory and records every call.
type memSource struct {
	rows    []ir.Record
	windows []Window
	counts  int
	err     error
}

func (m *memSource) matching(p *plan.QueryPlan) []ir.Record {
	var out []ir.Record
	for _, r := range m.rows {
		if queryir.Eval(p.Predicate(), r) {
			out = append(out, r)
		}
	}
	return out
}

func (m *memSource) Fetch(_ context.Context, p *plan.QueryPlan, w Window) ([]ir.Record, error) {
	m.windows = append(m.windows, w)
	if m.err != nil {
		return nil, m.err
	}
	rows := m.matching(p)
	if w.Offset >= len(rows) {
		return nil, nil
	}
	rows = rows[w.Offset:]
	if w.Limit > 0 && w.Limit < len(rows) {
		rows = rows[:w.Limit]
	}
	return rows, nil
}

func (m *memSource) Count(_ context.Context, p *plan.QueryPlan) (int64, error) {
	m.counts++
	return int64(len(m.matching(p))), nil
}

func counterValue(t *testing.T, m *metrics.Metrics, name string) float64 {
	t.Helper()
	families, err := m.Gatherer().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name && len(f.GetMetric()) > 0 {
			return f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}

func pagedPlan(t *testing.T, req plan.PageRequest, maxResults int) *plan.QueryPlan {
	t.Helper()
	c := &plan.Compiler{IDs: plan.NewSequenceGenerator("plan")}
	p, err := c.Compile(fixtures.MemberDescriptor(), plan.Input{
		Subject:    plan.SubjectFind,
		Page:       &req,
		MaxResults: maxResults,
	})
	require.NoError(t, err)
	return p
}

func TestFetchPage_FiveRowsSizeThree(t *testing.T) {
	src := &memSource{rows: fixtures.PagingDataset().Members}

	first, err := FetchPage(context.Background(), src, pagedPlan(t, plan.PageOf(0, 3, plan.Desc("username")), 0))
	require.NoError(t, err)
	assert.Len(t, first.Content(), 3)
	assert.Equal(t, int64(5), first.TotalElements())
	assert.Equal(t, 2, first.TotalPages())
	assert.True(t, first.IsFirst())
	assert.True(t, first.HasNext())
	assert.False(t, first.IsLast())
	assert.False(t, first.HasPrevious())
	assert.Equal(t, 1, src.counts)
	assert.Equal(t, Window{Offset: 0, Limit: 3}, src.windows[0])

	second, err := FetchPage(context.Background(), src, pagedPlan(t, first.Request().Next(), 0))
	require.NoError(t, err)
	assert.Len(t, second.Content(), 2)
	assert.Equal(t, int64(5), second.TotalElements())
	assert.False(t, second.HasNext())
	assert.True(t, second.IsLast())
	assert.True(t, second.HasPrevious())
	assert.Equal(t, 1, src.counts, "a short last page proves the total")
	assert.Equal(t, plan.By(plan.Desc("username")), second.Sort())
}

func TestFetchPage_CountAvoidance(t *testing.T) {
	m := metrics.New()
	src := &memSource{rows: fixtures.PagingDataset().Members}

	pg, err := FetchPage(context.Background(), src, pagedPlan(t, plan.PageOf(0, 10), 0), WithMetrics(m))
	require.NoError(t, err)
	assert.Equal(t, int64(5), pg.TotalElements())
	assert.Equal(t, 1, pg.TotalPages())
	assert.True(t, pg.IsLast())
	assert.Zero(t, src.counts)
	assert.Equal(t, 1.0, counterValue(t, m, "qplan_count_queries_skipped_total"))
	assert.Equal(t, 5.0, counterValue(t, m, "qplan_rows_total"))
}

func TestFetchPage_CountOverride(t *testing.T) {
	src := &memSource{rows: fixtures.PagingDataset().Members}
	calls := 0
	counter := func(context.Context) (int64, error) {
		calls++
		return 42, nil
	}

	pg, err := FetchPage(context.Background(), src, pagedPlan(t, plan.PageOf(0, 2), 0), WithCount(counter))
	require.NoError(t, err)
	assert.Equal(t, int64(42), pg.TotalElements())
	assert.Equal(t, 21, pg.TotalPages())
	assert.Equal(t, 1, calls)
	assert.Zero(t, src.counts)

	_, err = FetchPage(context.Background(), src, pagedPlan(t, plan.PageOf(0, 2), 0), WithCount(func(context.Context) (int64, error) {
		return 0, errors.New("boom")
	}))
	assert.ErrorContains(t, err, "count: boom")
}

func TestFetchPage_Empty(t *testing.T) {
	src := &memSource{}

	pg, err := FetchPage(context.Background(), src, pagedPlan(t, plan.PageOf(0, 3), 0))
	require.NoError(t, err)
	assert.Empty(t, pg.Content())
	assert.False(t, pg.HasContent())
	assert.Zero(t, pg.TotalElements())
	assert.Zero(t, pg.TotalPages())
	assert.True(t, pg.IsFirst())
	assert.True(t, pg.IsLast())
	assert.False(t, pg.HasNext())
	assert.Zero(t, src.counts)
}

func TestFetchPage_PastTheEnd(t *testing.T) {
	src := &memSource{rows: fixtures.PagingDataset().Members}

	pg, err := FetchPage(context.Background(), src, pagedPlan(t, plan.PageOf(4, 3), 0))
	require.NoError(t, err)
	assert.Empty(t, pg.Content())
	assert.Equal(t, int64(5), pg.TotalElements())
	assert.Equal(t, 1, src.counts)
}

func TestFetchPage_MaxResultsCapsWindowAndTotal(t *testing.T) {
	src := &memSource{rows: fixtures.PagingDataset().Members}

	pg, err := FetchPage(context.Background(), src, pagedPlan(t, plan.PageOf(1, 3), 4))
	require.NoError(t, err)
	assert.Equal(t, Window{Offset: 3, Limit: 1}, src.windows[0])
	assert.Len(t, pg.Content(), 1)
	assert.Equal(t, int64(4), pg.TotalElements())

	src.windows = nil
	pg, err = FetchPage(context.Background(), src, pagedPlan(t, plan.PageOf(2, 3), 4))
	require.NoError(t, err)
	assert.Empty(t, src.windows, "window past the cap is not fetched")
	assert.Equal(t, int64(4), pg.TotalElements())
}

func TestFetchSlice(t *testing.T) {
	src := &memSource{rows: fixtures.PagingDataset().Members}

	s, err := FetchSlice(context.Background(), src, pagedPlan(t, plan.PageOf(0, 3), 0))
	require.NoError(t, err)
	assert.Len(t, s.Content(), 3)
	assert.True(t, s.HasNext())
	assert.True(t, s.IsFirst())
	assert.False(t, s.IsLast())
	assert.Equal(t, Window{Offset: 0, Limit: 4}, src.windows[0])

	s, err = FetchSlice(context.Background(), src, pagedPlan(t, plan.PageOf(1, 3), 0))
	require.NoError(t, err)
	assert.Len(t, s.Content(), 2)
	assert.False(t, s.HasNext())
	assert.True(t, s.IsLast())
	assert.True(t, s.HasPrevious())

	assert.Zero(t, src.counts, "slices never count")
}

func TestFetchSlice_ExactFit(t *testing.T) {
	src := &memSource{rows: fixtures.PagingDataset().Members}

	s, err := FetchSlice(context.Background(), src, pagedPlan(t, plan.PageOf(0, 5), 0))
	require.NoError(t, err)
	assert.Len(t, s.Content(), 5)
	assert.False(t, s.HasNext())
}

func TestFetch_RequiresPageRequest(t *testing.T) {
	p, err := plan.Compile(fixtures.MemberDescriptor(), plan.Input{Subject: plan.SubjectFind})
	require.NoError(t, err)
	src := &memSource{}

	_, err = FetchPage(context.Background(), src, p)
	assert.ErrorIs(t, err, ErrNoPageRequest)
	_, err = FetchSlice(context.Background(), src, p)
	assert.ErrorIs(t, err, ErrNoPageRequest)
}

func TestFetchAll(t *testing.T) {
	desc := fixtures.MemberDescriptor()
	src := &memSource{rows: fixtures.BulkDataset().Members}

	p, err := plan.Compile(desc, plan.Input{
		Subject:   plan.SubjectFind,
		Predicate: queryir.NewLeaf([]string{"age"}, queryir.GreaterThanEqual, ir.Int(20)),
	})
	require.NoError(t, err)
	rows, err := FetchAll(context.Background(), src, p)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
	assert.Equal(t, Window{}, src.windows[0])

	p, err = plan.Compile(desc, plan.Input{Subject: plan.SubjectFind, MaxResults: 2})
	require.NoError(t, err)
	rows, err = FetchAll(context.Background(), src, p)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestFetch_PropagatesSourceErrors(t *testing.T) {
	src := &memSource{err: errors.New("disk on fire")}
	_, err := FetchPage(context.Background(), src, pagedPlan(t, plan.PageOf(0, 3), 0))
	assert.ErrorContains(t, err, "disk on fire")
	_, err = FetchSlice(context.Background(), src, pagedPlan(t, plan.PageOf(0, 3), 0))
	assert.ErrorContains(t, err, "disk on fire")
}

func TestPaginate(t *testing.T) {
	src := &memSource{rows: fixtures.PagingDataset().Members}

	res, err := Paginate(context.Background(), src, pagedPlan(t, plan.PageOf(0, 3), 0), KindPage)
	require.NoError(t, err)
	assert.Equal(t, KindPage, res.Kind)
	assert.Equal(t, 2, res.Page.TotalPages())

	res, err = Paginate(context.Background(), src, pagedPlan(t, plan.PageOf(0, 3), 0), KindSlice)
	require.NoError(t, err)
	assert.Equal(t, KindSlice, res.Kind)
	assert.True(t, res.Slice.HasNext())

	unpaged, err := plan.Compile(fixtures.MemberDescriptor(), plan.Input{Subject: plan.SubjectFind})
	require.NoError(t, err)
	res, err = Paginate(context.Background(), src, unpaged, KindPage)
	require.NoError(t, err)
	assert.Equal(t, KindAll, res.Kind)
	assert.Len(t, res.Rows, 5)
}

func TestTotalPages(t *testing.T) {
	tests := []struct {
		total int64
		size  int
		want  int
	}{
		{0, 3, 0},
		{1, 3, 1},
		{3, 3, 1},
		{4, 3, 2},
		{5, 3, 2},
		{6, 3, 2},
		{7, 3, 3},
	}
	for _, tt := range tests {
		pg := New[int](nil, plan.PageOf(0, tt.size), tt.total)
		assert.Equal(t, tt.want, pg.TotalPages(), "total=%d size=%d", tt.total, tt.size)
	}
}

func TestMap(t *testing.T) {
	pg := New([]ir.Record{fixtures.Member(1, "a", 1, nil), fixtures.Member(2, "b", 2, nil)}, plan.PageOf(1, 2), 6)
	names := Map(pg, func(r ir.Record) string { return string(r["username"].(ir.String)) })
	assert.Equal(t, []string{"a", "b"}, names.Content())
	assert.Equal(t, int64(6), names.TotalElements())
	assert.Equal(t, 1, names.Number())
	assert.True(t, names.HasNext())

	s := NewSlice([]int{1, 2}, plan.PageOf(0, 2), true)
	doubled := MapSlice(s, func(n int) int { return n * 2 })
	assert.Equal(t, []int{2, 4}, doubled.Content())
	assert.True(t, doubled.HasNext())
}
