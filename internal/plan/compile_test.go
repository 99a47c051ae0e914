package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/qplan/internal/entity"
	"github.com/roach88/qplan/internal/ir"
	"github.com/roach88/qplan/internal/metrics"
	"github.com/roach88/qplan/internal/queryir"
	"github.com/roach88/qplan/internal/testutil"
)

func usernameIs(name string) queryir.Node {
	return queryir.NewLeaf(entity.Path{"username"}, queryir.Equals, ir.String(name))
}

func TestCompile_Find(t *testing.T) {
	desc := testutil.MemberDescriptor()
	c := &Compiler{IDs: NewFixedGenerator("plan-1")}

	p, err := c.Compile(desc, Input{
		Subject:   SubjectFind,
		Predicate: usernameIs("AAA"),
		Sort:      By(Desc("age")),
		Fetch:     []entity.Path{{"team"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "plan-1", p.ID())
	assert.Equal(t, SubjectFind, p.Subject())
	assert.Equal(t, Sort{Desc("age")}, p.Sort())
	assert.Equal(t, []entity.Path{{"team"}}, p.Fetch())
	assert.Len(t, p.Fingerprint(), 64)
	assert.False(t, p.SerializeUnbounded())
	_, paged := p.Page()
	assert.False(t, paged)
}

func TestCompile_NilPredicateIsTautology(t *testing.T) {
	p, err := Compile(testutil.MemberDescriptor(), Input{Subject: SubjectCount})
	require.NoError(t, err)
	assert.True(t, queryir.IsAlways(p.Predicate()))
}

func TestCompile_SortMerge(t *testing.T) {
	desc := testutil.MemberDescriptor()
	page := PageOf(0, 3, Desc("username"), Asc("age"))

	p, err := Compile(desc, Input{
		Subject: SubjectFind,
		Sort:    By(Asc("username")),
		Page:    &page,
	})
	require.NoError(t, err)

	// explicit username ASC wins over the page's username DESC
	assert.Equal(t, Sort{Asc("username"), Asc("age")}, p.Sort())

	pr, ok := p.Page()
	require.True(t, ok)
	assert.Equal(t, 3, pr.Size)
	assert.Equal(t, Sort{Desc("username"), Asc("age")}, pr.Sort)
}

func TestCompile_Fingerprint(t *testing.T) {
	desc := testutil.MemberDescriptor()
	in := Input{Subject: SubjectFind, Predicate: usernameIs("AAA")}

	a, err := Compile(desc, in)
	require.NoError(t, err)
	b, err := Compile(desc, in)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), b.ID(), "ids are unique")
	assert.Equal(t, a.Fingerprint(), b.Fingerprint(), "same query, same fingerprint")

	in.Predicate = usernameIs("BBB")
	c, err := Compile(desc, in)
	require.NoError(t, err)
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())

	in.ReadOnly = true
	d, err := Compile(desc, in)
	require.NoError(t, err)
	assert.NotEqual(t, c.Fingerprint(), d.Fingerprint())
}

func TestCompile_SerializeUnbounded(t *testing.T) {
	desc := testutil.MemberDescriptor()
	page := PageOf(0, 10)

	tests := []struct {
		name string
		in   Input
		want bool
	}{
		{"exclusive unbounded find", Input{Subject: SubjectFind, Lock: LockExclusive}, true},
		{"exclusive paged find", Input{Subject: SubjectFind, Lock: LockExclusive, Page: &page}, false},
		{"exclusive capped find", Input{Subject: SubjectFind, Lock: LockExclusive, MaxResults: 1}, false},
		{"shared unbounded find", Input{Subject: SubjectFind, Lock: LockShared}, false},
		{"exclusive count", Input{Subject: SubjectCount, Lock: LockExclusive}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Compile(desc, tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.SerializeUnbounded())
		})
	}
}

func TestCompile_BulkUpdate(t *testing.T) {
	desc := testutil.MemberDescriptor()
	p, err := Compile(desc, Input{
		Subject:            SubjectUpdate,
		Predicate:          queryir.NewLeaf(entity.Path{"age"}, queryir.GreaterThanEqual, ir.Int(20)),
		Assignments:        []Assignment{Increment("age", 1)},
		ClearAutomatically: true,
	})
	require.NoError(t, err)

	as := p.Assignments()
	require.Len(t, as, 1)
	assert.Equal(t, "age + 1", ExprString(as[0].Expr))
	assert.True(t, p.ClearAutomatically())
}

func TestCompile_Invalid(t *testing.T) {
	desc := testutil.MemberDescriptor()
	page := PageOf(0, 10)

	tests := []struct {
		name string
		in   Input
		want string
	}{
		{"unknown subject", Input{Subject: "upsert"}, `unknown subject "upsert"`},
		{"paged delete", Input{Subject: SubjectDelete, Page: &page}, "bulk operations are not paginated"},
		{"paged update", Input{Subject: SubjectUpdate, Page: &page, Assignments: []Assignment{Increment("age", 1)}}, "bulk operations are not paginated"},
		{"bad page size", Input{Subject: SubjectFind, Page: &PageRequest{Index: 0, Size: 0}}, "page size must be > 0"},
		{"negative page index", Input{Subject: SubjectFind, Page: &PageRequest{Index: -1, Size: 3}}, "page index must be >= 0"},
		{"fetch scalar", Input{Subject: SubjectFind, Fetch: []entity.Path{{"username"}}}, "is not an association"},
		{"fetch unknown", Input{Subject: SubjectFind, Fetch: []entity.Path{{"club"}}}, `no property "club"`},
		{"sort association", Input{Subject: SubjectFind, Sort: By(Asc("team"))}, "is an association"},
		{"sort twice", Input{Subject: SubjectFind, Sort: By(Asc("age"), Desc("age"))}, "age listed twice"},
		{"bad predicate", Input{Subject: SubjectFind, Predicate: queryir.NewLeaf(entity.Path{"age"}, queryir.Between, ir.Int(1))}, "want 2 operand(s), got 1"},
		{"update without assignments", Input{Subject: SubjectUpdate}, "at least one assignment"},
		{"assignments on find", Input{Subject: SubjectFind, Assignments: []Assignment{Increment("age", 1)}}, "assignments apply to update plans only"},
		{"assign identity", Input{Subject: SubjectUpdate, Assignments: []Assignment{Set("id", Literal{Value: ir.Int(9)})}}, "identity id cannot be updated"},
		{"assign nested", Input{Subject: SubjectUpdate, Assignments: []Assignment{Set("team.name", Literal{Value: ir.String("x")})}}, "must name a direct property"},
		{"assign wrong kind", Input{Subject: SubjectUpdate, Assignments: []Assignment{Set("age", Literal{Value: ir.String("x")})}}, "does not match int"},
		{"add on string", Input{Subject: SubjectUpdate, Assignments: []Assignment{Set("username", Add{Left: Ref{Path: entity.Path{"username"}}, Right: Literal{Value: ir.Int(1)}})}}, "addition needs an int property"},
		{"assign null to required", Input{Subject: SubjectUpdate, Assignments: []Assignment{Set("age", Literal{Value: ir.Null{}})}}, "age is not nullable"},
		{"lock on delete", Input{Subject: SubjectDelete, Lock: LockExclusive}, "do not take a lock mode"},
		{"clear on find", Input{Subject: SubjectFind, ClearAutomatically: true}, "bulk operations only"},
		{"fetch on count", Input{Subject: SubjectCount, Fetch: []entity.Path{{"team"}}}, "fetch paths apply to find plans only"},
		{"distinct delete", Input{Subject: SubjectDelete, Distinct: true}, "distinct applies to find and count"},
		{"projection unknown column", Input{Subject: SubjectFind, Projection: &Projection{Kind: ProjectionClosed, Columns: []entity.Path{{"nickname"}}}}, `no property "nickname"`},
		{"unknown lock", Input{Subject: SubjectFind, Lock: "optimistic"}, `unknown lock mode "optimistic"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(desc, tt.in)
			require.Error(t, err)
			assert.True(t, IsInvalidPlan(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestCompile_ReportsEveryProblem(t *testing.T) {
	desc := testutil.MemberDescriptor()
	page := PageOf(0, 10)

	_, err := Compile(desc, Input{
		Subject: SubjectDelete,
		Page:    &page,
		Sort:    By(Asc("nickname")),
	})
	var ipe *InvalidPlanError
	require.ErrorAs(t, err, &ipe)
	assert.Equal(t, "Member", ipe.Entity)
	assert.GreaterOrEqual(t, len(ipe.Problems), 3)
	assert.Contains(t, err.Error(), ErrCodeInvalidPlan)
}

func TestCompile_InputNotAliased(t *testing.T) {
	desc := testutil.MemberDescriptor()
	sort := By(Asc("age"))
	fetch := []entity.Path{{"team"}}

	p, err := Compile(desc, Input{Subject: SubjectFind, Sort: sort, Fetch: fetch})
	require.NoError(t, err)

	sort[0].Direction = Descending
	fetch[0][0] = "mutated"
	assert.Equal(t, Ascending, p.Sort()[0].Direction)
	assert.Equal(t, entity.Path{"team"}, p.Fetch()[0])

	got := p.Sort()
	got[0].Path[0] = "mutated"
	assert.Equal(t, entity.Path{"age"}, p.Sort()[0].Path)
}

func TestCompile_PredicateNotAliased(t *testing.T) {
	tests := []struct {
		name   string
		leaf   func() queryir.Leaf
		mutate func(leaf queryir.Leaf)
	}{
		{
			name:   "operand replaced",
			leaf:   func() queryir.Leaf { return eqLeaf("username", ir.String("AAA")) },
			mutate: func(l queryir.Leaf) { l.Operands[0] = ir.String("mutated") },
		},
		{
			name:   "path segment replaced",
			leaf:   func() queryir.Leaf { return eqLeaf("username", ir.String("AAA")) },
			mutate: func(l queryir.Leaf) { l.Path[0] = "age" },
		},
		{
			name: "list element replaced",
			leaf: func() queryir.Leaf {
				return queryir.Leaf{Path: entity.Path{"username"}, Op: queryir.In, Operands: []ir.Value{ir.List{ir.String("AAA")}}}
			},
			mutate: func(l queryir.Leaf) { l.Operands[0].(ir.List)[0] = ir.String("mutated") },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			leaf := tt.leaf()
			root := queryir.Combine{Logic: queryir.LogicAnd, Children: []queryir.Node{leaf}}

			p, err := Compile(testutil.MemberDescriptor(), Input{Subject: SubjectFind, Predicate: root})
			require.NoError(t, err)
			before := queryir.String(p.Predicate())
			fingerprint := p.Fingerprint()

			tt.mutate(leaf)
			root.Children[0] = usernameIs("other")

			assert.Equal(t, before, queryir.String(p.Predicate()))
			assert.Equal(t, fingerprint, p.Fingerprint())
		})
	}
}

// eqLeaf builds a leaf without copying, as a hand-assembled tree would.
func eqLeaf(path string, v ir.Value) queryir.Leaf {
	return queryir.Leaf{Path: entity.Path{path}, Op: queryir.Equals, Operands: []ir.Value{v}}
}

func TestCompile_Metrics(t *testing.T) {
	m := metrics.New()
	c := &Compiler{Metrics: m, IDs: NewSequenceGenerator("p")}

	p, err := c.Compile(testutil.MemberDescriptor(), Input{Subject: SubjectExists})
	require.NoError(t, err)
	assert.Equal(t, "p-1", p.ID())

	families, err := m.Gatherer().Gather()
	require.NoError(t, err)
	found := false
	for _, f := range families {
		if f.GetName() == "qplan_plans_compiled_total" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestTrace(t *testing.T) {
	desc := testutil.MemberDescriptor()
	c := &Compiler{IDs: NewFixedGenerator("plan-1")}
	p, err := c.Compile(desc, Input{
		Subject:   SubjectFind,
		Predicate: usernameIs("m1"),
		Lock:      LockExclusive,
		ReadOnly:  true,
	})
	require.NoError(t, err)

	tr := p.Trace()
	assert.Equal(t, ir.String("plan-1"), tr["id"])
	assert.Equal(t, ir.String(`username = "m1"`), tr["where"])
	assert.Equal(t, ir.String("exclusive"), tr["lock"])
	assert.Equal(t, ir.Bool(true), tr["read_only"])
	assert.Equal(t, ir.Bool(true), tr["serialize_unbounded"])
	_, hasPage := tr["page"]
	assert.False(t, hasPage)
}
