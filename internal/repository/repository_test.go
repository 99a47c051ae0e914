package repository

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/qplan/internal/entity"
	"github.com/roach88/qplan/internal/ir"
	"github.com/roach88/qplan/internal/plan"
	"github.com/roach88/qplan/internal/projection"
	"github.com/roach88/qplan/internal/queryir"
	"github.com/roach88/qplan/internal/specification"
	"github.com/roach88/qplan/internal/store"
	"github.com/roach88/qplan/internal/testutil"
)

type fixture struct {
	store  *store.Store
	reg    *entity.Registry
	member *entity.Descriptor
	repo   *Repository
	logs   *bytes.Buffer
}

func newFixture(t *testing.T, ds testutil.Dataset, opts ...Option) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "repo.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	reg := testutil.Registry()
	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx, reg.MustDescribe("Team"), reg.MustDescribe("Member")))
	if len(ds.Teams) > 0 {
		require.NoError(t, s.Save(ctx, reg.MustDescribe("Team"), ds.Teams...))
	}
	if len(ds.Members) > 0 {
		require.NoError(t, s.Save(ctx, reg.MustDescribe("Member"), ds.Members...))
	}

	logs := &bytes.Buffer{}
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	opts = append([]Option{WithLogger(logger), WithIDs(plan.NewSequenceGenerator("plan"))}, opts...)

	member := reg.MustDescribe("Member")
	return &fixture{store: s, reg: reg, member: member, repo: New(member, opts...), logs: logs}
}

func (f *fixture) session(t *testing.T, opts ...SessionOption) *Session {
	t.Helper()
	sess := NewSession(f.store, opts...)
	t.Cleanup(sess.Close)
	return sess
}

func usernames(rows []ir.Record) []string {
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, string(r["username"].(ir.String)))
	}
	return out
}

func ages(rows []ir.Record) []int64 {
	out := make([]int64, 0, len(rows))
	for _, r := range rows {
		out = append(out, int64(r["age"].(ir.Int)))
	}
	return out
}

func TestFindAll_Derived(t *testing.T) {
	f := newFixture(t, testutil.AgeDataset())
	sess := f.session(t)

	rows, err := f.repo.FindAll(context.Background(), sess, "findByUsernameAndAgeGreaterThan", "AAA", 15)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, ir.Int(20), rows[0]["age"])
	assert.Contains(t, f.logs.String(), "plan compiled")
}

func TestFindAll_ThroughAssociation(t *testing.T) {
	f := newFixture(t, testutil.ProjectionDataset())
	sess := f.session(t)

	rows, err := f.repo.FindAll(context.Background(), sess, "findByTeamName", "teamA")
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 20}, ages(rows))
}

func TestFindAll_TopLimit(t *testing.T) {
	f := newFixture(t, testutil.BulkDataset())
	sess := f.session(t)

	rows, err := f.repo.FindAll(context.Background(), sess, "findTop2ByAgeOrderByUsernameDesc", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"member1"}, usernames(rows))

	rows, err = f.repo.FindAll(context.Background(), sess, "findTop3ByUsername", "member5")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestFindAll_SubjectMismatch(t *testing.T) {
	f := newFixture(t, testutil.Dataset{})
	sess := f.session(t)

	_, err := f.repo.FindAll(context.Background(), sess, "countByUsername", "m1")
	var sm *SubjectMismatchError
	require.ErrorAs(t, err, &sm)
	assert.Equal(t, plan.SubjectCount, sm.Got)
}

func TestFindOne(t *testing.T) {
	f := newFixture(t, testutil.ProjectionDataset())
	sess := f.session(t)
	ctx := context.Background()

	one, err := f.repo.FindOne(ctx, sess, "findMemberByUsername", "m2")
	require.NoError(t, err)
	assert.Equal(t, ir.Int(20), one["age"])

	_, err = f.repo.FindOne(ctx, sess, "findMemberByUsername", "m1")
	assert.True(t, IsNonUnique(err))
	assert.ErrorContains(t, err, ErrCodeNonUnique)

	_, err = f.repo.FindOne(ctx, sess, "findMemberByUsername", "nobody")
	assert.True(t, IsEmptyResult(err))
}

func TestFindOptional(t *testing.T) {
	f := newFixture(t, testutil.ProjectionDataset())
	sess := f.session(t)
	ctx := context.Background()

	rec, ok, err := f.repo.FindOptional(ctx, sess, "findOptionalMemberByUsername", "nobody")
	require.NoError(t, err, "absence is not an error")
	assert.False(t, ok)
	assert.Nil(t, rec)

	rec, ok, err = f.repo.FindOptional(ctx, sess, "findOptionalMemberByUsername", "m2")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, ir.String("m2"), rec["username"])

	_, _, err = f.repo.FindOptional(ctx, sess, "findOptionalMemberByUsername", "m1")
	assert.True(t, IsNonUnique(err))
}

func TestFindPage(t *testing.T) {
	f := newFixture(t, testutil.PagingDataset())
	sess := f.session(t)

	pg, err := f.repo.FindPage(context.Background(), sess, "findByAge", plan.PageOf(0, 3, plan.Desc("username")), 10)
	require.NoError(t, err)

	assert.Equal(t, []string{"member5", "member4", "member3"}, usernames(pg.Content()))
	assert.Equal(t, int64(5), pg.TotalElements())
	assert.Equal(t, 2, pg.TotalPages())
	assert.Equal(t, 0, pg.Number())
	assert.True(t, pg.IsFirst())
	assert.True(t, pg.HasNext())
}

func TestFindSlice(t *testing.T) {
	f := newFixture(t, testutil.PagingDataset())
	sess := f.session(t)
	ctx := context.Background()

	s, err := f.repo.FindSlice(ctx, sess, "findSliceByAge", plan.PageOf(0, 3, plan.Desc("username")), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"member5", "member4", "member3"}, usernames(s.Content()))
	assert.True(t, s.HasNext())

	s, err = f.repo.FindSlice(ctx, sess, "findSliceByAge", plan.PageOf(1, 3, plan.Desc("username")), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"member2", "member1"}, usernames(s.Content()))
	assert.False(t, s.HasNext())
}

func TestCountExistsDelete(t *testing.T) {
	f := newFixture(t, testutil.ProjectionDataset())
	sess := f.session(t)
	ctx := context.Background()

	n, err := f.repo.Count(ctx, sess, "countByUsername", "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	found, err := f.repo.Exists(ctx, sess, "existsByUsername", "m2")
	require.NoError(t, err)
	assert.True(t, found)

	rows, err := f.repo.FindAll(ctx, sess, "findByUsername", "m1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 2, sess.Len())

	deleted, err := f.repo.Delete(ctx, sess, "deleteByUsername", "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)
	assert.Equal(t, 0, sess.Len(), "deleted rows are detached")

	n, err = f.repo.Count(ctx, sess, "countBy")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestFindProjected_Open(t *testing.T) {
	f := newFixture(t, testutil.ProjectionDataset())
	sess := f.session(t)

	proj, err := projection.NewOpen("username", "#{target.username + ' ' + target.age + ' ' + target.team.name}")
	require.NoError(t, err)

	values, err := f.repo.FindProjected(context.Background(), sess, "findByAge", proj, 0)
	require.NoError(t, err)
	assert.Equal(t, []any{ir.Record{"username": ir.String("m1 0 teamA")}}, values)
	assert.Equal(t, 0, sess.Len(), "projections are not managed")
}

func TestFindProjected_Closed(t *testing.T) {
	f := newFixture(t, testutil.ProjectionDataset())
	sess := f.session(t)

	values, err := f.repo.FindProjected(context.Background(), sess, "findByUsername", projection.NewClosed("username"), "m1")
	require.NoError(t, err)
	assert.Equal(t, []any{
		ir.Record{"username": ir.String("m1")},
		ir.Record{"username": ir.String("m1")},
	}, values)
}

func TestFindByIDAndSave(t *testing.T) {
	f := newFixture(t, testutil.ProjectionDataset())
	sess := f.session(t)
	ctx := context.Background()

	rec, ok, err := f.repo.FindByID(ctx, sess, 2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ir.Int(10), rec["age"])

	_, ok, err = f.repo.FindByID(ctx, sess, 99)
	require.NoError(t, err)
	assert.False(t, ok)

	updated := testutil.Member(2, "m1", 11, testutil.Team(2, "teamB"))
	require.NoError(t, f.repo.Save(ctx, sess, updated))
	rec, ok, err = f.repo.FindByID(ctx, sess, 2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ir.Int(11), rec["age"])
}

func TestIdentityCache_ReturnsManagedRecord(t *testing.T) {
	f := newFixture(t, testutil.ProjectionDataset())
	sess := f.session(t)
	ctx := context.Background()

	first, err := f.repo.FindOne(ctx, sess, "findMemberByUsername", "m2")
	require.NoError(t, err)
	first["age"] = ir.Int(99)

	again, err := f.repo.FindOne(ctx, sess, "findMemberByUsername", "m2")
	require.NoError(t, err)
	assert.Equal(t, ir.Int(99), again["age"], "the managed instance wins over the fetched row")

	other := f.session(t)
	fresh, err := f.repo.FindOne(ctx, other, "findMemberByUsername", "m2")
	require.NoError(t, err)
	assert.Equal(t, ir.Int(20), fresh["age"])
}

func TestIdentityCache_ReadOnlyNotManaged(t *testing.T) {
	f := newFixture(t, testutil.ProjectionDataset())
	f.repo.Annotate("findByUsername", Hints{ReadOnly: true})
	sess := f.session(t)

	rows, err := f.repo.FindAll(context.Background(), sess, "findByUsername", "m1")
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	assert.Equal(t, 0, sess.Len())
}

func TestBulkUpdate_StaleWithoutClear(t *testing.T) {
	f := newFixture(t, testutil.BulkDataset())
	sess := f.session(t)
	ctx := context.Background()

	before, err := f.repo.FindAll(ctx, sess, "findByAgeGreaterThanEqual", 20)
	require.NoError(t, err)
	assert.Equal(t, []int64{20, 21, 40}, ages(before))

	adults := specification.MustWhere(f.member, "age", queryir.GreaterThanEqual, ir.Int(20))
	n, err := f.repo.Update(ctx, sess, adults, Modifying{}, plan.Increment("age", 1))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	after, err := f.repo.FindAll(ctx, sess, "findByAgeGreaterThanEqual", 20)
	require.NoError(t, err)
	assert.Equal(t, []int64{20, 21, 40}, ages(after), "managed records keep their pre-update state")
	assert.Contains(t, f.logs.String(), "managed records may be stale")

	sess.Clear()
	after, err = f.repo.FindAll(ctx, sess, "findByAgeGreaterThanEqual", 20)
	require.NoError(t, err)
	assert.Equal(t, []int64{21, 22, 41}, ages(after))
}

func TestBulkUpdate_ClearAutomatically(t *testing.T) {
	f := newFixture(t, testutil.BulkDataset())
	sess := f.session(t)
	ctx := context.Background()

	_, err := f.repo.FindAll(ctx, sess, "findByAgeGreaterThanEqual", 20)
	require.NoError(t, err)

	adults := specification.MustWhere(f.member, "age", queryir.GreaterThanEqual, ir.Int(20))
	n, err := f.repo.Update(ctx, sess, adults, Modifying{ClearAutomatically: true}, plan.Increment("age", 1))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, 0, sess.Len())

	after, err := f.repo.FindAll(ctx, sess, "findByAgeGreaterThanEqual", 20)
	require.NoError(t, err)
	assert.Equal(t, []int64{21, 22, 41}, ages(after))
	assert.NotContains(t, f.logs.String(), "managed records may be stale")
}

func TestBulkUpdate_RepositoryDefaultClears(t *testing.T) {
	f := newFixture(t, testutil.BulkDataset(), WithClearAutomatically(true))
	sess := f.session(t)
	ctx := context.Background()

	_, err := f.repo.FindAll(ctx, sess, "findByAgeGreaterThanEqual", 20)
	require.NoError(t, err)
	_, err = f.repo.Update(ctx, sess, specification.All(), Modifying{}, plan.Increment("age", 1))
	require.NoError(t, err)
	assert.Equal(t, 0, sess.Len())
}

func TestDeleteMatching(t *testing.T) {
	f := newFixture(t, testutil.ProjectionDataset())
	sess := f.session(t)
	ctx := context.Background()

	teamA := specification.MustWhere(f.member, "team.name", queryir.Equals, ir.String("teamA"))
	n, err := f.repo.DeleteMatching(ctx, sess, teamA, Modifying{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	left, err := f.repo.MatchingCount(ctx, sess, specification.All())
	require.NoError(t, err)
	assert.Equal(t, int64(1), left)
}

func TestMatching(t *testing.T) {
	f := newFixture(t, testutil.ProjectionDataset())
	sess := f.session(t)
	ctx := context.Background()

	m1 := specification.MustWhere(f.member, "username", queryir.Equals, ir.String("m1"))
	teamA := specification.MustWhere(f.member, "team.name", queryir.Equals, ir.String("teamA"))

	rows, err := f.repo.Matching(ctx, sess, m1.And(teamA), nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{0}, ages(rows))

	rows, err = f.repo.Matching(ctx, sess, m1.Or(teamA), plan.By(plan.Desc("age")))
	require.NoError(t, err)
	assert.Equal(t, []int64{20, 10, 0}, ages(rows))

	one, err := f.repo.MatchingOne(ctx, sess, teamA.Not())
	require.NoError(t, err)
	assert.Equal(t, ir.Int(10), one["age"])

	_, err = f.repo.MatchingOne(ctx, sess, m1)
	assert.True(t, IsNonUnique(err))

	pg, err := f.repo.MatchingPage(ctx, sess, specification.All(), plan.PageOf(1, 2))
	require.NoError(t, err)
	assert.Equal(t, int64(3), pg.TotalElements())
	assert.Len(t, pg.Content(), 1)
}

func TestMatching_RejectsOtherEntity(t *testing.T) {
	f := newFixture(t, testutil.ProjectionDataset())
	sess := f.session(t)

	teamSpec := specification.MustWhere(f.reg.MustDescribe("Team"), "name", queryir.Equals, ir.String("teamA"))
	_, err := f.repo.Matching(context.Background(), sess, teamSpec, nil)
	assert.Error(t, err)
}

func TestFindAll_FetchHint(t *testing.T) {
	f := newFixture(t, testutil.ProjectionDataset())
	sess := f.session(t)
	ctx := context.Background()

	rows, err := f.repo.FindAll(ctx, sess, "findByUsername", "m2")
	require.NoError(t, err)
	assert.Equal(t, ir.Record{"id": ir.Int(1)}, rows[0]["team"])

	f.repo.Annotate("findListByUsername", Hints{Fetch: []string{"team"}})
	rows, err = f.repo.FindAll(ctx, f.session(t), "findListByUsername", "m2")
	require.NoError(t, err)
	assert.Equal(t, testutil.Team(1, "teamA"), rows[0]["team"])
}

func TestFindAll_FetchFillsManagedRecords(t *testing.T) {
	f := newFixture(t, testutil.ProjectionDataset())
	sess := f.session(t)
	ctx := context.Background()

	loaded, err := f.repo.FindAll(ctx, sess, "findByAgeGreaterThan", 15)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, ir.Record{"id": ir.Int(1)}, loaded[0]["team"])
	loaded[0]["age"] = ir.Int(99)

	f.repo.Annotate("findByTeamName", Hints{Fetch: []string{"team"}})
	rows, err := f.repo.FindAll(ctx, sess, "findByTeamName", "teamA")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.Equal(t, testutil.Team(1, "teamA"), row["team"], "member %v", row["id"])
	}

	m2, ok := sess.Managed(f.member, ir.Int(3))
	require.True(t, ok)
	assert.Equal(t, testutil.Team(1, "teamA"), m2["team"])
	assert.Equal(t, ir.Int(99), m2["age"], "scalar fields of a managed record are not refreshed")
}

func TestDeclared(t *testing.T) {
	f := newFixture(t, testutil.ProjectionDataset())
	sess := f.session(t)
	ctx := context.Background()

	grown := specification.MustWhere(f.member, "age", queryir.GreaterThanEqual, ir.Int(10))
	require.NoError(t, f.repo.Declare("membersWithTeam", Declared{
		Spec:  specification.All(),
		Sort:  plan.By(plan.Desc("age")),
		Hints: Hints{Fetch: []string{"team"}},
		Count: &grown,
	}))

	rows, err := f.repo.FindDeclared(ctx, sess, "membersWithTeam")
	require.NoError(t, err)
	assert.Equal(t, []int64{20, 10, 0}, ages(rows))
	assert.Equal(t, testutil.Team(1, "teamA"), rows[0]["team"])

	pg, err := f.repo.FindDeclaredPage(ctx, f.session(t), "membersWithTeam", plan.PageOf(0, 2))
	require.NoError(t, err)
	assert.Len(t, pg.Content(), 2)
	assert.Equal(t, int64(2), pg.TotalElements(), "total comes from the declared count query")

	assert.Error(t, f.repo.Declare("membersWithTeam", Declared{Spec: specification.All()}))
	_, err = f.repo.FindDeclared(ctx, sess, "unknown")
	assert.Error(t, err)
}

func TestPlanHook(t *testing.T) {
	var seen []*plan.QueryPlan
	f := newFixture(t, testutil.AgeDataset(), WithPlanHook(func(p *plan.QueryPlan) {
		seen = append(seen, p)
	}))
	sess := f.session(t)
	ctx := context.Background()

	_, err := f.repo.Count(ctx, sess, "countByAgeGreaterThan", 15)
	require.NoError(t, err)
	_, err = f.repo.FindAll(ctx, sess, "findByUsername", "member1")
	require.NoError(t, err)

	require.Len(t, seen, 2)
	assert.Equal(t, plan.SubjectCount, seen[0].Subject())
	assert.Equal(t, "plan-1", seen[0].ID())
	assert.Equal(t, plan.SubjectFind, seen[1].Subject())
	assert.Equal(t, "plan-2", seen[1].ID())
}
