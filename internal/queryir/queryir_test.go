package queryir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/qplan/internal/entity"
	"github.com/roach88/qplan/internal/ir"
)

func memberDescriptor(t *testing.T) *entity.Descriptor {
	t.Helper()
	reg, err := entity.NewRegistry(
		entity.Definition{
			Name:     "Member",
			Identity: "id",
			Properties: []entity.PropertyDef{
				{Name: "id", Type: entity.TypeInt},
				{Name: "username", Type: entity.TypeString},
				{Name: "age", Type: entity.TypeInt},
				{Name: "active", Type: entity.TypeBool},
				{Name: "team", Type: entity.TypeAssociation, Target: "Team", Nullable: true},
			},
		},
		entity.Definition{
			Name:     "Team",
			Identity: "id",
			Properties: []entity.PropertyDef{
				{Name: "id", Type: entity.TypeInt},
				{Name: "name", Type: entity.TypeString},
			},
		},
	)
	require.NoError(t, err)
	return reg.MustDescribe("Member")
}

func leaf(path string, op Operator, operands ...ir.Value) Leaf {
	return NewLeaf(entity.ParsePath(path), op, operands...)
}

func TestOperatorArity(t *testing.T) {
	tests := []struct {
		op   Operator
		want int
	}{
		{Equals, 1},
		{Between, 2},
		{In, 1},
		{IsNull, 0},
		{IsNotNull, 0},
		{True, 0},
		{Containing, 1},
	}
	for _, tt := range tests {
		t.Run(string(tt.op), func(t *testing.T) {
			got, ok := tt.op.Arity()
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	_, ok := Operator("Near").Arity()
	assert.False(t, ok)
}

func TestIdentities(t *testing.T) {
	assert.True(t, IsAlways(Always()))
	assert.True(t, IsNever(Never()))
	assert.False(t, IsAlways(Never()))
	assert.True(t, Eval(Always(), ir.Record{}))
	assert.False(t, Eval(Never(), ir.Record{}))
}

func TestValidate(t *testing.T) {
	desc := memberDescriptor(t)

	tests := []struct {
		name    string
		node    Node
		wantErr string
	}{
		{"equals", leaf("username", Equals, ir.String("AAA")), ""},
		{"association hop", leaf("team.name", Equals, ir.String("teamA")), ""},
		{"between", leaf("age", Between, ir.Int(10), ir.Int(20)), ""},
		{"in list", leaf("username", In, ir.List{ir.String("AAA"), ir.String("BBB")}), ""},
		{"is null", leaf("team.name", IsNull), ""},
		{"true on bool", leaf("active", True), ""},
		{"tautology", Always(), ""},
		{"between arity", leaf("age", Between, ir.Int(10)), "want 2 operand(s), got 1"},
		{"is null arity", leaf("age", IsNull, ir.Int(1)), "want 0 operand(s), got 1"},
		{"in without list", leaf("username", In, ir.String("AAA")), "operand must be a list"},
		{"association terminal", leaf("team", Equals, ir.Int(1)), "is an association"},
		{"unknown property", leaf("teamName", Equals, ir.String("x")), `no property "teamName"`},
		{"kind mismatch", leaf("age", Equals, ir.String("15")), "does not match property type int"},
		{"null operand", leaf("age", Equals, ir.Null{}), "use IsNull"},
		{"textual on int", leaf("age", Containing, ir.String("1")), "requires a string property"},
		{"true on string", leaf("username", True), "requires a bool property"},
		{"not arity", Combine{Logic: LogicNot}, "NOT requires exactly one child"},
		{"unknown operator", leaf("age", Operator("Near"), ir.Int(1)), "unknown operator"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.node, desc)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	desc := memberDescriptor(t)
	node := And(
		leaf("age", Between, ir.Int(1)),
		leaf("nope", Equals, ir.Int(1)),
	)

	err := Validate(node, desc)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Errors, 2)

	var arity *ArityError
	require.ErrorAs(t, err, &arity)
	assert.Equal(t, 2, arity.Want)
	assert.True(t, entity.IsPathError(err))
}

func TestEval(t *testing.T) {
	rec := ir.Record{
		"id":       ir.Int(1),
		"username": ir.String("member1"),
		"age":      ir.Int(20),
		"active":   ir.Bool(true),
		"team":     ir.Record{"id": ir.Int(7), "name": ir.String("teamA")},
	}
	orphan := ir.Record{"id": ir.Int(2), "username": ir.String("m2"), "age": ir.Int(10), "team": ir.Null{}}

	tests := []struct {
		name string
		node Node
		rec  ir.Record
		want bool
	}{
		{"equals", leaf("username", Equals, ir.String("member1")), rec, true},
		{"not equals", leaf("username", NotEquals, ir.String("member1")), rec, false},
		{"greater than", leaf("age", GreaterThan, ir.Int(15)), rec, true},
		{"greater than equal edge", leaf("age", GreaterThanEqual, ir.Int(20)), rec, true},
		{"less than", leaf("age", LessThan, ir.Int(20)), rec, false},
		{"between inclusive", leaf("age", Between, ir.Int(10), ir.Int(20)), rec, true},
		{"like", leaf("username", Like, ir.String("mem%1")), rec, true},
		{"like underscore", leaf("username", Like, ir.String("member_")), rec, true},
		{"not like", leaf("username", NotLike, ir.String("x%")), rec, true},
		{"starting with", leaf("username", StartingWith, ir.String("mem")), rec, true},
		{"ending with", leaf("username", EndingWith, ir.String("1")), rec, true},
		{"containing", leaf("username", Containing, ir.String("mber")), rec, true},
		{"not containing", leaf("username", NotContaining, ir.String("mber")), rec, false},
		{"in", leaf("username", In, ir.List{ir.String("AAA"), ir.String("member1")}), rec, true},
		{"not in", leaf("username", NotIn, ir.List{ir.String("AAA")}), rec, true},
		{"true", leaf("active", True), rec, true},
		{"false", leaf("active", False), rec, false},
		{"nested path", leaf("team.name", Equals, ir.String("teamA")), rec, true},
		{"null association hop", leaf("team.name", Equals, ir.String("teamA")), orphan, false},
		{"null association is null", leaf("team.name", IsNull), orphan, true},
		{"is not null", leaf("team.name", IsNotNull), rec, true},
		{"null never equals", leaf("team.name", NotEquals, ir.String("teamA")), orphan, false},
		{"ignore case", Leaf{Path: entity.Path{"username"}, Op: Equals, Operands: []ir.Value{ir.String("MEMBER1")}, IgnoreCase: true}, rec, true},
		{"case sensitive", leaf("username", Equals, ir.String("MEMBER1")), rec, false},
		{"kind mismatch", leaf("age", Equals, ir.String("20")), rec, false},
		{"and", And(leaf("age", GreaterThan, ir.Int(15)), leaf("active", True)), rec, true},
		{"or", Or(leaf("age", LessThan, ir.Int(15)), leaf("active", False)), rec, false},
		{"not", Not(leaf("age", LessThan, ir.Int(15))), rec, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Eval(tt.node, tt.rec))
		})
	}
}

func TestSimplify(t *testing.T) {
	a := leaf("age", GreaterThan, ir.Int(1))
	b := leaf("username", Equals, ir.String("x"))

	tests := []struct {
		name string
		in   Node
		want Node
	}{
		{"and drops true", And(Always(), a), a},
		{"and absorbs false", And(a, Never()), Never()},
		{"or absorbs true", Or(a, Always()), Always()},
		{"or drops false", Or(Never(), a, b), Or(a, b)},
		{"nested", And(And(Always()), Or(Never(), a)), a},
		{"not true", Not(Always()), Never()},
		{"double negation", Not(Not(a)), a},
		{"leaf unchanged", a, a},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Simplify(tt.in))
		})
	}
}

func TestString(t *testing.T) {
	node := Or(
		And(leaf("username", Equals, ir.String("AAA")), leaf("age", GreaterThan, ir.Int(15))),
		Not(leaf("team.name", IsNull)),
		leaf("age", Between, ir.Int(1), ir.Int(9)),
		leaf("username", StartingWith, ir.String("m")),
	)

	assert.Equal(t,
		`((username = "AAA" AND age > 15) OR NOT team.name IS NULL OR age BETWEEN 1 AND 9 OR username STARTING WITH "m")`,
		String(node))
	assert.Equal(t, "TRUE", String(Always()))
	assert.Equal(t, "FALSE", String(Never()))
}

func TestLeavesOrder(t *testing.T) {
	node := Or(And(leaf("a", IsNull), leaf("b", IsNull)), leaf("c", IsNull))
	leaves := Leaves(node)
	require.Len(t, leaves, 3)
	assert.Equal(t, entity.Path{"a"}, leaves[0].Path)
	assert.Equal(t, entity.Path{"c"}, leaves[2].Path)
}

func TestCombinatorsCopyChildren(t *testing.T) {
	children := []Node{leaf("a", IsNull)}
	n := And(children...)
	children[0] = leaf("b", IsNull)
	assert.Equal(t, entity.Path{"a"}, n.Children[0].(Leaf).Path)
}
