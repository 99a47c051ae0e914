package querysql

import (
	"fmt"
	"strings"

	"github.com/roach88/qplan/internal/entity"
	"github.com/roach88/qplan/internal/ir"
	"github.com/roach88/qplan/internal/plan"
	"github.com/roach88/qplan/internal/queryir"
)

const rootAlias = "t0"

type join struct {
	table string
	alias string
	on    string
}

// builder accumulates joins, select columns and parameters for one
// statement. Joins are numbered in the order they are first needed.
type builder struct {
	root    *entity.Descriptor
	qualify bool

	joins   []join
	aliases map[string]string
	selects []string
	columns []entity.Path
	seen    map[string]bool
	args    []any
}

func newBuilder(root *entity.Descriptor, qualify bool) *builder {
	return &builder{
		root:    root,
		qualify: qualify,
		aliases: map[string]string{"": rootAlias},
		seen:    map[string]bool{},
	}
}

func (b *builder) ref(alias, column string) string {
	if !b.qualify {
		return column
	}
	return alias + "." + column
}

func (b *builder) from() string {
	if !b.qualify {
		return " FROM " + b.root.Table()
	}
	var sb strings.Builder
	sb.WriteString(" FROM " + b.root.Table() + " " + rootAlias)
	for _, j := range b.joins {
		fmt.Fprintf(&sb, " LEFT JOIN %s %s ON %s", j.table, j.alias, j.on)
	}
	return sb.String()
}

// alias returns the table alias for an association path, joining it (and
// every hop before it) on first use.
func (b *builder) alias(path entity.Path) (string, error) {
	key := path.String()
	if a, ok := b.aliases[key]; ok {
		return a, nil
	}
	parent, err := b.alias(path[:len(path)-1])
	if err != nil {
		return "", err
	}
	prop, err := b.root.ResolveAssociation(path)
	if err != nil {
		return "", err
	}
	a := fmt.Sprintf("t%d", len(b.joins)+1)
	target := prop.Target
	b.joins = append(b.joins, join{
		table: target.Table(),
		alias: a,
		on:    fmt.Sprintf("%s.%s = %s.%s", a, target.IdentityProperty().Column, parent, prop.Column),
	})
	b.aliases[key] = a
	return a, nil
}

// column resolves a terminal path to a column reference.
func (b *builder) column(path entity.Path) (string, entity.Property, error) {
	prop, err := b.root.Resolve(path)
	if err != nil {
		return "", entity.Property{}, err
	}
	hops := hopsFor(b.root, path)
	a, err := b.alias(hops)
	if err != nil {
		return "", entity.Property{}, err
	}
	col := prop.Column
	if len(hops) < len(path)-1 {
		// identity of a target read through the foreign key
		fk, err := b.root.ResolveAssociation(path[:len(path)-1])
		if err != nil {
			return "", entity.Property{}, err
		}
		col = fk.Column
	}
	return b.ref(a, col), prop, nil
}

func (b *builder) addSelect(path entity.Path, expr string) {
	key := path.String()
	if b.seen[key] {
		return
	}
	b.seen[key] = true
	b.selects = append(b.selects, expr)
	b.columns = append(b.columns, path.Clone())
}

// selectList picks the columns of a find plan: the projection's columns
// when it restricts them, otherwise the full entity. Fetched associations
// are selected in full; the rest come back as identity-only references.
func (b *builder) selectList(p *plan.QueryPlan) error {
	fetched := p.Fetch()
	proj, hasProj := p.Projection()
	if hasProj {
		fetched = append(fetched, proj.FullFetch...)
	}

	if !hasProj || !proj.Restricted() {
		return b.selectEntity(b.root, nil, fetched)
	}

	for _, col := range proj.Columns {
		ref, _, err := b.column(col)
		if err != nil {
			return fmt.Errorf("projection column %s: %w", col, err)
		}
		b.addSelect(col, ref)
	}
	for _, f := range proj.FullFetch {
		prop, err := b.root.ResolveAssociation(f)
		if err != nil {
			return fmt.Errorf("projection fetch %s: %w", f, err)
		}
		if err := b.selectEntity(prop.Target, f, fetched); err != nil {
			return err
		}
	}
	return nil
}

func (b *builder) selectEntity(desc *entity.Descriptor, prefix entity.Path, fetched []entity.Path) error {
	a, err := b.alias(prefix)
	if err != nil {
		return err
	}
	for _, prop := range desc.Properties() {
		path := append(prefix.Clone(), prop.Name)
		switch {
		case !prop.IsAssociation():
			b.addSelect(path, b.ref(a, prop.Column))
		case isFetched(path, fetched):
			if err := b.selectEntity(prop.Target, path, fetched); err != nil {
				return err
			}
		default:
			b.addSelect(append(path, prop.Target.Identity()), b.ref(a, prop.Column))
		}
	}
	return nil
}

func isFetched(path entity.Path, fetched []entity.Path) bool {
	for _, f := range fetched {
		if f.HasPrefix(path) {
			return true
		}
	}
	return false
}

// orderBy renders the sort followed by the identity tiebreaker.
func (b *builder) orderBy(s plan.Sort) (string, error) {
	id := entity.Path{b.root.Identity()}
	parts := make([]string, 0, len(s)+1)
	for _, o := range s {
		ref, prop, err := b.column(o.Path)
		if err != nil {
			return "", err
		}
		if prop.Type == entity.TypeString {
			ref += " COLLATE BINARY"
		}
		parts = append(parts, ref+" "+string(o.Direction))
	}
	if !s.Contains(id) {
		parts = append(parts, b.ref(rootAlias, b.root.IdentityProperty().Column)+" ASC")
	}
	return " ORDER BY " + strings.Join(parts, ", "), nil
}

// where renders " WHERE ..." or nothing for the always-true predicate.
func (b *builder) where(n queryir.Node) (string, error) {
	if n == nil || queryir.IsAlways(n) {
		return "", nil
	}
	sql, err := b.node(n, true)
	if err != nil {
		return "", err
	}
	return " WHERE " + sql, nil
}

// node compiles a predicate. NOT coalesces its operand so that a leaf
// compared against NULL stays false under negation, matching queryir.Eval.
func (b *builder) node(n queryir.Node, top bool) (string, error) {
	switch x := n.(type) {
	case queryir.Leaf:
		return b.leaf(x)
	case queryir.Combine:
		switch x.Logic {
		case queryir.LogicNot:
			if len(x.Children) != 1 {
				return "", fmt.Errorf("NOT takes one operand, got %d", len(x.Children))
			}
			inner, err := b.node(x.Children[0], true)
			if err != nil {
				return "", err
			}
			return "NOT COALESCE(" + inner + ", 0)", nil
		case queryir.LogicAnd, queryir.LogicOr:
			if len(x.Children) == 0 {
				if x.Logic == queryir.LogicAnd {
					return "1 = 1", nil
				}
				return "1 = 0", nil
			}
			if len(x.Children) == 1 {
				return b.node(x.Children[0], top)
			}
			parts := make([]string, len(x.Children))
			for i, c := range x.Children {
				s, err := b.node(c, false)
				if err != nil {
					return "", err
				}
				parts[i] = s
			}
			sql := strings.Join(parts, " "+string(x.Logic)+" ")
			if !top {
				sql = "(" + sql + ")"
			}
			return sql, nil
		}
		return "", fmt.Errorf("unknown logic %q", x.Logic)
	default:
		return "", fmt.Errorf("unsupported predicate type: %T", n)
	}
}

func (b *builder) leaf(l queryir.Leaf) (string, error) {
	col, _, err := b.column(l.Path)
	if err != nil {
		return "", err
	}
	if l.IgnoreCase {
		col = "LOWER(" + col + ")"
	}
	param := "?"
	if l.IgnoreCase {
		param = "LOWER(?)"
	}

	bind := func(i int) error {
		if i >= len(l.Operands) {
			return fmt.Errorf("%s %s: missing operand %d", l.Path, l.Op, i)
		}
		v, err := irValueToParam(l.Operands[i])
		if err != nil {
			return fmt.Errorf("%s %s: %w", l.Path, l.Op, err)
		}
		b.args = append(b.args, v)
		return nil
	}
	pattern := func(prefix, suffix string) error {
		s, ok := operandString(l)
		if !ok {
			return fmt.Errorf("%s %s: want a string operand", l.Path, l.Op)
		}
		b.args = append(b.args, prefix+escapeLike(s)+suffix)
		return nil
	}

	switch l.Op {
	case queryir.IsNull:
		return col + " IS NULL", nil
	case queryir.IsNotNull:
		return col + " IS NOT NULL", nil
	case queryir.True:
		return col + " = 1", nil
	case queryir.False:
		return col + " = 0", nil
	case queryir.Between:
		if err := bind(0); err != nil {
			return "", err
		}
		if err := bind(1); err != nil {
			return "", err
		}
		return col + " BETWEEN " + param + " AND " + param, nil
	case queryir.In, queryir.NotIn:
		return b.in(l, col, param)
	case queryir.Like, queryir.NotLike:
		if err := bind(0); err != nil {
			return "", err
		}
		return col + " " + likeOp(l.Op) + " " + param, nil
	case queryir.StartingWith:
		if err := pattern("", "%"); err != nil {
			return "", err
		}
		return col + " LIKE " + param + ` ESCAPE '\'`, nil
	case queryir.EndingWith:
		if err := pattern("%", ""); err != nil {
			return "", err
		}
		return col + " LIKE " + param + ` ESCAPE '\'`, nil
	case queryir.Containing, queryir.NotContaining:
		if err := pattern("%", "%"); err != nil {
			return "", err
		}
		return col + " " + likeOp(l.Op) + " " + param + ` ESCAPE '\'`, nil
	}

	op, ok := comparisons[l.Op]
	if !ok {
		return "", fmt.Errorf("unsupported operator %q", l.Op)
	}
	if err := bind(0); err != nil {
		return "", err
	}
	return col + " " + op + " " + param, nil
}

var comparisons = map[queryir.Operator]string{
	queryir.Equals:           "=",
	queryir.NotEquals:        "<>",
	queryir.GreaterThan:      ">",
	queryir.GreaterThanEqual: ">=",
	queryir.LessThan:         "<",
	queryir.LessThanEqual:    "<=",
}

func likeOp(op queryir.Operator) string {
	if op == queryir.NotLike || op == queryir.NotContaining {
		return "NOT LIKE"
	}
	return "LIKE"
}

func (b *builder) in(l queryir.Leaf, col, param string) (string, error) {
	if len(l.Operands) != 1 {
		return "", fmt.Errorf("%s %s: want one list operand", l.Path, l.Op)
	}
	list, ok := l.Operands[0].(ir.List)
	if !ok {
		return "", fmt.Errorf("%s %s: operand is %T, not a list", l.Path, l.Op, l.Operands[0])
	}
	if len(list) == 0 {
		if l.Op == queryir.In {
			return "1 = 0", nil
		}
		return col + " IS NOT NULL", nil
	}
	marks := make([]string, len(list))
	for i, item := range list {
		v, err := irValueToParam(item)
		if err != nil {
			return "", fmt.Errorf("%s %s[%d]: %w", l.Path, l.Op, i, err)
		}
		b.args = append(b.args, v)
		marks[i] = param
	}
	op := " IN ("
	if l.Op == queryir.NotIn {
		op = " NOT IN ("
	}
	return col + op + strings.Join(marks, ", ") + ")", nil
}

func operandString(l queryir.Leaf) (string, bool) {
	if len(l.Operands) != 1 {
		return "", false
	}
	s, ok := l.Operands[0].(ir.String)
	return string(s), ok
}

// escapeLike escapes LIKE wildcards for use with ESCAPE '\'.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
