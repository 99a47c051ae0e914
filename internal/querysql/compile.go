package querysql

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/qplan/internal/entity"
	"github.com/roach88/qplan/internal/ir"
	"github.com/roach88/qplan/internal/plan"
	"github.com/roach88/qplan/internal/queryir"
)

// Statement is one parameterized SQL statement.
type Statement struct {
	SQL  string
	Args []any

	// Columns names the property path each result column fills, in select
	// order. Empty for statements that return no rows.
	Columns []entity.Path
}

// SQLCompiler compiles query plans to parameterized SQL for SQLite.
//
// CRITICAL: every select carries an ORDER BY ending in the identity column,
// so row order is deterministic.
// CRITICAL: values are always bound as parameters, never interpolated.
type SQLCompiler struct{}

// NewSQLCompiler creates a new SQLCompiler.
func NewSQLCompiler() *SQLCompiler {
	return &SQLCompiler{}
}

// Compile dispatches on the plan's subject. offset and limit apply to find
// plans only; a limit of 0 is unbounded.
func (c *SQLCompiler) Compile(p *plan.QueryPlan, offset, limit int) (Statement, error) {
	if p == nil {
		return Statement{}, errors.New("cannot compile nil plan")
	}
	switch p.Subject() {
	case plan.SubjectFind:
		return c.Select(p, offset, limit)
	case plan.SubjectCount:
		return c.Count(p)
	case plan.SubjectExists:
		return c.Exists(p)
	case plan.SubjectUpdate, plan.SubjectDelete:
		return c.Bulk(p)
	default:
		return Statement{}, fmt.Errorf("unsupported subject: %q", p.Subject())
	}
}

// Select compiles a find plan.
func (c *SQLCompiler) Select(p *plan.QueryPlan, offset, limit int) (Statement, error) {
	b := newBuilder(p.Entity(), true)

	if err := b.selectList(p); err != nil {
		return Statement{}, err
	}
	where, err := b.where(p.Predicate())
	if err != nil {
		return Statement{}, fmt.Errorf("compile predicate: %w", err)
	}
	orderBy, err := b.orderBy(p.Sort())
	if err != nil {
		return Statement{}, fmt.Errorf("compile sort: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	if p.Distinct() {
		sb.WriteString("DISTINCT ")
	}
	sb.WriteString(strings.Join(b.selects, ", "))
	sb.WriteString(b.from())
	sb.WriteString(where)
	sb.WriteString(orderBy)
	if limit > 0 {
		sb.WriteString(" LIMIT ?")
		b.args = append(b.args, int64(limit))
	}
	if offset > 0 {
		if limit <= 0 {
			sb.WriteString(" LIMIT -1")
		}
		sb.WriteString(" OFFSET ?")
		b.args = append(b.args, int64(offset))
	}
	return Statement{SQL: sb.String(), Args: b.args, Columns: b.columns}, nil
}

// Count compiles the total-count query of a plan. Sort, page and
// projection are ignored.
func (c *SQLCompiler) Count(p *plan.QueryPlan) (Statement, error) {
	b := newBuilder(p.Entity(), true)
	where, err := b.where(p.Predicate())
	if err != nil {
		return Statement{}, fmt.Errorf("compile predicate: %w", err)
	}
	expr := "COUNT(*)"
	if p.Distinct() {
		expr = "COUNT(DISTINCT " + b.ref(rootAlias, p.Entity().IdentityProperty().Column) + ")"
	}
	return Statement{SQL: "SELECT " + expr + b.from() + where, Args: b.args}, nil
}

// Exists compiles a query returning one row when any row matches.
func (c *SQLCompiler) Exists(p *plan.QueryPlan) (Statement, error) {
	b := newBuilder(p.Entity(), true)
	where, err := b.where(p.Predicate())
	if err != nil {
		return Statement{}, fmt.Errorf("compile predicate: %w", err)
	}
	return Statement{SQL: "SELECT 1" + b.from() + where + " LIMIT 1", Args: b.args}, nil
}

// Bulk compiles an update or delete plan. A predicate that reaches through
// an association is applied as identity IN (SELECT ...), since SQLite
// updates and deletes cannot join.
func (c *SQLCompiler) Bulk(p *plan.QueryPlan) (Statement, error) {
	desc := p.Entity()

	var sb strings.Builder
	var args []any
	switch p.Subject() {
	case plan.SubjectDelete:
		sb.WriteString("DELETE FROM " + desc.Table())
	case plan.SubjectUpdate:
		set, setArgs, err := assignments(desc, p.Assignments())
		if err != nil {
			return Statement{}, err
		}
		sb.WriteString("UPDATE " + desc.Table() + " SET " + set)
		args = setArgs
	default:
		return Statement{}, fmt.Errorf("not a bulk subject: %q", p.Subject())
	}

	pred := p.Predicate()
	if !needsJoin(desc, pred) {
		b := newBuilder(desc, false)
		where, err := b.where(pred)
		if err != nil {
			return Statement{}, fmt.Errorf("compile predicate: %w", err)
		}
		sb.WriteString(where)
		return Statement{SQL: sb.String(), Args: append(args, b.args...)}, nil
	}

	b := newBuilder(desc, true)
	where, err := b.where(pred)
	if err != nil {
		return Statement{}, fmt.Errorf("compile predicate: %w", err)
	}
	id := desc.IdentityProperty().Column
	fmt.Fprintf(&sb, " WHERE %s IN (SELECT %s%s%s)", id, b.ref(rootAlias, id), b.from(), where)
	return Statement{SQL: sb.String(), Args: append(args, b.args...)}, nil
}

// Lookup selects one full row of desc by identity. Associations come back
// as identity-only references.
func (c *SQLCompiler) Lookup(desc *entity.Descriptor, id ir.Value) (Statement, error) {
	param, err := irValueToParam(id)
	if err != nil {
		return Statement{}, fmt.Errorf("convert identity: %w", err)
	}
	b := newBuilder(desc, true)
	if err := b.selectEntity(desc, nil, nil); err != nil {
		return Statement{}, err
	}
	sql := "SELECT " + strings.Join(b.selects, ", ") + b.from() +
		" WHERE " + b.ref(rootAlias, desc.IdentityProperty().Column) + " = ?"
	return Statement{SQL: sql, Args: []any{param}, Columns: b.columns}, nil
}

func assignments(desc *entity.Descriptor, as []plan.Assignment) (string, []any, error) {
	if len(as) == 0 {
		return "", nil, errors.New("update without assignments")
	}
	parts := make([]string, 0, len(as))
	var args []any
	for _, a := range as {
		prop, err := desc.Resolve(a.Path)
		if err != nil || len(a.Path) != 1 {
			return "", nil, fmt.Errorf("assignment target %s: not a direct property", a.Path)
		}
		expr, exprArgs, err := assignmentExpr(desc, a.Expr)
		if err != nil {
			return "", nil, fmt.Errorf("assignment %s: %w", a.Path, err)
		}
		parts = append(parts, prop.Column+" = "+expr)
		args = append(args, exprArgs...)
	}
	return strings.Join(parts, ", "), args, nil
}

func assignmentExpr(desc *entity.Descriptor, e plan.Expr) (string, []any, error) {
	switch x := e.(type) {
	case plan.Literal:
		param, err := irValueToParam(x.Value)
		if err != nil {
			return "", nil, err
		}
		return "?", []any{param}, nil
	case plan.Ref:
		prop, err := desc.Resolve(x.Path)
		if err != nil || len(x.Path) != 1 {
			return "", nil, fmt.Errorf("reference %s: not a direct property", x.Path)
		}
		return prop.Column, nil, nil
	case plan.Add:
		l, largs, err := assignmentExpr(desc, x.Left)
		if err != nil {
			return "", nil, err
		}
		r, rargs, err := assignmentExpr(desc, x.Right)
		if err != nil {
			return "", nil, err
		}
		return l + " + " + r, append(largs, rargs...), nil
	default:
		return "", nil, fmt.Errorf("unsupported expression %T", e)
	}
}

// needsJoin reports whether any leaf reaches past a foreign key.
func needsJoin(desc *entity.Descriptor, n queryir.Node) bool {
	for _, l := range queryir.Leaves(n) {
		if len(hopsFor(desc, l.Path)) > 0 {
			return true
		}
	}
	return false
}

// hopsFor returns the association prefix of path that must be joined.
// Reading a target's identity is served by the foreign key and needs no
// join for the last hop.
func hopsFor(desc *entity.Descriptor, path entity.Path) entity.Path {
	if len(path) < 2 {
		return nil
	}
	assocPath := path[:len(path)-1]
	assoc, err := desc.ResolveAssociation(assocPath)
	if err == nil && path[len(path)-1] == assoc.Target.Identity() {
		return assocPath[:len(assocPath)-1]
	}
	return assocPath
}

// irValueToParam converts an ir.Value to a Go native type for a SQL parameter.
// Lists and records are not valid parameters.
func irValueToParam(v ir.Value) (any, error) {
	switch val := v.(type) {
	case ir.String:
		return string(val), nil
	case ir.Int:
		return int64(val), nil
	case ir.Bool:
		return bool(val), nil
	case nil, ir.Null:
		return nil, nil
	case ir.List:
		return nil, fmt.Errorf("list cannot be used as SQL parameter directly")
	case ir.Record:
		return nil, fmt.Errorf("record cannot be used as SQL parameter directly")
	default:
		return nil, fmt.Errorf("unsupported value type for SQL parameter: %T", v)
	}
}
