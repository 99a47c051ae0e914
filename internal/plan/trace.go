package plan

import (
	"github.com/roach88/qplan/internal/entity"
	"github.com/roach88/qplan/internal/ir"
	"github.com/roach88/qplan/internal/queryir"
)

// Trace returns the plan as a record suitable for golden files and
// JSON output. The ID is included; the fingerprint is not.
func (p *QueryPlan) Trace() ir.Record {
	rec := p.canonical()
	rec["id"] = ir.String(p.id)
	return rec
}

// canonical is the fingerprinted form of the plan. Optional parts are
// omitted when unset so adding a modifier never changes the fingerprint of
// plans that do not use it.
func (p *QueryPlan) canonical() ir.Record {
	rec := ir.Record{
		"entity":    ir.String(p.entity.Name()),
		"subject":   ir.String(string(p.subject)),
		"predicate": NodeRecord(p.predicate),
		"where":     ir.String(queryir.String(p.predicate)),
	}
	if len(p.sort) > 0 {
		rec["sort"] = sortList(p.sort)
	}
	if p.page != nil {
		rec["page"] = ir.Record{
			"index": ir.Int(p.page.Index),
			"size":  ir.Int(p.page.Size),
			"sort":  sortList(p.page.Sort),
		}
	}
	if len(p.fetch) > 0 {
		rec["fetch"] = pathList(p.fetch)
	}
	if p.lock != LockNone {
		rec["lock"] = ir.String(string(p.lock))
	}
	if p.readOnly {
		rec["read_only"] = ir.Bool(true)
	}
	if p.distinct {
		rec["distinct"] = ir.Bool(true)
	}
	if p.maxResults > 0 {
		rec["max_results"] = ir.Int(p.maxResults)
	}
	if len(p.assignments) > 0 {
		as := make(ir.List, len(p.assignments))
		for i, a := range p.assignments {
			as[i] = ir.Record{"path": ir.String(a.Path.String()), "expr": ir.String(ExprString(a.Expr))}
		}
		rec["assignments"] = as
	}
	if p.clearAuto {
		rec["clear_automatically"] = ir.Bool(true)
	}
	if p.projection != nil {
		proj := ir.Record{"kind": ir.String(string(p.projection.Kind))}
		if len(p.projection.Columns) > 0 {
			proj["columns"] = pathList(p.projection.Columns)
		}
		if len(p.projection.FullFetch) > 0 {
			proj["full_fetch"] = pathList(p.projection.FullFetch)
		}
		rec["projection"] = proj
	}
	if p.SerializeUnbounded() {
		rec["serialize_unbounded"] = ir.Bool(true)
	}
	return rec
}

// NodeRecord converts a predicate tree into a structural record.
func NodeRecord(n queryir.Node) ir.Record {
	switch node := n.(type) {
	case queryir.Leaf:
		rec := ir.Record{
			"path": ir.String(node.Path.String()),
			"op":   ir.String(string(node.Op)),
		}
		if len(node.Operands) > 0 {
			rec["operands"] = ir.List(append([]ir.Value(nil), node.Operands...))
		}
		if node.IgnoreCase {
			rec["ignore_case"] = ir.Bool(true)
		}
		return rec
	case queryir.Combine:
		children := make(ir.List, len(node.Children))
		for i, c := range node.Children {
			children[i] = NodeRecord(c)
		}
		return ir.Record{"logic": ir.String(string(node.Logic)), "children": children}
	}
	return ir.Record{}
}

func sortList(s Sort) ir.List {
	out := make(ir.List, len(s))
	for i, o := range s {
		out[i] = ir.String(o.Path.String() + " " + string(o.Direction))
	}
	return out
}

func pathList(paths []entity.Path) ir.List {
	out := make(ir.List, len(paths))
	for i, p := range paths {
		out[i] = ir.String(p.String())
	}
	return out
}
