package projection

import (
	"github.com/roach88/qplan/internal/entity"
	"github.com/roach88/qplan/internal/ir"
	"github.com/roach88/qplan/internal/plan"
)

// Accessor is one named expression of an open projection.
type Accessor struct {
	Name string
	Expr Expr
}

// Open evaluates expressions against the full entity. The result is an
// ir.Record of accessor name to rendered string.
type Open struct {
	Accessors []Accessor
}

// NewOpen parses name/expression pairs. Accessors keep argument order.
func NewOpen(pairs ...string) (*Open, error) {
	if len(pairs)%2 != 0 {
		return nil, &FieldError{Field: pairs[len(pairs)-1], Reason: "accessor without expression"}
	}
	o := &Open{}
	for i := 0; i < len(pairs); i += 2 {
		e, err := ParseExpr(pairs[i+1])
		if err != nil {
			return nil, err
		}
		o.Accessors = append(o.Accessors, Accessor{Name: pairs[i], Expr: e})
	}
	return o, nil
}

// Describe checks every referenced path and requests the full entity.
// Open projections never restrict columns.
func (o *Open) Describe(desc *entity.Descriptor) (plan.Projection, error) {
	if len(o.Accessors) == 0 {
		return plan.Projection{}, &FieldError{Field: desc.Name(), Reason: "open projection declares no accessors"}
	}
	seen := make(map[string]bool, len(o.Accessors))
	for _, a := range o.Accessors {
		if a.Name == "" || seen[a.Name] {
			return plan.Projection{}, &FieldError{Field: a.Name, Reason: "accessor name empty or declared twice"}
		}
		seen[a.Name] = true
		for _, p := range paths(a.Expr) {
			if _, err := desc.Resolve(p); err != nil {
				return plan.Projection{}, &FieldError{Field: a.Name, Reason: err.Error()}
			}
		}
	}
	return plan.Projection{Kind: plan.ProjectionOpen}, nil
}

// Apply evaluates every accessor against t.
func (o *Open) Apply(t *Target) (any, error) {
	out := make(ir.Record, len(o.Accessors))
	for _, a := range o.Accessors {
		s, err := a.Expr.eval(t)
		if err != nil {
			return nil, err
		}
		out[a.Name] = ir.String(s)
	}
	return out, nil
}
