package derive

import (
	"github.com/roach88/qplan/internal/entity"
	"github.com/roach88/qplan/internal/ir"
	"github.com/roach88/qplan/internal/plan"
	"github.com/roach88/qplan/internal/queryir"
)

// Shape is the result shape a signature hints at.
type Shape string

const (
	ShapeDefault  Shape = ""
	ShapeOne      Shape = "one"
	ShapeOptional Shape = "optional"
	ShapeList     Shape = "list"
	ShapeSlice    Shape = "slice"
	ShapePage     Shape = "page"
	ShapeStream   Shape = "stream"
)

// Template is a parsed signature whose leaves have no operands yet.
// Templates are immutable and safe to share between goroutines.
type Template struct {
	signature string
	entity    *entity.Descriptor
	subject   plan.Subject
	distinct  bool
	limit     int
	shape     Shape
	sort      plan.Sort
	tree      queryir.Node
	arity     int
}

// Signature returns the parsed signature.
func (t *Template) Signature() string { return t.signature }

// Entity returns the descriptor the template resolved against.
func (t *Template) Entity() *entity.Descriptor { return t.entity }

// Subject returns the derived subject.
func (t *Template) Subject() plan.Subject { return t.subject }

// Arity is the number of arguments Bind expects.
func (t *Template) Arity() int { return t.arity }

// Shape returns the result-shape hint.
func (t *Template) Shape() Shape { return t.shape }

// Derivation is a bound template: everything the signature says about the
// query, with the arguments in place.
type Derivation struct {
	Subject   plan.Subject
	Distinct  bool
	Limit     int
	Shape     Shape
	Predicate queryir.Node
	Sort      plan.Sort
}

// Input returns a plan input pre-filled from the derivation.
func (d *Derivation) Input() plan.Input {
	return plan.Input{
		Subject:    d.Subject,
		Predicate:  d.Predicate,
		Sort:       plan.By(d.Sort...),
		Distinct:   d.Distinct,
		MaxResults: d.Limit,
	}
}

// Bind consumes args left to right, one per operand, and validates the
// bound tree against the template's descriptor.
func (t *Template) Bind(args ...ir.Value) (*Derivation, error) {
	if len(args) != t.arity {
		return nil, &ArityMismatchError{Signature: t.signature, Want: t.arity, Got: len(args)}
	}

	cursor := 0
	tree := bind(t.tree, args, &cursor)
	if err := queryir.Validate(tree, t.entity); err != nil {
		return nil, &ArgumentError{Signature: t.signature, Err: err}
	}

	return &Derivation{
		Subject:   t.subject,
		Distinct:  t.distinct,
		Limit:     t.limit,
		Shape:     t.shape,
		Predicate: tree,
		Sort:      plan.By(t.sort...),
	}, nil
}

func bind(n queryir.Node, args []ir.Value, cursor *int) queryir.Node {
	switch node := n.(type) {
	case queryir.Leaf:
		arity, _ := node.Op.Arity()
		out := queryir.NewLeaf(node.Path, node.Op, args[*cursor:*cursor+arity]...)
		out.IgnoreCase = node.IgnoreCase
		*cursor += arity
		return out
	case queryir.Combine:
		children := make([]queryir.Node, len(node.Children))
		for i, c := range node.Children {
			children[i] = bind(c, args, cursor)
		}
		return queryir.Combine{Logic: node.Logic, Children: children}
	}
	return n
}

// Derive parses signature and binds args in one step.
func Derive(signature string, desc *entity.Descriptor, args ...ir.Value) (*Derivation, error) {
	t, err := Parse(signature, desc)
	if err != nil {
		return nil, err
	}
	return t.Bind(args...)
}
