package queryir

import (
	"github.com/roach88/qplan/internal/entity"
	"github.com/roach88/qplan/internal/ir"
)

// Node is a predicate tree node. Sealed: only Leaf and Combine implement it.
type Node interface {
	predicateNode()
}

// Operator is the comparison a Leaf applies.
type Operator string

const (
	Equals           Operator = "Equals"
	NotEquals        Operator = "NotEquals"
	GreaterThan      Operator = "GreaterThan"
	GreaterThanEqual Operator = "GreaterThanEqual"
	LessThan         Operator = "LessThan"
	LessThanEqual    Operator = "LessThanEqual"
	Between          Operator = "Between"
	Like             Operator = "Like"
	NotLike          Operator = "NotLike"
	StartingWith     Operator = "StartingWith"
	EndingWith       Operator = "EndingWith"
	Containing       Operator = "Containing"
	NotContaining    Operator = "NotContaining"
	In               Operator = "In"
	NotIn            Operator = "NotIn"
	IsNull           Operator = "IsNull"
	IsNotNull        Operator = "IsNotNull"
	True             Operator = "True"
	False            Operator = "False"
)

var arities = map[Operator]int{
	Equals:           1,
	NotEquals:        1,
	GreaterThan:      1,
	GreaterThanEqual: 1,
	LessThan:         1,
	LessThanEqual:    1,
	Between:          2,
	Like:             1,
	NotLike:          1,
	StartingWith:     1,
	EndingWith:       1,
	Containing:       1,
	NotContaining:    1,
	In:               1,
	NotIn:            1,
	IsNull:           0,
	IsNotNull:        0,
	True:             0,
	False:            0,
}

// Arity returns the number of operands op consumes.
// The second result is false for an unknown operator.
func (op Operator) Arity() (int, bool) {
	n, ok := arities[op]
	return n, ok
}

// Valid reports whether op is a known operator.
func (op Operator) Valid() bool {
	_, ok := arities[op]
	return ok
}

// TakesList reports whether the single operand must be an ir.List.
func (op Operator) TakesList() bool {
	return op == In || op == NotIn
}

// IsTextual reports whether op only applies to string properties.
func (op Operator) IsTextual() bool {
	switch op {
	case Like, NotLike, StartingWith, EndingWith, Containing, NotContaining:
		return true
	}
	return false
}

// Logic is the connective of a Combine node.
type Logic string

const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
	LogicNot Logic = "NOT"
)

// Leaf compares the value at Path with Operands.
//
// IgnoreCase applies to string comparisons only; both sides are lower-cased
// before comparing.
type Leaf struct {
	Path       entity.Path
	Op         Operator
	Operands   []ir.Value
	IgnoreCase bool
}

func (Leaf) predicateNode() {}

// Combine joins child predicates.
//
// Semantics:
//   - AND with no children is true
//   - OR with no children is false
//   - NOT has exactly one child
//
// Children keep their insertion order. Order has no effect on the result
// but is preserved for traces.
type Combine struct {
	Logic    Logic
	Children []Node
}

func (Combine) predicateNode() {}

// NewLeaf builds a leaf, copying path and operands.
func NewLeaf(path entity.Path, op Operator, operands ...ir.Value) Leaf {
	return Leaf{Path: path.Clone(), Op: op, Operands: cloneValues(operands)}
}

// And returns the conjunction of children.
func And(children ...Node) Combine {
	return Combine{Logic: LogicAnd, Children: cloneNodes(children)}
}

// Or returns the disjunction of children.
func Or(children ...Node) Combine {
	return Combine{Logic: LogicOr, Children: cloneNodes(children)}
}

// Not negates child.
func Not(child Node) Combine {
	return Combine{Logic: LogicNot, Children: []Node{child}}
}

// Always is the constant true (empty AND).
func Always() Combine {
	return Combine{Logic: LogicAnd}
}

// Never is the constant false (empty OR).
func Never() Combine {
	return Combine{Logic: LogicOr}
}

// IsAlways reports whether n is a zero-child AND.
func IsAlways(n Node) bool {
	c, ok := n.(Combine)
	return ok && c.Logic == LogicAnd && len(c.Children) == 0
}

// IsNever reports whether n is a zero-child OR.
func IsNever(n Node) bool {
	c, ok := n.(Combine)
	return ok && c.Logic == LogicOr && len(c.Children) == 0
}

// Leaves returns every leaf in depth-first, left-to-right order.
func Leaves(n Node) []Leaf {
	var out []Leaf
	walk(n, func(l Leaf) { out = append(out, l) })
	return out
}

func walk(n Node, fn func(Leaf)) {
	switch node := n.(type) {
	case Leaf:
		fn(node)
	case Combine:
		for _, c := range node.Children {
			walk(c, fn)
		}
	}
}

// Simplify folds constant subtrees and collapses single-child AND/OR.
// The result is semantically equivalent to n.
func Simplify(n Node) Node {
	c, ok := n.(Combine)
	if !ok {
		return n
	}
	switch c.Logic {
	case LogicNot:
		if len(c.Children) != 1 {
			return c
		}
		child := Simplify(c.Children[0])
		switch {
		case IsAlways(child):
			return Never()
		case IsNever(child):
			return Always()
		}
		if inner, ok := child.(Combine); ok && inner.Logic == LogicNot && len(inner.Children) == 1 {
			return inner.Children[0]
		}
		return Not(child)
	case LogicAnd, LogicOr:
		absorbing := IsNever
		neutral := IsAlways
		if c.Logic == LogicOr {
			absorbing, neutral = IsAlways, IsNever
		}
		kept := make([]Node, 0, len(c.Children))
		for _, child := range c.Children {
			s := Simplify(child)
			if absorbing(s) {
				return s
			}
			if neutral(s) {
				continue
			}
			kept = append(kept, s)
		}
		switch len(kept) {
		case 0:
			return Combine{Logic: c.Logic}
		case 1:
			return kept[0]
		}
		return Combine{Logic: c.Logic, Children: kept}
	}
	return c
}

func cloneNodes(nodes []Node) []Node {
	if len(nodes) == 0 {
		return nil
	}
	out := make([]Node, len(nodes))
	copy(out, nodes)
	return out
}

func cloneValues(values []ir.Value) []ir.Value {
	if len(values) == 0 {
		return nil
	}
	out := make([]ir.Value, len(values))
	for i, v := range values {
		out[i] = ir.CloneValue(v)
	}
	return out
}

// Clone returns a deep copy of n. Leaf paths and operands and Combine
// children are copied at every level.
func Clone(n Node) Node {
	switch n := n.(type) {
	case Leaf:
		n.Path = n.Path.Clone()
		n.Operands = cloneValues(n.Operands)
		return n
	case Combine:
		if len(n.Children) == 0 {
			n.Children = nil
			return n
		}
		children := make([]Node, len(n.Children))
		for i, c := range n.Children {
			children[i] = Clone(c)
		}
		n.Children = children
		return n
	default:
		return n
	}
}
