package queryir

import (
	"fmt"
	"strings"

	"github.com/roach88/qplan/internal/entity"
	"github.com/roach88/qplan/internal/ir"
)

// ArityError reports a leaf whose operand count does not match its operator.
type ArityError struct {
	Path entity.Path
	Op   Operator
	Want int
	Got  int
}

func (e *ArityError) Error() string {
	return fmt.Sprintf("%s %s: want %d operand(s), got %d", e.Path, e.Op, e.Want, e.Got)
}

// OperandError reports an operand of the wrong kind for its property or
// operator.
type OperandError struct {
	Path    entity.Path
	Op      Operator
	Message string
}

func (e *OperandError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Path, e.Op, e.Message)
}

// ValidationError collects every problem found in a tree.
// Unwrap exposes the individual errors to errors.As.
type ValidationError struct {
	Errors []error
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return "invalid predicate: " + strings.Join(msgs, "; ")
}

func (e *ValidationError) Unwrap() []error {
	return e.Errors
}

// Validate checks n against desc and returns a *ValidationError listing
// every violation, or nil.
//
// Rules:
//  1. Every leaf path resolves to a terminal, non-association property
//  2. Operand count equals the operator's arity
//  3. In/NotIn take one ir.List operand
//  4. Operand kinds match the property type; textual operators need strings
//  5. NOT has exactly one child
//
// Validate is a pure function with no side effects.
func Validate(n Node, desc *entity.Descriptor) error {
	v := &validator{desc: desc}
	v.validateNode(n)
	if len(v.errs) == 0 {
		return nil
	}
	return &ValidationError{Errors: v.errs}
}

// validator accumulates errors during traversal.
type validator struct {
	desc *entity.Descriptor
	errs []error
}

func (v *validator) add(err error) {
	v.errs = append(v.errs, err)
}

func (v *validator) validateNode(n Node) {
	switch node := n.(type) {
	case nil:
		v.add(fmt.Errorf("nil predicate node"))
	case Leaf:
		v.validateLeaf(node)
	case Combine:
		v.validateCombine(node)
	default:
		v.add(fmt.Errorf("unknown predicate node %T", n))
	}
}

func (v *validator) validateCombine(c Combine) {
	switch c.Logic {
	case LogicAnd, LogicOr:
	case LogicNot:
		if len(c.Children) != 1 {
			v.add(fmt.Errorf("NOT requires exactly one child, got %d", len(c.Children)))
		}
	default:
		v.add(fmt.Errorf("unknown logic %q", c.Logic))
	}
	for _, child := range c.Children {
		v.validateNode(child)
	}
}

func (v *validator) validateLeaf(l Leaf) {
	want, ok := l.Op.Arity()
	if !ok {
		v.add(&OperandError{Path: l.Path, Op: l.Op, Message: "unknown operator"})
		return
	}
	if len(l.Operands) != want {
		v.add(&ArityError{Path: l.Path, Op: l.Op, Want: want, Got: len(l.Operands)})
	}

	prop, err := v.desc.Resolve(l.Path)
	if err != nil {
		v.add(err)
		return
	}
	if len(l.Operands) != want {
		return
	}

	switch {
	case l.Op == IsNull || l.Op == IsNotNull:
		return
	case l.Op == True || l.Op == False:
		if prop.Type != entity.TypeBool {
			v.add(&OperandError{Path: l.Path, Op: l.Op, Message: fmt.Sprintf("requires a bool property, %s is %s", prop.Name, prop.Type)})
		}
		return
	case l.Op.IsTextual() && prop.Type != entity.TypeString:
		v.add(&OperandError{Path: l.Path, Op: l.Op, Message: fmt.Sprintf("requires a string property, %s is %s", prop.Name, prop.Type)})
		return
	}

	operands := l.Operands
	if l.Op.TakesList() {
		list, ok := l.Operands[0].(ir.List)
		if !ok {
			v.add(&OperandError{Path: l.Path, Op: l.Op, Message: fmt.Sprintf("operand must be a list, got %T", l.Operands[0])})
			return
		}
		operands = list
	}
	for _, operand := range operands {
		if msg := checkKind(prop.Type, operand); msg != "" {
			v.add(&OperandError{Path: l.Path, Op: l.Op, Message: msg})
		}
	}
}

// checkKind returns a message when operand cannot be compared with a
// property of type t. Time values travel as RFC 3339 strings.
func checkKind(t entity.Type, operand ir.Value) string {
	if ir.IsNull(operand) {
		return "null operand; use IsNull or IsNotNull"
	}
	ok := false
	switch t {
	case entity.TypeString, entity.TypeTime:
		_, ok = operand.(ir.String)
	case entity.TypeInt:
		_, ok = operand.(ir.Int)
	case entity.TypeBool:
		_, ok = operand.(ir.Bool)
	}
	if !ok {
		return fmt.Sprintf("operand %T does not match property type %s", operand, t)
	}
	return ""
}
