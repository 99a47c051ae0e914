// Package specification composes typed predicates without any naming
// convention.
//
// A Specification wraps one predicate tree plus the entity it was built
// for. And, Or and Not return new values and never touch their operands, so
// specifications can be shared and composed from any goroutine. All and None
// are the identities for And and Or; they belong to no entity and adopt the
// entity of whatever they are combined with.
package specification

import (
	"errors"
	"fmt"

	"github.com/roach88/qplan/internal/entity"
	"github.com/roach88/qplan/internal/ir"
	"github.com/roach88/qplan/internal/queryir"
)

// ErrCodeInvalidPath is carried by every *InvalidPropertyPathError.
const ErrCodeInvalidPath = "E205"

// InvalidPropertyPathError is returned when a criterion names a path that
// does not resolve to a terminal property.
type InvalidPropertyPathError struct {
	Entity string
	Path   string
	Reason string
}

func (e *InvalidPropertyPathError) Error() string {
	return fmt.Sprintf("%s: invalid property path %q on %s: %s", ErrCodeInvalidPath, e.Path, e.Entity, e.Reason)
}

// Specification is an immutable, composable predicate.
type Specification struct {
	entity *entity.Descriptor
	node   queryir.Node
}

// All matches every row.
func All() Specification {
	return Specification{node: queryir.Always()}
}

// None matches no row.
func None() Specification {
	return Specification{node: queryir.Never()}
}

// Where builds an atomic criterion on a dotted path.
func Where(desc *entity.Descriptor, path string, op queryir.Operator, operands ...ir.Value) (Specification, error) {
	p := entity.ParsePath(path)
	if _, err := desc.Resolve(p); err != nil {
		var pe *entity.PathError
		reason := err.Error()
		if errors.As(err, &pe) {
			reason = pe.Reason
		}
		return Specification{}, &InvalidPropertyPathError{Entity: desc.Name(), Path: path, Reason: reason}
	}

	leaf := queryir.NewLeaf(p, op, operands...)
	if err := queryir.Validate(leaf, desc); err != nil {
		return Specification{}, err
	}
	return Specification{entity: desc, node: leaf}, nil
}

// MustWhere is like Where but panics on error.
func MustWhere(desc *entity.Descriptor, path string, op queryir.Operator, operands ...ir.Value) Specification {
	s, err := Where(desc, path, op, operands...)
	if err != nil {
		panic(err)
	}
	return s
}

// IgnoringCase returns a copy whose leaf compares strings case-insensitively.
// Only atomic specifications on string properties can ignore case; anything
// else is returned unchanged.
func (s Specification) IgnoringCase() Specification {
	leaf, ok := s.node.(queryir.Leaf)
	if !ok || s.entity == nil {
		return s
	}
	prop, err := s.entity.Resolve(leaf.Path)
	if err != nil || prop.Type != entity.TypeString {
		return s
	}
	out := queryir.NewLeaf(leaf.Path, leaf.Op, leaf.Operands...)
	out.IgnoreCase = true
	return Specification{entity: s.entity, node: out}
}

// And returns s AND other.
func (s Specification) And(other Specification) Specification {
	return Specification{entity: join(s, other), node: queryir.And(s.node, other.node)}
}

// Or returns s OR other.
func (s Specification) Or(other Specification) Specification {
	return Specification{entity: join(s, other), node: queryir.Or(s.node, other.node)}
}

// Not returns NOT s.
func (s Specification) Not() Specification {
	return Specification{entity: s.entity, node: queryir.Not(s.node)}
}

// And is the package-level form of Specification.And.
func And(a, b Specification) Specification { return a.And(b) }

// Or is the package-level form of Specification.Or.
func Or(a, b Specification) Specification { return a.Or(b) }

// Not is the package-level form of Specification.Not.
func Not(a Specification) Specification { return a.Not() }

// AllOf folds specs with And, starting from All.
func AllOf(specs ...Specification) Specification {
	out := All()
	for _, s := range specs {
		out = out.And(s)
	}
	return out
}

// AnyOf folds specs with Or, starting from None.
func AnyOf(specs ...Specification) Specification {
	out := None()
	for _, s := range specs {
		out = out.Or(s)
	}
	return out
}

// Node returns the predicate tree.
func (s Specification) Node() queryir.Node {
	if s.node == nil {
		return queryir.Always()
	}
	return s.node
}

// Entity returns the descriptor the specification was built for, or nil
// for specifications built only from All and None.
func (s Specification) Entity() *entity.Descriptor { return s.entity }

// IsSatisfiedBy evaluates the specification against one record.
func (s Specification) IsSatisfiedBy(rec ir.Record) bool {
	return queryir.Eval(s.Node(), rec)
}

func (s Specification) String() string {
	return queryir.String(s.Node())
}

// join picks the entity of a combination. Combining specifications built
// for different entities is a programming error and panics.
func join(a, b Specification) *entity.Descriptor {
	switch {
	case a.entity == nil:
		return b.entity
	case b.entity == nil:
		return a.entity
	case a.entity != b.entity && a.entity.Fingerprint() != b.entity.Fingerprint():
		panic(fmt.Sprintf("specification: cannot combine %s with %s", a.entity.Name(), b.entity.Name()))
	}
	return a.entity
}
