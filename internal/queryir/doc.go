// Package queryir defines the predicate tree that every query source
// compiles to.
//
// Signature derivation (package derive) and specification composition
// (package specification) both produce a queryir.Node. The plan compiler,
// the SQL backend and the in-memory evaluator consume it; none of them care
// which source built the tree.
//
// TREE SHAPE:
//
//	Node := Leaf{Path, Op, Operands, IgnoreCase}
//	      | Combine{Logic: AND|OR|NOT, Children}
//
// A Leaf compares the value found at a property path with zero, one or two
// operands. The number of operands is fixed per operator (Arity). In and
// NotIn take exactly one operand, which must be an ir.List.
//
// A zero-child AND is the constant true and a zero-child OR is the constant
// false. These are the identities that let callers fold an empty
// specification without special-casing the first criterion.
//
// SEALED INTERFACE:
//
// Node uses the marker method pattern; only Leaf and Combine implement it,
// so backends can switch exhaustively:
//
//	switch n := node.(type) {
//	case Leaf:
//	    // comparison
//	case Combine:
//	    // AND / OR / NOT
//	}
//
// VALUES:
//
// Operands are ir.Value (no floats), so trees hash and compare
// deterministically. String renders a stable trace form used by golden
// files and error messages.
package queryir
