// Package derive turns method-name signatures into predicate trees.
//
// Grammar (keywords are case-sensitive and only match at camel-case word
// boundaries):
//
//	signature  := subject qualifier "By" predicate ["AllIgnoreCase"] ["OrderBy" order+]
//	subject    := find | get | read | query | search | stream   (all mean find)
//	            | count | exists | delete | remove
//	qualifier  := { "Distinct" | ("First"|"Top") [N] | shape word | entity noun }
//	predicate  := part { ("And"|"Or") part }
//	part       := property [operator] ["IgnoreCase"]
//	order      := property ["Asc"|"Desc"]
//
// Property identifiers resolve against the entity descriptor: a direct
// property wins, then the longest camel-case prefix that names an
// association is tried, recursing into the association's descriptor. An
// explicit "_" forces the split (Team_Name). A terminal association is
// compared by its identity (findByTeam -> team.id).
//
// AND binds tighter than OR. Both fold left, so
//
//	findByAAndBOrC  ->  OR(AND(a, b), c)
//
// Parsing produces a Template, which carries the tree without operands and
// is safe to share. Bind consumes arguments left to right, one per operand.
// Cache memoizes templates by signature and descriptor fingerprint.
package derive
