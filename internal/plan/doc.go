// Package plan compiles a predicate tree and its modifiers into one
// immutable QueryPlan.
//
// The predicate may come from signature derivation or from a composed
// specification; Compile does not care which. It merges the explicit sort
// with the sort carried by the page request, checks every path against the
// entity descriptor and rejects combinations that have no meaning (a paged
// bulk update, a lock on a delete). Every problem is reported at once in an
// *InvalidPlanError.
//
// A QueryPlan exposes accessors only. It is safe to share, safe to discard
// before execution, and carries everything an execution collaborator needs:
//
//	subject       find | count | exists | delete | update
//	predicate     queryir.Node (never nil; the empty AND means "all rows")
//	sort          explicit orders first, then page orders not already named
//	page          optional PageRequest (never on bulk plans)
//	fetch         association paths to load eagerly
//	lock          none | shared | exclusive
//	read-only     rows are not tracked by the caller's identity cache
//	assignments   update plans only: path = Literal | Ref | Add
//	projection    restricted column set, or nil for the full entity
//
// Exclusive, unbounded find plans are flagged with SerializeUnbounded so the
// collaborator can serialize them.
package plan
