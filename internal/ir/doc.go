// Package ir provides the value types shared by every layer of qplan.
//
// Operands bound into predicate trees, assignment literals and the rows an
// execution collaborator hands back are all expressed as ir.Value. This
// package imports nothing internal, so every other package can depend on it.
//
// Key design constraints:
//   - NO float types anywhere - use int64 for numbers. Ordering and hashing of
//     plans must be deterministic.
//   - Record is keyed by property name, never by column name. Associations are
//     carried as nested Records.
//   - MarshalCanonical is the only serialization used for fingerprints and
//     memoization keys.
package ir
