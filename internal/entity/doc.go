// Package entity holds the static metadata every other layer resolves
// property paths against.
//
// A Descriptor names an entity's table, its identity property and its
// ordered properties. Properties are either scalar (string, int, bool, time)
// or to-one associations that point at another Descriptor. Descriptors are
// built once by NewRegistry, linked (association cycles are allowed) and
// never mutated afterwards, so a Registry is safe to share between
// goroutines without locking.
package entity
