// Package repository runs derived and composed queries against a store.
//
// A Repository is bound to one entity descriptor. It turns a method-name
// signature or a Specification into a plan, executes it through the store
// and shapes the result as a list, a single row, a page, a slice or a
// projection.
//
// A Session is the unit of work. It holds the identity cache (one managed
// record per identity) and every lock its queries took. Close releases
// both.
//
// # Identity cache
//
// A find returns the managed record for every identity the session already
// holds, even when the database row changed since. Bulk updates and
// deletes write straight to the table and leave managed records untouched
// unless the call asks for ClearAutomatically. Read-only queries never
// register their rows.
package repository
