// Package store is the SQLite execution collaborator for query plans.
//
// The store owns one table per entity descriptor, compiles plans to SQL
// through querysql and hands rows back as ir.Records keyed by property
// name. It implements page.RowSource and projection.Loader.
//
// # Row shape
//
// Scalar properties arrive as Int, String or Bool according to the
// property type. An association that the plan fetched arrives as a nested
// Record with every column of the target. An association that was not
// fetched arrives as a Record holding only the target's identity. A null
// foreign key arrives as Null.
//
// # Deterministic Query Results
//
// Every select ends its ORDER BY with the identity column, so paging is
// stable across calls.
//
// # Locks
//
// SQLite has no row locks. Plans with an exclusive or shared lock mode are
// served through FetchLocked, which takes in-process identity locks from
// the store's LockTable, re-reads the locked rows, and holds the locks
// until the owner releases them.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//   - case_sensitive_like=ON: LIKE matches case the way in-memory evaluation does
package store
