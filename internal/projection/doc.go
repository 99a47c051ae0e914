// Package projection reshapes retrieved rows into partial views.
//
// Three variants exist:
//
//   - Closed declares accessor paths. Only those columns (plus the identity)
//     are retrieved and values are copied straight from the row. A nested
//     closed projection over an association exposes a subset of the
//     association's fields but still retrieves the association in full.
//   - Open declares accessor expressions over the whole entity
//     (target.username + ' ' + target.team.name). The full entity is
//     retrieved and referenced associations may be loaded lazily while the
//     expression runs.
//   - ClassBased passes the declared paths positionally to a constructor
//     function. The constructor's arity is checked when the projection is
//     built.
//
// Every variant reports the columns it needs through Describe so the plan
// compiler can restrict retrieval, and reads values through a Target.
package projection
