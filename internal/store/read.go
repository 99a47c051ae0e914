package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/qplan/internal/entity"
	"github.com/roach88/qplan/internal/ir"
	"github.com/roach88/qplan/internal/page"
	"github.com/roach88/qplan/internal/plan"
	"github.com/roach88/qplan/internal/projection"
	"github.com/roach88/qplan/internal/querysql"
)

// ErrNotFound is returned by Load when no row has the identity.
var ErrNotFound = errors.New("row not found")

var (
	_ page.RowSource    = (*Store)(nil)
	_ projection.Loader = (*Store)(nil)
)

// Fetch runs a find plan over the window and returns rows in plan order.
// Returns an empty slice (not nil) if nothing matches.
func (s *Store) Fetch(ctx context.Context, p *plan.QueryPlan, w page.Window) ([]ir.Record, error) {
	if p.Subject() != plan.SubjectFind {
		return nil, fmt.Errorf("fetch: %s plan is not a find", p.Subject())
	}
	stmt, err := s.sql.Select(p, w.Offset, w.Limit)
	if err != nil {
		return nil, fmt.Errorf("compile plan %s: %w", p.ID(), err)
	}
	return s.query(ctx, p.Entity(), stmt)
}

// Count returns the number of rows matching the plan's predicate.
func (s *Store) Count(ctx context.Context, p *plan.QueryPlan) (int64, error) {
	stmt, err := s.sql.Count(p)
	if err != nil {
		return 0, fmt.Errorf("compile count %s: %w", p.ID(), err)
	}
	s.trace(stmt)
	var n int64
	if err := s.db.QueryRowContext(ctx, stmt.SQL, stmt.Args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", p.Entity().Name(), err)
	}
	return n, nil
}

// Exists reports whether any row matches the plan's predicate.
func (s *Store) Exists(ctx context.Context, p *plan.QueryPlan) (bool, error) {
	stmt, err := s.sql.Exists(p)
	if err != nil {
		return false, fmt.Errorf("compile exists %s: %w", p.ID(), err)
	}
	s.trace(stmt)
	rows, err := s.db.QueryContext(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", p.Entity().Name(), err)
	}
	defer rows.Close()
	found := rows.Next()
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("exists %s: %w", p.Entity().Name(), err)
	}
	return found, nil
}

// Load returns the full row of desc with the given identity.
// Associations come back as identity-only references.
func (s *Store) Load(ctx context.Context, desc *entity.Descriptor, id ir.Value) (ir.Record, error) {
	stmt, err := s.sql.Lookup(desc, id)
	if err != nil {
		return nil, err
	}
	rows, err := s.query(ctx, desc, stmt)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("load %s %v: %w", desc.Name(), ir.ToAny(id), ErrNotFound)
	}
	return rows[0], nil
}

// FetchLocked runs a find plan under the plan's lock mode on behalf of
// owner. Locks are taken on the identity of every returned row; a plan
// flagged SerializeUnbounded also takes the entity-wide lock first. Rows
// are re-read once the locks are held, and rows that only match on the
// re-read are locked in turn until the result is fully covered. Locks stay
// held until Locks().Release(owner).
func (s *Store) FetchLocked(ctx context.Context, owner string, p *plan.QueryPlan, w page.Window) ([]ir.Record, error) {
	mode := p.Lock()
	if mode == plan.LockNone {
		return s.Fetch(ctx, p, w)
	}
	desc := p.Entity()

	if p.SerializeUnbounded() {
		if err := s.locks.Acquire(ctx, owner, mode, tableKey(desc)); err != nil {
			return nil, err
		}
	}

	rows, err := s.Fetch(ctx, p, w)
	if err != nil {
		return nil, err
	}
	locked := make(map[string]bool)
	for round := 0; ; round++ {
		var missing []string
		for _, r := range rows {
			if key := identityKey(desc, r[desc.Identity()]); !locked[key] {
				missing = append(missing, key)
			}
		}
		if len(missing) == 0 {
			return rows, nil
		}
		if round == maxLockRounds {
			return coveredRows(desc, rows, locked), nil
		}
		if err := s.locks.Acquire(ctx, owner, mode, missing...); err != nil {
			return nil, err
		}
		for _, key := range missing {
			locked[key] = true
		}
		if rows, err = s.Fetch(ctx, p, w); err != nil {
			return nil, err
		}
	}
}

// maxLockRounds bounds how often FetchLocked chases rows that started
// matching while it waited for locks.
const maxLockRounds = 8

// coveredRows drops the rows whose identity is not in locked.
func coveredRows(desc *entity.Descriptor, rows []ir.Record, locked map[string]bool) []ir.Record {
	out := rows[:0:0]
	for _, r := range rows {
		if locked[identityKey(desc, r[desc.Identity()])] {
			out = append(out, r)
		}
	}
	return out
}

func (s *Store) query(ctx context.Context, desc *entity.Descriptor, stmt querysql.Statement) ([]ir.Record, error) {
	s.trace(stmt)
	rows, err := s.db.QueryContext(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", desc.Name(), err)
	}
	defer rows.Close()

	out := []ir.Record{}
	for rows.Next() {
		raw := make([]any, len(stmt.Columns))
		ptrs := make([]any, len(raw))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", desc.Name(), err)
		}
		rec, err := unmarshalRow(desc, stmt.Columns, raw)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", desc.Name(), err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", desc.Name(), err)
	}
	return out, nil
}

func (s *Store) trace(stmt querysql.Statement) {
	s.logger.Debug("sql", "statement", stmt.SQL, "args", len(stmt.Args))
}
