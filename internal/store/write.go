package store

import (
	"context"
	"fmt"

	"github.com/roach88/qplan/internal/entity"
	"github.com/roach88/qplan/internal/ir"
	"github.com/roach88/qplan/internal/plan"
	"github.com/roach88/qplan/internal/querysql"
)

// Save inserts or replaces records of desc in one transaction.
// A nested association record is stored as its identity only; save the
// target rows first.
func (s *Store) Save(ctx context.Context, desc *entity.Descriptor, recs ...ir.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	for i, rec := range recs {
		if id, ok := rec[desc.Identity()]; !ok || ir.IsNull(id) {
			return fmt.Errorf("save %s[%d]: identity %q is required", desc.Name(), i, desc.Identity())
		}
		stmt, err := querysql.Upsert(desc, rec)
		if err != nil {
			return fmt.Errorf("save %s[%d]: %w", desc.Name(), i, err)
		}
		s.trace(stmt)
		if _, err := tx.ExecContext(ctx, stmt.SQL, stmt.Args...); err != nil {
			return fmt.Errorf("save %s[%d]: %w", desc.Name(), i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	return nil
}

// Execute runs an update or delete plan and returns the affected row
// count. Bulk plans write straight to the table and never consult or
// refresh any caller-side identity cache.
func (s *Store) Execute(ctx context.Context, p *plan.QueryPlan) (int64, error) {
	if !p.Subject().IsBulk() {
		return 0, fmt.Errorf("execute: %s plan is not a bulk operation", p.Subject())
	}
	stmt, err := s.sql.Bulk(p)
	if err != nil {
		return 0, fmt.Errorf("compile plan %s: %w", p.ID(), err)
	}
	s.trace(stmt)
	res, err := s.db.ExecContext(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return 0, fmt.Errorf("execute %s %s: %w", p.Subject(), p.Entity().Name(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	s.metrics.RowsAffected(n)
	return n, nil
}
