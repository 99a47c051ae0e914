package projection

import (
	"context"
	"fmt"

	"github.com/roach88/qplan/internal/entity"
	"github.com/roach88/qplan/internal/ir"
	"github.com/roach88/qplan/internal/plan"
)

// Projection is implemented by Closed, Open and ClassBased.
type Projection interface {
	// Describe validates the projection against desc and reports what must
	// be retrieved.
	Describe(desc *entity.Descriptor) (plan.Projection, error)
	// Apply builds the projected value for one row.
	Apply(t *Target) (any, error)
}

// Apply projects every row in order.
func Apply(ctx context.Context, p Projection, desc *entity.Descriptor, rows []ir.Record, loader Loader) ([]any, error) {
	out := make([]any, 0, len(rows))
	for i, row := range rows {
		v, err := p.Apply(NewTarget(ctx, desc, row, loader))
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// As converts projected values to T. Values of any other type fail.
func As[T any](values []any) ([]T, error) {
	out := make([]T, len(values))
	for i, v := range values {
		t, ok := v.(T)
		if !ok {
			var zero T
			return nil, fmt.Errorf("projection value %d: got %T, want %T", i, v, zero)
		}
		out[i] = t
	}
	return out, nil
}

// identityFirst prepends the identity column unless it is already listed.
func identityFirst(desc *entity.Descriptor, cols []entity.Path) []entity.Path {
	id := entity.Path{desc.Identity()}
	for _, c := range cols {
		if c.Equal(id) {
			return cols
		}
	}
	return append([]entity.Path{id}, cols...)
}
