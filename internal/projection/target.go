package projection

import (
	"context"
	"fmt"

	"github.com/roach88/qplan/internal/entity"
	"github.com/roach88/qplan/internal/ir"
)

// Loader retrieves one full row by identity. It is used to resolve
// associations that arrived as identity-only references.
type Loader interface {
	Load(ctx context.Context, desc *entity.Descriptor, id ir.Value) (ir.Record, error)
}

// Target is the row a projection reads from. Associations that were not
// fetched carry only their identity; reading any other field through Get
// loads them once and keeps the result.
type Target struct {
	ctx    context.Context
	desc   *entity.Descriptor
	row    ir.Record
	loader Loader
	loads  int
}

// NewTarget wraps row. A nil loader disables lazy loading.
func NewTarget(ctx context.Context, desc *entity.Descriptor, row ir.Record, loader Loader) *Target {
	return &Target{ctx: ctx, desc: desc, row: row.Clone(), loader: loader}
}

// Row returns the row as loaded so far.
func (t *Target) Row() ir.Record { return t.row }

// Loads returns the number of lazy loads triggered so far.
func (t *Target) Loads() int { return t.loads }

// Get reads path, loading unfetched associations on the way.
// A null association short-circuits to null.
func (t *Target) Get(path entity.Path) (ir.Value, error) {
	if len(path) == 0 {
		return t.row, nil
	}
	cur := t.row
	d := t.desc
	for i, name := range path {
		prop, ok := d.Property(name)
		if !ok {
			return nil, &FieldError{Field: path.String(), Reason: fmt.Sprintf("%s has no property %q", d.Name(), name)}
		}
		v, present := cur[name]
		if i == len(path)-1 {
			if !present {
				return ir.Null{}, nil
			}
			return v, nil
		}
		if !prop.IsAssociation() {
			return nil, &FieldError{Field: path.String(), Reason: fmt.Sprintf("cannot traverse scalar %q", name)}
		}
		if !present || ir.IsNull(v) {
			return ir.Null{}, nil
		}
		nested, ok := v.(ir.Record)
		if !ok {
			return nil, &FieldError{Field: path.String(), Reason: fmt.Sprintf("association %q holds %T", name, v)}
		}
		if _, has := nested[path[i+1]]; !has {
			loaded, err := t.load(prop.Target, nested)
			if err != nil {
				return nil, err
			}
			if loaded != nil {
				cur[name] = loaded
				nested = loaded
			}
		}
		cur = nested
		d = prop.Target
	}
	return ir.Null{}, nil
}

func (t *Target) load(d *entity.Descriptor, ref ir.Record) (ir.Record, error) {
	if t.loader == nil {
		return nil, nil
	}
	id, ok := ref[d.Identity()]
	if !ok || ir.IsNull(id) {
		return nil, nil
	}
	loaded, err := t.loader.Load(t.ctx, d, id)
	if err != nil {
		return nil, fmt.Errorf("load %s %v: %w", d.Name(), ir.ToAny(id), err)
	}
	t.loads++
	return loaded, nil
}
