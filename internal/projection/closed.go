package projection

import (
	"fmt"

	"github.com/roach88/qplan/internal/entity"
	"github.com/roach88/qplan/internal/ir"
	"github.com/roach88/qplan/internal/plan"
)

// Field is one accessor of a closed projection. Name defaults to the last
// segment of Path. A Nested projection reads the association at Path.
type Field struct {
	Name   string
	Path   string
	Nested *Closed
}

func (f Field) name() string {
	if f.Name != "" {
		return f.Name
	}
	p := entity.ParsePath(f.Path)
	if len(p) == 0 {
		return ""
	}
	return p[len(p)-1]
}

// Closed exposes exactly its declared fields. The result is an ir.Record
// keyed by field name.
type Closed struct {
	Fields []Field
}

// NewClosed builds a closed projection of plain paths.
func NewClosed(paths ...string) *Closed {
	c := &Closed{}
	for _, p := range paths {
		c.Fields = append(c.Fields, Field{Path: p})
	}
	return c
}

// Describe restricts retrieval to the declared paths plus the identity.
// Nested projections do not restrict their association: it is listed in
// FullFetch and retrieved whole.
func (c *Closed) Describe(desc *entity.Descriptor) (plan.Projection, error) {
	out := plan.Projection{Kind: plan.ProjectionClosed}
	if err := c.collect(desc, &out); err != nil {
		return plan.Projection{}, err
	}
	out.Columns = identityFirst(desc, out.Columns)
	return out, nil
}

func (c *Closed) collect(desc *entity.Descriptor, out *plan.Projection) error {
	if len(c.Fields) == 0 {
		return &FieldError{Field: desc.Name(), Reason: "closed projection declares no fields"}
	}
	seen := make(map[string]bool, len(c.Fields))
	for _, f := range c.Fields {
		name := f.name()
		if name == "" {
			return &FieldError{Field: desc.Name(), Reason: "field with empty path"}
		}
		if seen[name] {
			return &FieldError{Field: name, Reason: "declared twice"}
		}
		seen[name] = true

		path := entity.ParsePath(f.Path)
		if f.Nested == nil {
			if _, err := desc.Resolve(path); err != nil {
				return &FieldError{Field: f.Path, Reason: err.Error()}
			}
			out.Columns = append(out.Columns, path)
			continue
		}

		prop, err := desc.ResolveAssociation(path)
		if err != nil {
			return &FieldError{Field: f.Path, Reason: err.Error()}
		}
		out.FullFetch = append(out.FullFetch, path)

		var nested plan.Projection
		if err := f.Nested.collect(prop.Target, &nested); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		for _, ff := range nested.FullFetch {
			out.FullFetch = append(out.FullFetch, append(path.Clone(), ff...))
		}
	}
	return nil
}

// Apply copies the declared fields out of the row.
func (c *Closed) Apply(t *Target) (any, error) {
	return c.read(t, nil)
}

func (c *Closed) read(t *Target, prefix entity.Path) (ir.Record, error) {
	out := make(ir.Record, len(c.Fields))
	for _, f := range c.Fields {
		path := append(prefix.Clone(), entity.ParsePath(f.Path)...)
		if f.Nested == nil {
			v, err := t.Get(path)
			if err != nil {
				return nil, err
			}
			out[f.name()] = v
			continue
		}

		v, err := t.Get(path)
		if err != nil {
			return nil, err
		}
		if ir.IsNull(v) {
			out[f.name()] = ir.Null{}
			continue
		}
		nested, err := f.Nested.read(t, path)
		if err != nil {
			return nil, err
		}
		out[f.name()] = nested
	}
	return out, nil
}
