package entity

import (
	"errors"
	"fmt"
	"sort"

	"github.com/roach88/qplan/internal/ir"
)

// Definition is the unlinked input for one entity, as produced by the
// mapping layer (CUE definitions, fixtures, tests).
type Definition struct {
	Name       string
	Table      string
	Identity   string
	Properties []PropertyDef
}

// PropertyDef declares one property. Target names the associated entity and
// must be set exactly when Type is TypeAssociation. An empty Column defaults
// to the snake-cased name, or "<name>_id" for associations.
type PropertyDef struct {
	Name     string
	Type     Type
	Nullable bool
	Column   string
	Target   string
}

// Describer is the mapping-layer contract: resolve an entity name to its
// descriptor.
type Describer interface {
	Describe(name string) (*Descriptor, error)
}

// Registry is the process-wide, write-once set of descriptors.
type Registry struct {
	descriptors map[string]*Descriptor
}

var _ Describer = (*Registry)(nil)

// NewRegistry validates and links defs. Every association target must be
// defined in the same call; cycles between entities are allowed.
func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{descriptors: make(map[string]*Descriptor, len(defs))}

	// First pass: allocate descriptors so targets can be linked by pointer.
	for _, def := range defs {
		if def.Name == "" {
			return nil, &DefinitionError{Message: "entity name is required"}
		}
		if _, dup := r.descriptors[def.Name]; dup {
			return nil, &DefinitionError{Entity: def.Name, Message: "duplicate entity"}
		}
		table := def.Table
		if table == "" {
			table = SnakeCase(def.Name)
		}
		r.descriptors[def.Name] = &Descriptor{
			name:     def.Name,
			table:    table,
			identity: def.Identity,
			byName:   make(map[string]int, len(def.Properties)),
		}
	}

	// Second pass: properties and links.
	for _, def := range defs {
		d := r.descriptors[def.Name]
		if err := r.link(d, def); err != nil {
			return nil, err
		}
	}

	for _, d := range r.descriptors {
		fp, err := ir.Fingerprint(ir.DomainEntity, d.shape())
		if err != nil {
			return nil, fmt.Errorf("fingerprint %s: %w", d.name, err)
		}
		d.fingerprint = fp
	}
	return r, nil
}

func (r *Registry) link(d *Descriptor, def Definition) error {
	if len(def.Properties) == 0 {
		return &DefinitionError{Entity: def.Name, Message: "entity has no properties"}
	}
	columns := make(map[string]string, len(def.Properties))
	for _, pd := range def.Properties {
		if pd.Name == "" {
			return &DefinitionError{Entity: def.Name, Message: "property name is required"}
		}
		if _, dup := d.byName[pd.Name]; dup {
			return &DefinitionError{Entity: def.Name, Property: pd.Name, Message: "duplicate property"}
		}
		if !pd.Type.Valid() {
			return &DefinitionError{Entity: def.Name, Property: pd.Name, Message: fmt.Sprintf("unknown type %q", pd.Type)}
		}

		p := Property{Name: pd.Name, Type: pd.Type, Nullable: pd.Nullable, Column: pd.Column}
		if pd.Type == TypeAssociation {
			target, ok := r.descriptors[pd.Target]
			if !ok {
				return &DefinitionError{Entity: def.Name, Property: pd.Name, Message: fmt.Sprintf("unknown association target %q", pd.Target)}
			}
			p.Target = target
			if p.Column == "" {
				p.Column = SnakeCase(pd.Name) + "_id"
			}
		} else {
			if pd.Target != "" {
				return &DefinitionError{Entity: def.Name, Property: pd.Name, Message: "only associations may declare a target"}
			}
			if p.Column == "" {
				p.Column = SnakeCase(pd.Name)
			}
		}
		if other, dup := columns[p.Column]; dup {
			return &DefinitionError{Entity: def.Name, Property: pd.Name, Message: fmt.Sprintf("column %q already used by %q", p.Column, other)}
		}
		columns[p.Column] = p.Name

		d.byName[p.Name] = len(d.properties)
		d.properties = append(d.properties, p)
	}

	if def.Identity == "" {
		return &DefinitionError{Entity: def.Name, Message: "identity property is required"}
	}
	id, ok := d.Property(def.Identity)
	if !ok {
		return &DefinitionError{Entity: def.Name, Property: def.Identity, Message: "identity property is not declared"}
	}
	if id.IsAssociation() || id.Nullable {
		return &DefinitionError{Entity: def.Name, Property: def.Identity, Message: "identity must be a non-nullable scalar"}
	}
	return nil
}

// Describe returns the descriptor for name.
func (r *Registry) Describe(name string) (*Descriptor, error) {
	d, ok := r.descriptors[name]
	if !ok {
		return nil, &UnknownEntityError{Name: name}
	}
	return d, nil
}

// MustDescribe is like Describe but panics on an unknown name.
func (r *Registry) MustDescribe(name string) *Descriptor {
	d, err := r.Describe(name)
	if err != nil {
		panic(err)
	}
	return d
}

// Names returns the registered entity names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.descriptors))
	for n := range r.descriptors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// DefinitionError reports an invalid entity definition.
type DefinitionError struct {
	Entity   string
	Property string
	Message  string
}

func (e *DefinitionError) Error() string {
	switch {
	case e.Entity == "":
		return "entity definition: " + e.Message
	case e.Property == "":
		return fmt.Sprintf("entity %s: %s", e.Entity, e.Message)
	default:
		return fmt.Sprintf("entity %s.%s: %s", e.Entity, e.Property, e.Message)
	}
}

// UnknownEntityError is returned by Describe for unregistered names.
type UnknownEntityError struct {
	Name string
}

func (e *UnknownEntityError) Error() string {
	return fmt.Sprintf("unknown entity %q", e.Name)
}

// PathError reports a property path that does not resolve.
type PathError struct {
	Entity string
	Path   Path
	Reason string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("path %q on %s: %s", e.Path.String(), e.Entity, e.Reason)
}

// IsPathError reports whether err wraps a *PathError.
func IsPathError(err error) bool {
	var pe *PathError
	return errors.As(err, &pe)
}
