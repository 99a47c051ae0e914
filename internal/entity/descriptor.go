package entity

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/roach88/qplan/internal/ir"
)

// Type is the declared type of a property.
type Type string

const (
	TypeString      Type = "string"
	TypeInt         Type = "int"
	TypeBool        Type = "bool"
	TypeTime        Type = "time"
	TypeAssociation Type = "association"
)

// Valid reports whether t is a known property type.
func (t Type) Valid() bool {
	switch t {
	case TypeString, TypeInt, TypeBool, TypeTime, TypeAssociation:
		return true
	}
	return false
}

// Property describes one field of an entity.
//
// Column is the storage column; for associations it is the foreign-key
// column holding the target's identity. Target is nil for scalar properties.
type Property struct {
	Name     string
	Type     Type
	Nullable bool
	Column   string
	Target   *Descriptor
}

// IsAssociation reports whether the property points at another entity.
func (p Property) IsAssociation() bool {
	return p.Type == TypeAssociation
}

// Descriptor is the immutable description of one entity type.
// All fields are unexported; accessors return copies.
type Descriptor struct {
	name        string
	table       string
	identity    string
	properties  []Property
	byName      map[string]int
	fingerprint string
}

// Name returns the entity name (e.g. "Member").
func (d *Descriptor) Name() string { return d.name }

// Table returns the storage table name.
func (d *Descriptor) Table() string { return d.table }

// Identity returns the name of the identity property.
func (d *Descriptor) Identity() string { return d.identity }

// IdentityProperty returns the identity property.
func (d *Descriptor) IdentityProperty() Property {
	return d.properties[d.byName[d.identity]]
}

// Fingerprint is a content hash of the descriptor's shape. Two descriptors
// with equal fingerprints resolve every path identically.
func (d *Descriptor) Fingerprint() string { return d.fingerprint }

// Properties returns the properties in declaration order.
func (d *Descriptor) Properties() []Property {
	out := make([]Property, len(d.properties))
	copy(out, d.properties)
	return out
}

// Property looks up a property by exact name.
func (d *Descriptor) Property(name string) (Property, bool) {
	i, ok := d.byName[name]
	if !ok {
		return Property{}, false
	}
	return d.properties[i], true
}

// Resolve walks path through associations and returns the terminal property.
// The terminal property must be scalar.
func (d *Descriptor) Resolve(path Path) (Property, error) {
	p, err := d.walk(path)
	if err != nil {
		return Property{}, err
	}
	if p.IsAssociation() {
		return Property{}, &PathError{Entity: d.name, Path: path, Reason: fmt.Sprintf("%q is an association, not a terminal field", p.Name)}
	}
	return p, nil
}

// ResolveAssociation walks path and requires the last hop to be an
// association. Used for fetch paths.
func (d *Descriptor) ResolveAssociation(path Path) (Property, error) {
	p, err := d.walk(path)
	if err != nil {
		return Property{}, err
	}
	if !p.IsAssociation() {
		return Property{}, &PathError{Entity: d.name, Path: path, Reason: fmt.Sprintf("%q is not an association", p.Name)}
	}
	return p, nil
}

func (d *Descriptor) walk(path Path) (Property, error) {
	if len(path) == 0 {
		return Property{}, &PathError{Entity: d.name, Path: path, Reason: "empty path"}
	}
	cur := d
	var p Property
	for i, name := range path {
		var ok bool
		p, ok = cur.Property(name)
		if !ok {
			return Property{}, &PathError{Entity: d.name, Path: path, Reason: fmt.Sprintf("%s has no property %q", cur.name, name)}
		}
		if i < len(path)-1 && !p.IsAssociation() {
			return Property{}, &PathError{Entity: d.name, Path: path, Reason: fmt.Sprintf("cannot traverse scalar %q", name)}
		}
		if p.IsAssociation() {
			cur = p.Target
		}
	}
	return p, nil
}

// String returns the entity name.
func (d *Descriptor) String() string { return d.name }

// shape is the canonical form hashed into the fingerprint. Association
// targets are referenced by name so cyclic graphs stay finite.
func (d *Descriptor) shape() ir.Record {
	props := make(ir.List, len(d.properties))
	for i, p := range d.properties {
		rec := ir.Record{
			"name":     ir.String(p.Name),
			"type":     ir.String(string(p.Type)),
			"nullable": ir.Bool(p.Nullable),
			"column":   ir.String(p.Column),
		}
		if p.Target != nil {
			rec["target"] = ir.String(p.Target.name)
		}
		props[i] = rec
	}
	return ir.Record{
		"name":       ir.String(d.name),
		"table":      ir.String(d.table),
		"identity":   ir.String(d.identity),
		"properties": props,
	}
}

// Path is an ordered sequence of property names, one per association hop.
type Path []string

// ParsePath splits a dotted path ("team.name").
func ParsePath(s string) Path {
	if s == "" {
		return nil
	}
	return Path(strings.Split(s, "."))
}

// String renders the path dotted.
func (p Path) String() string {
	return strings.Join(p, ".")
}

// Equal reports element-wise equality.
func (p Path) Equal(other Path) bool {
	if len(p) != len(other) {
		return false
	}
	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}
	return true
}

// HasPrefix reports whether prefix is a leading sub-path of p.
func (p Path) HasPrefix(prefix Path) bool {
	return len(prefix) <= len(p) && Path(p[:len(prefix)]).Equal(prefix)
}

// Clone returns an independent copy.
func (p Path) Clone() Path {
	if p == nil {
		return nil
	}
	out := make(Path, len(p))
	copy(out, p)
	return out
}

// SnakeCase converts a property name to its default column name
// ("createdDate" -> "created_date").
func SnakeCase(name string) string {
	var b strings.Builder
	runes := []rune(name)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
