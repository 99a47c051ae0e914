package specification

import (
	"fmt"

	"github.com/roach88/qplan/internal/entity"
	"github.com/roach88/qplan/internal/ir"
	"github.com/roach88/qplan/internal/queryir"
)

// StringMatch selects how string properties of an example are compared.
type StringMatch string

const (
	MatchExact    StringMatch = ""
	MatchStarting StringMatch = "starting"
	MatchEnding   StringMatch = "ending"
	MatchContains StringMatch = "containing"
)

// Matcher tunes FromExample.
type Matcher struct {
	// IgnorePaths are dotted paths left out of the probe. Ignoring an
	// association ignores everything beneath it.
	IgnorePaths []string
	IgnoreCase  bool
	Strings     StringMatch
}

func (m Matcher) ignored(path entity.Path) bool {
	for _, ip := range m.IgnorePaths {
		if path.HasPrefix(entity.ParsePath(ip)) {
			return true
		}
	}
	return false
}

// FromExample builds a specification that matches rows equal to example on
// every non-null property. Nested association records are probed property
// by property; a null or missing property is not constrained.
func FromExample(desc *entity.Descriptor, example ir.Record, m Matcher) (Specification, error) {
	var specs []Specification
	if err := probe(desc, desc, nil, example, m, &specs); err != nil {
		return Specification{}, err
	}
	out := AllOf(specs...)
	if out.entity == nil {
		out.entity = desc
	}
	return out, nil
}

func probe(root, cur *entity.Descriptor, prefix entity.Path, example ir.Record, m Matcher, out *[]Specification) error {
	for _, key := range example.SortedKeys() {
		if _, ok := cur.Property(key); !ok {
			return &InvalidPropertyPathError{
				Entity: root.Name(),
				Path:   append(prefix.Clone(), key).String(),
				Reason: fmt.Sprintf("%s has no property %q", cur.Name(), key),
			}
		}
	}

	for _, prop := range cur.Properties() {
		v, ok := example[prop.Name]
		if !ok || ir.IsNull(v) {
			continue
		}
		path := append(prefix.Clone(), prop.Name)
		if m.ignored(path) {
			continue
		}

		if prop.IsAssociation() {
			nested, ok := v.(ir.Record)
			if !ok {
				return &InvalidPropertyPathError{Entity: root.Name(), Path: path.String(), Reason: "association example must be a record"}
			}
			if err := probe(root, prop.Target, path, nested, m, out); err != nil {
				return err
			}
			continue
		}

		op := queryir.Equals
		if prop.Type == entity.TypeString {
			switch m.Strings {
			case MatchStarting:
				op = queryir.StartingWith
			case MatchEnding:
				op = queryir.EndingWith
			case MatchContains:
				op = queryir.Containing
			}
		}
		s, err := Where(root, path.String(), op, v)
		if err != nil {
			return err
		}
		if m.IgnoreCase {
			s = s.IgnoringCase()
		}
		*out = append(*out, s)
	}
	return nil
}
