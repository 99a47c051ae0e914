package compiler

import (
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/qplan/internal/entity"
)

// CompileEntities compiles every field under the top-level "entity" struct,
// in declaration order. A value without an "entity" struct yields no
// definitions and no error.
//
//	entity: Member: {
//		identity: "id"
//		properties: {
//			id:       int
//			username: string
//			team:     {type: "association", target: "Team", nullable: true}
//		}
//	}
func CompileEntities(v cue.Value) ([]entity.Definition, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	entities := v.LookupPath(cue.ParsePath("entity"))
	if !entities.Exists() {
		return nil, nil
	}

	iter, err := entities.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var defs []entity.Definition
	for iter.Next() {
		def, err := CompileEntity(iter.Value())
		if err != nil {
			return nil, err
		}
		defs = append(defs, *def)
	}
	return defs, nil
}

// CompileFiles compiles the entity definitions of each CUE file. Files are
// compiled independently, so associations may point across files but a
// file cannot reference another file's values.
func CompileFiles(paths ...string) ([]entity.Definition, error) {
	ctx := cuecontext.New()
	var defs []entity.Definition
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read entities: %w", err)
		}
		fileDefs, err := CompileEntities(ctx.CompileBytes(data, cue.Filename(path)))
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", path, err)
		}
		defs = append(defs, fileDefs...)
	}
	return defs, nil
}

// CompileEntity parses one entity struct. The entity name is the struct's
// label, e.g. the value at path "entity.Member" compiles to "Member".
func CompileEntity(v cue.Value) (*entity.Definition, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	if !v.Exists() {
		return nil, &CompileError{Field: "entity", Message: "entity value does not exist"}
	}

	def := &entity.Definition{}
	labels := v.Path().Selectors()
	if len(labels) > 0 {
		def.Name = labels[len(labels)-1].String()
	}

	table, err := optionalString(v, "table")
	if err != nil {
		return nil, err
	}
	def.Table = table

	identityVal := v.LookupPath(cue.ParsePath("identity"))
	if !identityVal.Exists() {
		return nil, &CompileError{
			Field:   "identity",
			Message: "identity is required",
			Pos:     v.Pos(),
		}
	}
	if def.Identity, err = identityVal.String(); err != nil {
		return nil, formatCUEError(err)
	}

	def.Properties, err = parseProperties(v)
	if err != nil {
		return nil, err
	}
	if len(def.Properties) == 0 {
		return nil, &CompileError{
			Field:   "properties",
			Message: "at least one property is required",
			Pos:     v.Pos(),
		}
	}
	return def, nil
}

// parseProperties reads the "properties" struct. A property is either a bare
// CUE type (string, int, bool), a type name ("time") or a struct with
// type/column/nullable/target fields.
func parseProperties(v cue.Value) ([]entity.PropertyDef, error) {
	propsVal := v.LookupPath(cue.ParsePath("properties"))
	if !propsVal.Exists() {
		return nil, nil
	}

	iter, err := propsVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var props []entity.PropertyDef
	for iter.Next() {
		name := iter.Label()
		pv := iter.Value()

		prop := entity.PropertyDef{Name: name}
		if pv.IncompleteKind() == cue.StructKind {
			if err := parsePropertyStruct(pv, &prop); err != nil {
				return nil, err
			}
		} else {
			typ, err := extractTypeName(pv)
			if err != nil {
				return nil, err
			}
			prop.Type = typ
		}
		props = append(props, prop)
	}
	return props, nil
}

func parsePropertyStruct(v cue.Value, prop *entity.PropertyDef) error {
	typeVal := v.LookupPath(cue.ParsePath("type"))
	if !typeVal.Exists() {
		return &CompileError{
			Field:   "properties." + prop.Name + ".type",
			Message: "property type is required",
			Pos:     v.Pos(),
		}
	}
	typ, err := extractTypeName(typeVal)
	if err != nil {
		return err
	}
	prop.Type = typ

	if prop.Column, err = optionalString(v, "column"); err != nil {
		return err
	}
	if prop.Target, err = optionalString(v, "target"); err != nil {
		return err
	}

	nullableVal := v.LookupPath(cue.ParsePath("nullable"))
	if nullableVal.Exists() {
		if prop.Nullable, err = nullableVal.Bool(); err != nil {
			return formatCUEError(err)
		}
	}

	if prop.Type == entity.TypeAssociation && prop.Target == "" {
		return &CompileError{
			Field:   "properties." + prop.Name + ".target",
			Message: "association target is required",
			Pos:     v.Pos(),
		}
	}
	return nil
}

func optionalString(v cue.Value, field string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return "", nil
	}
	s, err := fv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

// extractTypeName converts a CUE type or a concrete type name into an
// entity.Type. Floats are forbidden.
func extractTypeName(v cue.Value) (entity.Type, error) {
	if v.IsConcrete() && v.Kind() == cue.StringKind {
		name, err := v.String()
		if err != nil {
			return "", formatCUEError(err)
		}
		if isFloatType(name) {
			return "", &CompileError{
				Field:   "type",
				Message: "float types are forbidden - use int instead",
				Pos:     v.Pos(),
			}
		}
		t := entity.Type(name)
		if !t.Valid() {
			return "", &CompileError{
				Field:   "type",
				Message: fmt.Sprintf("unsupported type %q", name),
				Pos:     v.Pos(),
			}
		}
		return t, nil
	}

	switch v.IncompleteKind() {
	case cue.StringKind:
		return entity.TypeString, nil
	case cue.IntKind:
		return entity.TypeInt, nil
	case cue.BoolKind:
		return entity.TypeBool, nil
	case cue.FloatKind, cue.NumberKind:
		return "", &CompileError{
			Field:   "type",
			Message: "float types are forbidden - use int instead",
			Pos:     v.Pos(),
		}
	default:
		return "", &CompileError{
			Field:   "type",
			Message: fmt.Sprintf("unsupported type kind: %v", v.IncompleteKind()),
			Pos:     v.Pos(),
		}
	}
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
