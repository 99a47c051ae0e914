package compiler

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/roach88/qplan/internal/entity"
)

// Validation error codes (E100-E199)
const (
	ErrUnsupportedInput = "E100" // unsupported input type for validation

	// Entity definition errors (E101-E109)
	ErrInvalidEntityName   = "E101" // entity name empty or not UpperCamelCase
	ErrEntityNoProperties  = "E102" // at least one property required
	ErrIdentityInvalid     = "E103" // identity missing, undeclared or not a plain scalar
	ErrInvalidFieldType    = "E104" // invalid type string
	ErrDuplicateName       = "E105" // duplicate entity/property/column name
	ErrFloatTypeForbidden  = "E106" // float types not allowed
	ErrUnknownTarget       = "E107" // association target not defined
	ErrMisplacedTarget     = "E108" // target declared on a scalar property
	ErrInvalidPropertyName = "E109" // property name empty or not lowerCamelCase
)

// ValidationError represents a schema validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Line    int    `json:"line,omitempty"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("[%s] line %d: %s: %s", e.Code, e.Line, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Validate checks entity definitions against schema rules.
// Returns all errors found (does not fail-fast).
// Accepts a single Definition (pointer or value) or a slice. Association
// targets are only checked against the definitions passed in the same call.
func Validate(v any) []ValidationError {
	switch defs := v.(type) {
	case []entity.Definition:
		return validateDefinitions(defs)
	case *entity.Definition:
		return validateDefinitions([]entity.Definition{*defs})
	case entity.Definition:
		return validateDefinitions([]entity.Definition{defs})
	default:
		return []ValidationError{{
			Field:   "type",
			Message: fmt.Sprintf("unsupported input type: %T", v),
			Code:    ErrUnsupportedInput,
		}}
	}
}

func validateDefinitions(defs []entity.Definition) []ValidationError {
	var errs []ValidationError

	names := make(map[string]bool, len(defs))
	for i, def := range defs {
		if names[def.Name] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("entity[%d].name", i),
				Message: fmt.Sprintf("duplicate entity name: %q", def.Name),
				Code:    ErrDuplicateName,
			})
		}
		names[def.Name] = true
	}

	for _, def := range defs {
		errs = append(errs, validateDefinition(def, names)...)
	}
	return errs
}

// validateDefinition validates one entity against the set of defined names.
func validateDefinition(def entity.Definition, defined map[string]bool) []ValidationError {
	var errs []ValidationError
	prefix := "entity." + def.Name

	// E101: entity name
	if !entityNamePattern.MatchString(def.Name) {
		errs = append(errs, ValidationError{
			Field:   prefix,
			Message: fmt.Sprintf("invalid entity name %q, expected UpperCamelCase", def.Name),
			Code:    ErrInvalidEntityName,
		})
	}

	// E102: at least one property
	if len(def.Properties) == 0 {
		errs = append(errs, ValidationError{
			Field:   prefix + ".properties",
			Message: "at least one property is required",
			Code:    ErrEntityNoProperties,
		})
	}

	propNames := make(map[string]bool, len(def.Properties))
	columns := make(map[string]string, len(def.Properties))
	for _, prop := range def.Properties {
		field := prefix + ".properties." + prop.Name

		// E109: property name
		if !propertyNamePattern.MatchString(prop.Name) {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("invalid property name %q, expected lowerCamelCase", prop.Name),
				Code:    ErrInvalidPropertyName,
			})
		}

		// E105: duplicate property
		if propNames[prop.Name] {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("duplicate property name: %q", prop.Name),
				Code:    ErrDuplicateName,
			})
		}
		propNames[prop.Name] = true

		errs = append(errs, validateFieldType(string(prop.Type), field+".type", prop.Name)...)

		// E105: duplicate column, with defaults applied
		column := columnFor(prop)
		if other, dup := columns[column]; dup {
			errs = append(errs, ValidationError{
				Field:   field + ".column",
				Message: fmt.Sprintf("column %q already used by %q", column, other),
				Code:    ErrDuplicateName,
			})
		} else {
			columns[column] = prop.Name
		}

		switch {
		case prop.Type == entity.TypeAssociation && !defined[prop.Target]:
			// E107
			errs = append(errs, ValidationError{
				Field:   field + ".target",
				Message: fmt.Sprintf("unknown association target %q", prop.Target),
				Code:    ErrUnknownTarget,
			})
		case prop.Type != entity.TypeAssociation && prop.Target != "":
			// E108
			errs = append(errs, ValidationError{
				Field:   field + ".target",
				Message: fmt.Sprintf("property %q is not an association and cannot declare a target", prop.Name),
				Code:    ErrMisplacedTarget,
			})
		}
	}

	// E103: identity
	errs = append(errs, validateIdentity(def, prefix)...)
	return errs
}

func validateIdentity(def entity.Definition, prefix string) []ValidationError {
	field := prefix + ".identity"
	if strings.TrimSpace(def.Identity) == "" {
		return []ValidationError{{
			Field:   field,
			Message: "identity is required",
			Code:    ErrIdentityInvalid,
		}}
	}
	for _, prop := range def.Properties {
		if prop.Name != def.Identity {
			continue
		}
		if prop.Type == entity.TypeAssociation || prop.Nullable {
			return []ValidationError{{
				Field:   field,
				Message: fmt.Sprintf("identity %q must be a non-nullable scalar", def.Identity),
				Code:    ErrIdentityInvalid,
			}}
		}
		return nil
	}
	return []ValidationError{{
		Field:   field,
		Message: fmt.Sprintf("identity %q is not a declared property", def.Identity),
		Code:    ErrIdentityInvalid,
	}}
}

// validateFieldType validates a type string, returning errors for invalid types and floats.
func validateFieldType(fieldType, fieldPath, fieldName string) []ValidationError {
	// E106: float forbidden
	if isFloatType(fieldType) {
		return []ValidationError{{
			Field:   fieldPath,
			Message: fmt.Sprintf("float type forbidden for field %q, use int instead", fieldName),
			Code:    ErrFloatTypeForbidden,
		}}
	}

	// E104: check for valid type
	if !entity.Type(fieldType).Valid() {
		return []ValidationError{{
			Field:   fieldPath,
			Message: fmt.Sprintf("invalid type %q for field %q", fieldType, fieldName),
			Code:    ErrInvalidFieldType,
		}}
	}
	return nil
}

func columnFor(prop entity.PropertyDef) string {
	if prop.Column != "" {
		return prop.Column
	}
	if prop.Type == entity.TypeAssociation {
		return entity.SnakeCase(prop.Name) + "_id"
	}
	return entity.SnakeCase(prop.Name)
}

// isFloatType checks if a type string represents a float type.
func isFloatType(t string) bool {
	floatTypes := map[string]bool{
		"float":   true,
		"float32": true,
		"float64": true,
		"number":  true,
		"double":  true,
		"decimal": true,
	}
	return floatTypes[t]
}

var (
	entityNamePattern   = regexp.MustCompile(`^[A-Z][a-zA-Z0-9]*$`)
	propertyNamePattern = regexp.MustCompile(`^[a-z][a-zA-Z0-9]*$`)
)
