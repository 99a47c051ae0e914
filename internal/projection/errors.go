package projection

import (
	"errors"
	"fmt"
)

// Error codes for projection failures.
const (
	ErrCodeArity = "E401"
	ErrCodeExpr  = "E402"
	ErrCodeField = "E403"
)

// ProjectionArityError is returned when a class-based projection's
// constructor does not take one parameter per declared path.
type ProjectionArityError struct {
	Constructor string
	Want        int
	Got         int
}

func (e *ProjectionArityError) Error() string {
	return fmt.Sprintf("%s: constructor %s takes %d parameter(s), %d path(s) declared", ErrCodeArity, e.Constructor, e.Got, e.Want)
}

// IsArityError reports whether err is a *ProjectionArityError.
func IsArityError(err error) bool {
	var pe *ProjectionArityError
	return errors.As(err, &pe)
}

// ExprError reports an open-projection expression that does not parse.
type ExprError struct {
	Expr   string
	Pos    int
	Reason string
}

func (e *ExprError) Error() string {
	return fmt.Sprintf("%s: expression %q at %d: %s", ErrCodeExpr, e.Expr, e.Pos, e.Reason)
}

// FieldError reports a projection field that cannot be resolved or
// converted.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: field %q: %s", ErrCodeField, e.Field, e.Reason)
}
