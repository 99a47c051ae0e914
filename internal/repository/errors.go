package repository

import (
	"errors"
	"fmt"

	"github.com/roach88/qplan/internal/plan"
)

// Error codes for execution-time result errors.
const (
	ErrCodeNonUnique = "E501"
	ErrCodeEmpty     = "E502"
	ErrCodeSubject   = "E504"
)

// NonUniqueResultError is returned when a single-row query matched more
// than one row.
type NonUniqueResultError struct {
	Query string
	Count int
}

func (e *NonUniqueResultError) Error() string {
	return fmt.Sprintf("%s: %s returned %d rows, expected at most one", ErrCodeNonUnique, e.Query, e.Count)
}

// EmptyResultError is returned when a query that must return exactly one
// row matched none.
type EmptyResultError struct {
	Query string
}

func (e *EmptyResultError) Error() string {
	return fmt.Sprintf("%s: %s returned no rows, expected exactly one", ErrCodeEmpty, e.Query)
}

// SubjectMismatchError is returned when a signature's subject does not fit
// the method it was passed to, such as a countBy signature given to FindAll.
type SubjectMismatchError struct {
	Signature string
	Want      plan.Subject
	Got       plan.Subject
}

func (e *SubjectMismatchError) Error() string {
	return fmt.Sprintf("%s: %q is a %s query, expected %s", ErrCodeSubject, e.Signature, e.Got, e.Want)
}

// IsNonUnique reports whether err is a *NonUniqueResultError.
func IsNonUnique(err error) bool {
	var e *NonUniqueResultError
	return errors.As(err, &e)
}

// IsEmptyResult reports whether err is an *EmptyResultError.
func IsEmptyResult(err error) bool {
	var e *EmptyResultError
	return errors.As(err, &e)
}
