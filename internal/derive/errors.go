package derive

import (
	"errors"
	"fmt"
)

// Error codes for derivation failures.
const (
	ErrCodeMalformed    = "E201"
	ErrCodeUnresolvable = "E202"
	ErrCodeArity        = "E203"
	ErrCodeArgument     = "E204"
)

// MalformedSignatureError means the signature has no recognizable subject
// or predicate clause.
type MalformedSignatureError struct {
	Signature string
	Reason    string
}

func (e *MalformedSignatureError) Error() string {
	return fmt.Sprintf("%s: malformed signature %q: %s", ErrCodeMalformed, e.Signature, e.Reason)
}

// UnresolvablePropertyError means no split of Identifier resolves to a
// property path on Entity.
type UnresolvablePropertyError struct {
	Signature  string
	Identifier string
	Entity     string
}

func (e *UnresolvablePropertyError) Error() string {
	return fmt.Sprintf("%s: %q in %q does not resolve to a property of %s", ErrCodeUnresolvable, e.Identifier, e.Signature, e.Entity)
}

// ArityMismatchError means the bound argument count differs from the sum of
// the leaves' operand arities.
type ArityMismatchError struct {
	Signature string
	Want      int
	Got       int
}

func (e *ArityMismatchError) Error() string {
	return fmt.Sprintf("%s: %q takes %d argument(s), got %d", ErrCodeArity, e.Signature, e.Want, e.Got)
}

// ArgumentError means the arguments had the right count but the bound tree
// is invalid (wrong kinds, a scalar where In needs a list).
type ArgumentError struct {
	Signature string
	Err       error
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("%s: arguments for %q: %v", ErrCodeArgument, e.Signature, e.Err)
}

func (e *ArgumentError) Unwrap() error { return e.Err }

// IsMalformed reports whether err wraps a *MalformedSignatureError.
func IsMalformed(err error) bool {
	var e *MalformedSignatureError
	return errors.As(err, &e)
}

// IsUnresolvable reports whether err wraps an *UnresolvablePropertyError.
func IsUnresolvable(err error) bool {
	var e *UnresolvablePropertyError
	return errors.As(err, &e)
}

// IsArityMismatch reports whether err wraps an *ArityMismatchError.
func IsArityMismatch(err error) bool {
	var e *ArityMismatchError
	return errors.As(err, &e)
}
