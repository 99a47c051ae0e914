package plan

import (
	"fmt"
	"strings"

	"github.com/roach88/qplan/internal/entity"
	"github.com/roach88/qplan/internal/ir"
)

// Subject is what the plan does with matching rows.
type Subject string

const (
	SubjectFind   Subject = "find"
	SubjectCount  Subject = "count"
	SubjectExists Subject = "exists"
	SubjectDelete Subject = "delete"
	SubjectUpdate Subject = "update"
)

// Valid reports whether s is a known subject.
func (s Subject) Valid() bool {
	switch s {
	case SubjectFind, SubjectCount, SubjectExists, SubjectDelete, SubjectUpdate:
		return true
	}
	return false
}

// IsBulk reports whether the subject modifies rows.
func (s Subject) IsBulk() bool {
	return s == SubjectDelete || s == SubjectUpdate
}

// Direction is a sort direction.
type Direction string

const (
	Ascending  Direction = "ASC"
	Descending Direction = "DESC"
)

// Order is one sort key.
type Order struct {
	Path      entity.Path
	Direction Direction
}

// Asc orders by a dotted path ascending.
func Asc(path string) Order {
	return Order{Path: entity.ParsePath(path), Direction: Ascending}
}

// Desc orders by a dotted path descending.
func Desc(path string) Order {
	return Order{Path: entity.ParsePath(path), Direction: Descending}
}

// Sort is an ordered list of sort keys. Earlier keys take precedence.
type Sort []Order

// By builds a Sort.
func By(orders ...Order) Sort {
	return Sort(orders).clone()
}

// Contains reports whether path is already a sort key.
func (s Sort) Contains(path entity.Path) bool {
	for _, o := range s {
		if o.Path.Equal(path) {
			return true
		}
	}
	return false
}

// Merge returns s followed by every order of other whose path s does not
// already name. Orders in s win on conflict.
func (s Sort) Merge(other Sort) Sort {
	out := s.clone()
	for _, o := range other {
		if !out.Contains(o.Path) {
			out = append(out, Order{Path: o.Path.Clone(), Direction: o.Direction})
		}
	}
	return out
}

func (s Sort) String() string {
	parts := make([]string, len(s))
	for i, o := range s {
		parts[i] = fmt.Sprintf("%s %s", o.Path, o.Direction)
	}
	return strings.Join(parts, ", ")
}

func (s Sort) clone() Sort {
	if len(s) == 0 {
		return nil
	}
	out := make(Sort, len(s))
	for i, o := range s {
		out[i] = Order{Path: o.Path.Clone(), Direction: o.Direction}
	}
	return out
}

// PageRequest asks for one page of a sorted result.
// Index is zero-based.
type PageRequest struct {
	Index int
	Size  int
	Sort  Sort
}

// NewPageRequest validates index and size.
func NewPageRequest(index, size int, orders ...Order) (PageRequest, error) {
	if index < 0 {
		return PageRequest{}, fmt.Errorf("page index must be >= 0, got %d", index)
	}
	if size <= 0 {
		return PageRequest{}, fmt.Errorf("page size must be > 0, got %d", size)
	}
	return PageRequest{Index: index, Size: size, Sort: By(orders...)}, nil
}

// PageOf is like NewPageRequest but panics on invalid input.
func PageOf(index, size int, orders ...Order) PageRequest {
	pr, err := NewPageRequest(index, size, orders...)
	if err != nil {
		panic(err)
	}
	return pr
}

// Offset returns the number of rows before the first row of the page.
func (p PageRequest) Offset() int {
	return p.Index * p.Size
}

// Next returns the request for the following page.
func (p PageRequest) Next() PageRequest {
	return PageRequest{Index: p.Index + 1, Size: p.Size, Sort: p.Sort.clone()}
}

// Previous returns the request for the preceding page, or the first page.
func (p PageRequest) Previous() PageRequest {
	if p.Index == 0 {
		return p
	}
	return PageRequest{Index: p.Index - 1, Size: p.Size, Sort: p.Sort.clone()}
}

// LockMode is the row lock the collaborator must take.
type LockMode string

const (
	LockNone      LockMode = ""
	LockShared    LockMode = "shared"
	LockExclusive LockMode = "exclusive"
)

// Valid reports whether m is a known lock mode.
func (m LockMode) Valid() bool {
	switch m {
	case LockNone, LockShared, LockExclusive:
		return true
	}
	return false
}

// Expr is the right-hand side of an update assignment.
// Sealed: Literal, Ref and Add.
type Expr interface {
	expr()
}

// Literal is a constant value.
type Literal struct {
	Value ir.Value
}

func (Literal) expr() {}

// Ref reads the current value at Path on the same row.
type Ref struct {
	Path entity.Path
}

func (Ref) expr() {}

// Add is integer addition.
type Add struct {
	Left  Expr
	Right Expr
}

func (Add) expr() {}

// Assignment sets Path to the value of Expr on every affected row.
type Assignment struct {
	Path entity.Path
	Expr Expr
}

// Set builds an assignment for a dotted path.
func Set(path string, e Expr) Assignment {
	return Assignment{Path: entity.ParsePath(path), Expr: e}
}

// Increment is the assignment "path = path + n".
func Increment(path string, n int64) Assignment {
	p := entity.ParsePath(path)
	return Assignment{Path: p, Expr: Add{Left: Ref{Path: p}, Right: Literal{Value: ir.Int(n)}}}
}

// ExprString renders an expression ("age + 1").
func ExprString(e Expr) string {
	switch x := e.(type) {
	case Literal:
		out, err := ir.MarshalValue(x.Value)
		if err != nil {
			return "?"
		}
		return string(out)
	case Ref:
		return x.Path.String()
	case Add:
		return ExprString(x.Left) + " + " + ExprString(x.Right)
	}
	return fmt.Sprintf("<%T>", e)
}

// ProjectionKind names the projection variant that produced a column set.
type ProjectionKind string

const (
	ProjectionClosed ProjectionKind = "closed"
	ProjectionOpen   ProjectionKind = "open"
	ProjectionClass  ProjectionKind = "class"
)

// Projection describes what the collaborator must retrieve for a
// projected find. Columns lists terminal paths; empty Columns means the full
// entity. FullFetch lists associations retrieved in full because a nested
// projection reads them.
type Projection struct {
	Kind      ProjectionKind
	Columns   []entity.Path
	FullFetch []entity.Path
}

// Restricted reports whether only Columns need to be retrieved.
func (p Projection) Restricted() bool {
	return len(p.Columns) > 0
}

func (p Projection) clone() Projection {
	return Projection{Kind: p.Kind, Columns: clonePaths(p.Columns), FullFetch: clonePaths(p.FullFetch)}
}

func clonePaths(paths []entity.Path) []entity.Path {
	if len(paths) == 0 {
		return nil
	}
	out := make([]entity.Path, len(paths))
	for i, p := range paths {
		out[i] = p.Clone()
	}
	return out
}
