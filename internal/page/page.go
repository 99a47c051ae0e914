// Package page cuts raw rows into pages and slices.
//
// A Page carries the total element count and is derived from one content
// fetch plus, when the content alone cannot prove the total, one count
// query. A Slice only knows whether more rows follow; it fetches one row
// beyond the requested size and never counts.
package page

import (
	"github.com/roach88/qplan/internal/plan"
)

// Page is one window of a result with total-count metadata.
type Page[T any] struct {
	content []T
	request plan.PageRequest
	total   int64
}

// New builds a page. Total is the number of rows across all pages.
func New[T any](content []T, req plan.PageRequest, total int64) Page[T] {
	return Page[T]{content: content, request: req, total: total}
}

// Content returns the rows of this page.
func (p Page[T]) Content() []T { return p.content }

// Number is the zero-based page index.
func (p Page[T]) Number() int { return p.request.Index }

// Size is the requested page size, not the content length.
func (p Page[T]) Size() int { return p.request.Size }

// NumberOfElements is the content length.
func (p Page[T]) NumberOfElements() int { return len(p.content) }

// Sort is the sort the page was requested with.
func (p Page[T]) Sort() plan.Sort { return p.request.Sort }

// Request returns the request that produced the page.
func (p Page[T]) Request() plan.PageRequest { return p.request }

// TotalElements is the row count across all pages.
func (p Page[T]) TotalElements() int64 { return p.total }

// TotalPages is ceil(total/size), or 0 when there are no rows.
func (p Page[T]) TotalPages() int {
	if p.request.Size <= 0 || p.total == 0 {
		return 0
	}
	size := int64(p.request.Size)
	return int((p.total + size - 1) / size)
}

func (p Page[T]) IsFirst() bool { return p.request.Index == 0 }
func (p Page[T]) IsLast() bool { return !p.HasNext() }
func (p Page[T]) HasNext() bool { return p.request.Index+1 < p.TotalPages() }
func (p Page[T]) HasPrevious() bool { return p.request.Index > 0 }
func (p Page[T]) HasContent() bool { return len(p.content) > 0 }

// Slice is one window of a result that only knows whether more rows
// follow.
type Slice[T any] struct {
	content []T
	request plan.PageRequest
	hasNext bool
}

// NewSlice builds a slice.
func NewSlice[T any](content []T, req plan.PageRequest, hasNext bool) Slice[T] {
	return Slice[T]{content: content, request: req, hasNext: hasNext}
}

func (s Slice[T]) Content() []T { return s.content }
func (s Slice[T]) Number() int { return s.request.Index }
func (s Slice[T]) Size() int { return s.request.Size }
func (s Slice[T]) NumberOfElements() int { return len(s.content) }
func (s Slice[T]) Sort() plan.Sort { return s.request.Sort }
func (s Slice[T]) Request() plan.PageRequest { return s.request }
func (s Slice[T]) IsFirst() bool { return s.request.Index == 0 }
func (s Slice[T]) IsLast() bool { return !s.hasNext }
func (s Slice[T]) HasNext() bool { return s.hasNext }
func (s Slice[T]) HasPrevious() bool { return s.request.Index > 0 }
func (s Slice[T]) HasContent() bool { return len(s.content) > 0 }

// Map converts page content, keeping the metadata.
func Map[T, U any](p Page[T], fn func(T) U) Page[U] {
	return Page[U]{content: mapAll(p.content, fn), request: p.request, total: p.total}
}

// MapSlice converts slice content, keeping the metadata.
func MapSlice[T, U any](s Slice[T], fn func(T) U) Slice[U] {
	return Slice[U]{content: mapAll(s.content, fn), request: s.request, hasNext: s.hasNext}
}

func mapAll[T, U any](in []T, fn func(T) U) []U {
	out := make([]U, len(in))
	for i, v := range in {
		out[i] = fn(v)
	}
	return out
}
