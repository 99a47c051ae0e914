package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/qplan/internal/entity"
	"github.com/roach88/qplan/internal/ir"
	"github.com/roach88/qplan/internal/queryir"
	"github.com/roach88/qplan/internal/repository"
	"github.com/roach88/qplan/internal/specification"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string // Assertion type for categorization
	Expected string // Human-readable expected outcome
	Actual   string // Human-readable actual outcome
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	return fmt.Sprintf("assertion failed: %s: expected %s, actual %s", e.Type, e.Expected, e.Actual)
}

// checkExpect compares a step's outcome with its expect clause and returns
// one message per mismatch.
func checkExpect(exp *Expect, res stepResult, err error) []string {
	if exp == nil {
		if err != nil {
			return []string{fmt.Sprintf("unexpected error: %v", err)}
		}
		return nil
	}

	if exp.Error != "" {
		switch {
		case err == nil:
			return []string{fmt.Sprintf("expected error containing %q, got none", exp.Error)}
		case !strings.Contains(err.Error(), exp.Error):
			return []string{fmt.Sprintf("expected error containing %q, got %q", exp.Error, err.Error())}
		}
		return nil
	}
	if err != nil {
		return []string{fmt.Sprintf("unexpected error: %v", err)}
	}

	var msgs []string
	if exp.IDs != nil {
		want, convErr := ir.FromAny(exp.IDs)
		got := res.outcome["ids"]
		switch {
		case convErr != nil:
			msgs = append(msgs, fmt.Sprintf("expect.ids: %v", convErr))
		case got == nil:
			msgs = append(msgs, "expect.ids: step returned no rows")
		case !ir.Equal(want, got):
			msgs = append(msgs, fmt.Sprintf("ids: expected %s, got %s", render(want), render(got)))
		}
	}

	if exp.Rows != nil {
		if len(exp.Rows) != len(res.rows) {
			msgs = append(msgs, fmt.Sprintf("rows: expected %d, got %d", len(exp.Rows), len(res.rows)))
		} else {
			for i, want := range exp.Rows {
				if msg := matchRecord(res.rows[i], want); msg != "" {
					msgs = append(msgs, fmt.Sprintf("rows[%d]: %s", i, msg))
				}
			}
		}
	}

	if exp.Empty && len(res.rows) > 0 {
		msgs = append(msgs, fmt.Sprintf("expected no rows, got %d", len(res.rows)))
	}

	checks := []struct {
		key  string
		want ir.Value
	}{
		{"count", intPtr(exp.Count)},
		{"exists", boolPtr(exp.Exists)},
		{"affected", intPtr(exp.Affected)},
		{"total", intPtr(exp.Total)},
		{"has_next", boolPtr(exp.HasNext)},
	}
	for _, c := range checks {
		if c.want == nil {
			continue
		}
		got, ok := res.outcome[c.key]
		switch {
		case !ok:
			msgs = append(msgs, fmt.Sprintf("%s: not produced by this step", c.key))
		case !ir.Equal(c.want, got):
			msgs = append(msgs, fmt.Sprintf("%s: expected %s, got %s", c.key, render(c.want), render(got)))
		}
	}
	return msgs
}

// matchRecord subset-matches expected against actual. Keys may be dotted
// paths into loaded associations. Returns "" on a match.
func matchRecord(actual ir.Record, expected map[string]any) string {
	for _, key := range sortedKeys(expected) {
		want, err := ir.FromAny(expected[key])
		if err != nil {
			return fmt.Sprintf("field %q: %v", key, err)
		}
		got, ok := actual.Get(entity.ParsePath(key)...)
		if !ok {
			return fmt.Sprintf("field %q not present in %s", key, render(actual))
		}
		if !ir.Equal(want, got) {
			return fmt.Sprintf("field %q = %s, expected %s", key, render(got), render(want))
		}
	}
	return ""
}

// assertFinalState loads the single row matching every where entry and
// subset-matches it against the assertion's expect.
func assertFinalState(ctx context.Context, h *Harness, sess *repository.Session, a Assertion) error {
	repo, err := h.repository(a.Entity)
	if err != nil {
		return err
	}

	specs := make([]specification.Specification, 0, len(a.Where))
	for _, key := range sortedKeys(a.Where) {
		v, err := ir.FromAny(a.Where[key])
		if err != nil {
			return fmt.Errorf("final_state where %q: %w", key, err)
		}
		var s specification.Specification
		if ir.IsNull(v) {
			s, err = specification.Where(repo.Entity(), key, queryir.IsNull)
		} else {
			s, err = specification.Where(repo.Entity(), key, queryir.Equals, v)
		}
		if err != nil {
			return err
		}
		specs = append(specs, s)
	}
	spec := specification.AllOf(specs...)

	rows, err := repo.Matching(ctx, sess, spec, nil)
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("query %s where %s", a.Entity, spec),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}
	if len(rows) != 1 {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("exactly one %s where %s", a.Entity, spec),
			Actual:   fmt.Sprintf("%d rows", len(rows)),
		}
	}
	if msg := matchRecord(rows[0], a.Expect); msg != "" {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%s where %s to match %v", a.Entity, spec, a.Expect),
			Actual:   msg,
		}
	}
	return nil
}

// assertRowCount counts every row of the entity.
func assertRowCount(ctx context.Context, h *Harness, sess *repository.Session, a Assertion) error {
	repo, err := h.repository(a.Entity)
	if err != nil {
		return err
	}
	n, err := repo.MatchingCount(ctx, sess, specification.All())
	if err != nil {
		return err
	}
	if n != a.Count {
		return &AssertionError{
			Type:     AssertRowCount,
			Expected: fmt.Sprintf("%d %s rows", a.Count, a.Entity),
			Actual:   fmt.Sprintf("%d rows", n),
		}
	}
	return nil
}

// EvaluateAssertions evaluates all assertions through a fresh session, so
// the step session's identity cache never hides the stored state.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(ctx context.Context, h *Harness, assertions []Assertion) []string {
	if len(assertions) == 0 {
		return nil
	}
	sess := repository.NewSession(h.store, repository.WithSessionID("assertions"))
	defer sess.Close()

	var errors []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertFinalState:
			err = assertFinalState(ctx, h, sess, a)
		case AssertRowCount:
			err = assertRowCount(ctx, h, sess, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errors = append(errors, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errors
}

func intPtr(p *int64) ir.Value {
	if p == nil {
		return nil
	}
	return ir.Int(*p)
}

func boolPtr(p *bool) ir.Value {
	if p == nil {
		return nil
	}
	return ir.Bool(*p)
}

func render(v ir.Value) string {
	out, err := ir.MarshalValue(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(out)
}
