package harness

import (
	"fmt"

	"github.com/roach88/qplan/internal/ir"
)

// TraceEvent records one executed step: the plans it compiled and a
// summary of what came back.
type TraceEvent struct {
	Step    string      `json:"step"`
	Entity  string      `json:"entity"`
	Plans   []ir.Record `json:"plans"`
	Outcome ir.Record   `json:"outcome"`
}

// Result is what running a scenario produced. Pass is false as soon as
// one expectation or assertion fails; Errors then says which.
type Result struct {
	Pass   bool         `json:"pass"`
	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`
}

func newResult() *Result {
	return &Result{Pass: true, Trace: []TraceEvent{}, Errors: []string{}}
}

func (r *Result) failf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.Pass = false
}

func (r *Result) record(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}

// Plans counts the plans compiled across every step.
func (r *Result) Plans() int {
	n := 0
	for _, ev := range r.Trace {
		n += len(ev.Plans)
	}
	return n
}
