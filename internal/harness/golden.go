package harness

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/qplan/internal/ir"
)

// goldenDir holds the fixtures AssertGolden compares against, relative to
// the package under test.
var goldenDir = filepath.Join("testdata", "golden")

// TraceSnapshot is the golden-file form of a scenario run: its name and
// the plans each step compiled. Plan IDs come from a sequence, so two runs
// of one scenario marshal to identical bytes.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Trace        []TraceEvent `json:"trace"`
}

// Snapshot pairs a result's trace with the scenario name.
func Snapshot(name string, result *Result) TraceSnapshot {
	return TraceSnapshot{ScenarioName: name, Trace: result.Trace}
}

// Marshal renders the snapshot as canonical JSON. A step that failed
// before producing an outcome has no "outcome" key.
func (s *TraceSnapshot) Marshal() ([]byte, error) {
	steps := make(ir.List, len(s.Trace))
	for i, ev := range s.Trace {
		rec := ir.Record{
			"step":   ir.String(ev.Step),
			"entity": ir.String(ev.Entity),
			"plans":  recordList(ev.Plans),
		}
		if ev.Outcome != nil {
			rec["outcome"] = ev.Outcome
		}
		steps[i] = rec
	}
	out, err := ir.MarshalCanonical(ir.Record{
		"scenario_name": ir.String(s.ScenarioName),
		"trace":         steps,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal trace of %s: %w", s.ScenarioName, err)
	}
	return out, nil
}

func recordList(recs []ir.Record) ir.List {
	out := make(ir.List, len(recs))
	for i, r := range recs {
		out[i] = r
	}
	return out
}

// RunWithGolden runs the scenario and checks its trace against
// testdata/golden/<name>.golden. Pass -update to rewrite the fixture.
func RunWithGolden(t *testing.T, scenario *Scenario, opts ...Option) (*Result, error) {
	t.Helper()

	result, err := Run(scenario, opts...)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden checks an existing result against the golden fixture for
// name. Mismatches fail t through goldie; only marshalling errors are
// returned.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	snapshot := Snapshot(name, result)
	data, err := snapshot.Marshal()
	if err != nil {
		return err
	}
	goldie.New(t, goldie.WithFixtureDir(goldenDir), goldie.WithNameSuffix(".golden")).Assert(t, name, data)
	return nil
}
