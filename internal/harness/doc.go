// Package harness runs repository conformance scenarios.
//
// A scenario names CUE entity files, seeds rows, runs derived queries and
// bulk statements through the repository façade, and checks what comes
// back. Every step's compiled plans are recorded so a run can be compared
// against a golden trace.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: derived_finders
//	description: "Derived finders over members and teams"
//	entities:
//	  - entities/member.cue
//	seed:
//	  - entity: Team
//	    rows: [{id: 1, name: teamA}]
//	  - entity: Member
//	    rows: [{id: 1, username: m1, age: 10, team: 1}]
//	steps:
//	  - entity: Member
//	    query: findByTeamName
//	    args: [teamA]
//	    expect:
//	      ids: [1]
//	  - entity: Member
//	    bulk:
//	      where: [{path: age, op: GreaterThanEqual, args: [20]}]
//	      increment: {age: 1}
//	    expect:
//	      affected: 0
//	assertions:
//	  - type: final_state
//	    entity: Member
//	    where: {id: 1}
//	    expect: {age: 10}
//
// # Assertion Types
//
//   - final_state: exactly one row matches where, and its fields match expect
//   - row_count: the entity has exactly count rows
//
// # Deterministic Testing
//
// Each run uses an in-memory SQLite database and a plan ID sequence
// ("plan-1", "plan-2", ...), so the same scenario always produces the same
// trace.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/derived_finders.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, msg := range result.Errors {
//	    log.Println(msg)
//	}
package harness
