package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Scenario is a repository conformance test: entities, seed rows, a list
// of query steps with expectations, and assertions on the final state.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Entities lists CUE files holding the entity definitions.
	// Paths are relative to the base path given at load time.
	Entities []string `yaml:"entities"`

	// IDPrefix prefixes the deterministic plan IDs ("plan-1", "plan-2", ...).
	// Defaults to "plan".
	IDPrefix string `yaml:"id_prefix,omitempty"`

	// Seed rows are saved in order before the first step. Save association
	// targets first.
	Seed []SeedStep `yaml:"seed,omitempty"`

	// Steps run in order against one session.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final state through a fresh session.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// SeedStep saves rows of one entity. An association property may be given
// as the target's identity or as a record.
type SeedStep struct {
	Entity string           `yaml:"entity"`
	Rows   []map[string]any `yaml:"rows"`
}

// Step runs one repository operation. Exactly one of Query and Bulk is set.
type Step struct {
	// Name labels the step in errors and traces. Defaults to the query.
	Name string `yaml:"name,omitempty"`

	// Entity selects the repository.
	Entity string `yaml:"entity"`

	// Query is a derived signature, e.g. findByUsernameAndAgeGreaterThan.
	// Its subject decides whether rows, a count, a flag or a delete count
	// come back.
	Query string `yaml:"query,omitempty"`

	// Args are bound left to right.
	Args []any `yaml:"args,omitempty"`

	// Page runs a find as a page request; with Slice set it runs as a slice.
	Page  *PageSpec `yaml:"page,omitempty"`
	Slice bool      `yaml:"slice,omitempty"`

	// Shape overrides the signature's result shape: "list", "one" or
	// "optional".
	Shape string `yaml:"shape,omitempty"`

	// Fetch and ReadOnly are hints annotated on the signature.
	Fetch    []string `yaml:"fetch,omitempty"`
	ReadOnly bool     `yaml:"read_only,omitempty"`

	// Projection names the paths of a closed projection.
	Projection []string `yaml:"projection,omitempty"`

	// Bulk runs a specification-driven update or delete.
	Bulk *BulkSpec `yaml:"bulk,omitempty"`

	// Expect validates the step's outcome. Nil means only "no error".
	Expect *Expect `yaml:"expect,omitempty"`
}

// Label returns the step's name, or its query when unnamed.
func (s Step) Label() string {
	switch {
	case s.Name != "":
		return s.Name
	case s.Query != "":
		return s.Query
	case s.Bulk != nil && s.Bulk.Delete:
		return "delete " + s.Entity
	default:
		return "update " + s.Entity
	}
}

// PageSpec is a page request. Sort entries read "path" or "path desc".
type PageSpec struct {
	Index int      `yaml:"index"`
	Size  int      `yaml:"size"`
	Sort  []string `yaml:"sort,omitempty"`
}

// BulkSpec is an update (Set/Increment) or a delete over the rows matching
// every Where condition.
type BulkSpec struct {
	Where     []Condition      `yaml:"where,omitempty"`
	Set       map[string]any   `yaml:"set,omitempty"`
	Increment map[string]int64 `yaml:"increment,omitempty"`
	Delete    bool             `yaml:"delete,omitempty"`

	// Clear invalidates the session's identity cache afterwards.
	Clear bool `yaml:"clear,omitempty"`
}

// Condition is one specification leaf. Op is an operator name such as
// Equals or GreaterThanEqual.
type Condition struct {
	Path       string `yaml:"path"`
	Op         string `yaml:"op"`
	Args       []any  `yaml:"args,omitempty"`
	IgnoreCase bool   `yaml:"ignore_case,omitempty"`
}

// Expect holds the expected outcome of a step. Only set fields are checked.
type Expect struct {
	// IDs are the identities of the returned rows, in order.
	IDs []any `yaml:"ids,omitempty"`

	// Rows are subset-matched against the returned rows, in order. Keys may
	// be dotted paths such as team.name.
	Rows []map[string]any `yaml:"rows,omitempty"`

	// Empty expects no rows (or an absent optional).
	Empty bool `yaml:"empty,omitempty"`

	Count    *int64 `yaml:"count,omitempty"`
	Exists   *bool  `yaml:"exists,omitempty"`
	Affected *int64 `yaml:"affected,omitempty"`

	// Total and HasNext describe a page or slice.
	Total   *int64 `yaml:"total,omitempty"`
	HasNext *bool  `yaml:"has_next,omitempty"`

	// Error expects the step to fail with a message containing this text.
	Error string `yaml:"error,omitempty"`
}

// Assertion validates the final state.
type Assertion struct {
	// Type is "final_state" or "row_count".
	Type string `yaml:"type"`

	// Entity names the entity to query.
	Entity string `yaml:"entity"`

	// Where selects rows by equality (used by final_state).
	Where map[string]any `yaml:"where,omitempty"`

	// Expect contains expected values, subset-matched (used by final_state).
	Expect map[string]any `yaml:"expect,omitempty"`

	// Count is the expected number of rows (used by row_count).
	Count int64 `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertFinalState = "final_state"
	AssertRowCount   = "row_count"
)

// Result shape names accepted by Step.Shape.
const (
	ShapeList     = "list"
	ShapeOne      = "one"
	ShapeOptional = "optional"
)

// LoadScenario reads and parses a scenario YAML file. Entity paths are
// resolved relative to the scenario file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	return LoadScenarioWithBasePath(path, filepath.Dir(path))
}

// LoadScenarioWithBasePath reads and parses a scenario YAML file,
// resolving entity paths relative to basePath.
func LoadScenarioWithBasePath(path, basePath string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}

	for i, p := range scenario.Entities {
		if !filepath.IsAbs(p) && basePath != "" {
			scenario.Entities[i] = filepath.Join(basePath, p)
		}
	}

	if err := validateEntityFiles(scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return scenario, nil
}

// ParseScenario decodes and validates a scenario without touching the
// filesystem.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if len(s.Entities) == 0 {
		return fmt.Errorf("entities list is required and must be non-empty")
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, seed := range s.Seed {
		if seed.Entity == "" {
			return fmt.Errorf("seed[%d]: entity is required", i)
		}
		if len(seed.Rows) == 0 {
			return fmt.Errorf("seed[%d]: rows are required", i)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}

	return nil
}

func validateStep(index int, s *Step) error {
	if s.Entity == "" {
		return fmt.Errorf("steps[%d]: entity is required", index)
	}

	switch {
	case s.Query == "" && s.Bulk == nil:
		return fmt.Errorf("steps[%d]: one of query or bulk is required", index)
	case s.Query != "" && s.Bulk != nil:
		return fmt.Errorf("steps[%d]: query and bulk are mutually exclusive", index)
	}

	if s.Bulk != nil {
		hasSet := len(s.Bulk.Set) > 0 || len(s.Bulk.Increment) > 0
		if s.Bulk.Delete == hasSet {
			return fmt.Errorf("steps[%d].bulk: exactly one of delete or set/increment is required", index)
		}
		for j, c := range s.Bulk.Where {
			if c.Path == "" || c.Op == "" {
				return fmt.Errorf("steps[%d].bulk.where[%d]: path and op are required", index, j)
			}
		}
	}

	if s.Page != nil && s.Page.Size <= 0 {
		return fmt.Errorf("steps[%d].page: size must be positive", index)
	}
	if s.Slice && s.Page == nil {
		return fmt.Errorf("steps[%d]: slice requires page", index)
	}

	switch strings.ToLower(s.Shape) {
	case "", ShapeList, ShapeOne, ShapeOptional:
	default:
		return fmt.Errorf("steps[%d]: unknown shape %q", index, s.Shape)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}
	if a.Entity == "" {
		return fmt.Errorf("assertions[%d]: entity is required", index)
	}

	switch a.Type {
	case AssertFinalState:
		if len(a.Where) == 0 {
			return fmt.Errorf("assertions[%d]: where is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	case AssertRowCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for row_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}

func validateEntityFiles(s *Scenario) error {
	for _, p := range s.Entities {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			return fmt.Errorf("entity file not found: %s", p)
		}
	}
	return nil
}
