package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Scenario defines a conformance scenario: payloads fed to a fresh mirror,
// the envelopes each should produce, and assertions on the final trace and
// state.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Catalog is an optional directory of CUE kind definitions. The
	// built-in catalog is used when empty.
	Catalog string `yaml:"catalog,omitempty"`

	// Session is the session token stamped on journaled payloads.
	// Defaults to "harness".
	Session string `yaml:"session,omitempty"`

	// StrictAtomicity rejects a whole fragment on any malformed field.
	StrictAtomicity bool `yaml:"strict_atomicity,omitempty"`

	// Setup payloads establish the baseline. They must apply cleanly.
	Setup []PayloadStep `yaml:"setup,omitempty"`

	// Flow contains the payloads and copies under test.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the final trace, cache and journal.
	Assertions []Assertion `yaml:"assertions"`
}

// PayloadStep is one inbound payload.
type PayloadStep struct {
	Kind      string         `yaml:"kind"`
	ID        int64          `yaml:"id"`
	Container int64          `yaml:"container,omitempty"`
	Fragment  map[string]any `yaml:"fragment,omitempty"`
	Removed   bool           `yaml:"removed,omitempty"`
}

// CopyStep requests a structural copy of a cached entity.
type CopyStep struct {
	Kind   string `yaml:"kind"`
	ID     int64  `yaml:"id"`
	Target int64  `yaml:"target"`
}

// FlowStep is either a payload or a copy, with an optional expectation.
type FlowStep struct {
	Payload *PayloadStep  `yaml:"payload,omitempty"`
	Copy    *CopyStep     `yaml:"copy,omitempty"`
	Expect  *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause specifies the exact outcome of a flow step. When present,
// an omitted list means "none": a payload step with no envelopes listed
// must produce none.
type ExpectClause struct {
	// Envelopes produced by a payload step, in order.
	Envelopes []ExpectedEnvelope `yaml:"envelopes,omitempty"`

	// Errors are the error codes the step reported, e.g. MALFORMED_FRAGMENT.
	Errors []string `yaml:"errors,omitempty"`

	// Fields of a copy request.
	Fields map[string]any `yaml:"fields,omitempty"`

	// SameContainer of a copy request, if set.
	SameContainer *bool `yaml:"same_container,omitempty"`
}

// ExpectedEnvelope is one expected field change. A missing old or new value
// means null.
type ExpectedEnvelope struct {
	Field string `yaml:"field"`
	Old   any    `yaml:"old"`
	New   any    `yaml:"new"`
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": an envelope for kind/id/field exists
	// - "trace_order": envelope fields appear in order
	// - "trace_count": envelopes, filtered by kind and field, number Count
	// - "final_state": the entity's cached values, or its absence
	// - "journal_count": rows in Table number Count
	Type string `yaml:"type"`

	// Kind and ID select the entity (trace_contains, final_state; kind
	// also filters trace_count).
	Kind string `yaml:"kind,omitempty"`
	ID   int64  `yaml:"id,omitempty"`

	// Field selects the envelope field (trace_contains, trace_count).
	Field string `yaml:"field,omitempty"`

	// Old and New are checked by trace_contains when set.
	Old any `yaml:"old,omitempty"`
	New any `yaml:"new,omitempty"`

	// Fields is the expected order (trace_order).
	Fields []string `yaml:"fields,omitempty"`

	// Count is the expected number (trace_count, journal_count).
	Count int `yaml:"count,omitempty"`

	// Expect contains expected field values (final_state, subset match).
	Expect map[string]any `yaml:"expect,omitempty"`

	// Absent asserts the entity is not cached (final_state).
	Absent bool `yaml:"absent,omitempty"`

	// Table is payloads, envelopes or mutations (journal_count).
	Table string `yaml:"table,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
	AssertJournalCount  = "journal_count"
)

// Journal tables for journal_count.
const (
	TablePayloads  = "payloads"
	TableEnvelopes = "envelopes"
	TableMutations = "mutations"
)

// LoadScenario reads and parses a scenario YAML file. A relative catalog
// path is resolved against the scenario's directory.
func LoadScenario(path string) (*Scenario, error) {
	return LoadScenarioWithBasePath(path, filepath.Dir(path))
}

// LoadScenarioWithBasePath reads and parses a scenario YAML file,
// resolving a relative catalog path against basePath.
func LoadScenarioWithBasePath(path, basePath string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}

	if scenario.Catalog != "" && !filepath.IsAbs(scenario.Catalog) && basePath != "" {
		scenario.Catalog = filepath.Join(basePath, scenario.Catalog)
	}
	if scenario.Catalog != "" {
		if _, err := os.Stat(scenario.Catalog); os.IsNotExist(err) {
			return nil, fmt.Errorf("invalid scenario: catalog not found: %s", scenario.Catalog)
		}
	}
	return scenario, nil
}

// ParseScenario parses scenario YAML. Unknown keys are rejected to catch
// typos like "assertion:" for "assertions:".
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
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
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Setup {
		if err := validatePayload(step); err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
	}

	for i, step := range s.Flow {
		switch {
		case step.Payload != nil && step.Copy != nil:
			return fmt.Errorf("flow[%d]: payload and copy are mutually exclusive", i)
		case step.Payload != nil:
			if err := validatePayload(*step.Payload); err != nil {
				return fmt.Errorf("flow[%d]: %w", i, err)
			}
		case step.Copy != nil:
			if step.Copy.Kind == "" || step.Copy.ID == 0 {
				return fmt.Errorf("flow[%d]: copy needs kind and id", i)
			}
		default:
			return fmt.Errorf("flow[%d]: payload or copy is required", i)
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validatePayload(p PayloadStep) error {
	if p.Kind == "" {
		return fmt.Errorf("kind is required")
	}
	if p.ID == 0 {
		return fmt.Errorf("id is required")
	}
	if p.Removed && len(p.Fragment) > 0 {
		return fmt.Errorf("a removal carries no fragment")
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Kind == "" || a.ID == 0 || a.Field == "" {
			return fmt.Errorf("assertions[%d]: kind, id and field are required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Fields) == 0 {
			return fmt.Errorf("assertions[%d]: fields list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if a.Kind == "" || a.ID == 0 {
			return fmt.Errorf("assertions[%d]: kind and id are required for final_state", index)
		}
		if !a.Absent && len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect or absent is required for final_state", index)
		}
	case AssertJournalCount:
		switch a.Table {
		case TablePayloads, TableEnvelopes, TableMutations:
		default:
			return fmt.Errorf("assertions[%d]: unknown journal table %q", index, a.Table)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
