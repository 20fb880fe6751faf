package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/denorm/internal/pathtmpl"
)

// Scenario defines a conformance test scenario.
// Scenarios write source documents, let the engine settle, and assert on
// the derived documents.
type Scenario struct {
	// Name uniquely identifies this scenario.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Queries lists CUE files or directories holding query declarations.
	// Paths are relative to the scenario file location.
	Queries []string `yaml:"queries,omitempty"`

	// Inline holds query declarations written directly in the scenario,
	// compiled in addition to Queries.
	Inline string `yaml:"inline,omitempty"`

	// Store selects the backing store: "memory" (default) or "sqlite".
	Store string `yaml:"store,omitempty"`

	// Setup contains documents written before the engine starts.
	// They trigger nothing.
	Setup []Step `yaml:"setup,omitempty"`

	// Steps are applied one at a time; the engine settles after each.
	Steps []Step `yaml:"steps"`

	// Assertions validate the settled store.
	// Supported types: document, absent, dependencies, count, trigger_errors
	Assertions []Assertion `yaml:"assertions"`
}

// Step is a single write against the store.
type Step struct {
	// Op is "set" (default), "update" or "delete".
	Op string `yaml:"op,omitempty"`

	// Path is the document path.
	Path string `yaml:"path"`

	// Data is the document body (set) or the replaced fields (update).
	// Values are converted to ir.IRValue types during execution.
	Data map[string]interface{} `yaml:"data,omitempty"`

	// Merge keeps stored fields not present in Data (set only).
	Merge bool `yaml:"merge,omitempty"`
}

// Step operations.
const (
	OpSet    = "set"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Store kinds.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// Assertion validates the final store.
type Assertion struct {
	// Type specifies the assertion type:
	// - "document": Document exists and contains Expect (subset match)
	// - "absent": Document does not exist
	// - "dependencies": Document's dependency list equals Values
	// - "count": Collection holds exactly Count documents
	// - "trigger_errors": Exactly Count trigger failures were reported
	Type string `yaml:"type"`

	// Path is the document path (document, absent, dependencies).
	Path string `yaml:"path,omitempty"`

	// Expect contains expected field values (document).
	// Subset match - only specified fields are validated.
	Expect map[string]interface{} `yaml:"expect,omitempty"`

	// Values is the expected dependency list (dependencies).
	Values []string `yaml:"values,omitempty"`

	// Collection is the collection path (count). It may be a template.
	Collection string `yaml:"collection,omitempty"`

	// Count is the expected number of documents or failures.
	Count int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertDocument      = "document"
	AssertAbsent        = "absent"
	AssertDependencies  = "dependencies"
	AssertCount         = "count"
	AssertTriggerErrors = "trigger_errors"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
// Query paths are resolved relative to the scenario file.
func LoadScenario(path string) (*Scenario, error) {
	return LoadScenarioWithBasePath(path, filepath.Dir(path))
}

// LoadScenarioWithBasePath reads and parses a scenario YAML file,
// resolving query paths relative to the provided base path.
func LoadScenarioWithBasePath(path, basePath string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	// Resolve query paths BEFORE validation
	for i, p := range scenario.Queries {
		if !filepath.IsAbs(p) && basePath != "" {
			scenario.Queries[i] = filepath.Join(basePath, p)
		}
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

	switch s.Store {
	case "", StoreMemory, StoreSQLite:
	default:
		return fmt.Errorf("unknown store %q: must be %s or %s", s.Store, StoreMemory, StoreSQLite)
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for _, p := range s.Queries {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			return fmt.Errorf("query file not found: %s", p)
		}
	}

	for i, step := range s.Setup {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
		if step.Op != "" && step.Op != OpSet {
			return fmt.Errorf("setup[%d]: only set is allowed in setup", i)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}

	return nil
}

func validateStep(step Step) error {
	if !pathtmpl.IsDocument(step.Path) || !pathtmpl.IsConcrete(step.Path) {
		return fmt.Errorf("path %q must address a concrete document", step.Path)
	}
	switch step.Op {
	case "", OpSet:
		if step.Data == nil {
			return fmt.Errorf("data is required for set (use empty map for an empty document)")
		}
	case OpUpdate:
		if len(step.Data) == 0 {
			return fmt.Errorf("data is required for update")
		}
		if step.Merge {
			return fmt.Errorf("merge is only valid for set")
		}
	case OpDelete:
		if step.Data != nil || step.Merge {
			return fmt.Errorf("delete takes no data")
		}
	default:
		return fmt.Errorf("unknown op %q", step.Op)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertDocument:
		if a.Path == "" {
			return fmt.Errorf("assertions[%d]: path is required for document", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for document", index)
		}
	case AssertAbsent:
		if a.Path == "" {
			return fmt.Errorf("assertions[%d]: path is required for absent", index)
		}
	case AssertDependencies:
		if a.Path == "" {
			return fmt.Errorf("assertions[%d]: path is required for dependencies", index)
		}
	case AssertCount:
		if a.Collection == "" {
			return fmt.Errorf("assertions[%d]: collection is required for count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative", index)
		}
	case AssertTriggerErrors:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
