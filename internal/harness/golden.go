package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/denorm/internal/ir"
	"github.com/roach88/denorm/internal/normalize"
)

// StoreSnapshot captures the settled store of a scenario execution.
// All fields use canonical JSON serialization for deterministic comparison.
type StoreSnapshot struct {
	ScenarioName string                 `json:"scenario_name"`
	Trace        []TraceEvent           `json:"trace"`
	Documents    map[string]ir.IRObject `json:"documents"`
}

// SnapshotData returns the form of a document stored in snapshots: the
// comparable content plus its dependency list. Batch ids and timestamps
// are dropped since they depend on how concurrent writes interleave.
func SnapshotData(data ir.IRObject) ir.IRObject {
	if data == nil {
		return ir.IRObject{}
	}
	out := normalize.Comparable(data).(ir.IRObject)
	if deps, ok := data[normalize.KeyDependencies]; ok {
		out[normalize.KeyDependencies] = ir.Clone(deps)
	}
	return out
}

// toCanonicalMap converts a StoreSnapshot to a map[string]any for canonical JSON serialization.
// This is required because ir.MarshalCanonical only handles IR types and primitives.
func (s *StoreSnapshot) toCanonicalMap() map[string]any {
	trace := make([]any, len(s.Trace))
	for i, event := range s.Trace {
		trace[i] = map[string]any{
			"op":   event.Op,
			"path": event.Path,
			"seq":  event.Seq,
		}
	}

	docs := make(map[string]any, len(s.Documents))
	for path, data := range s.Documents {
		docs[path] = data
	}

	return map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         trace,
		"documents":     docs,
	}
}

// SnapshotJSON renders the canonical golden bytes of a result.
func SnapshotJSON(scenarioName string, result *Result) ([]byte, error) {
	snapshot := StoreSnapshot{
		ScenarioName: scenarioName,
		Trace:        result.Trace,
		Documents:    result.Documents,
	}
	return ir.MarshalCanonical(snapshot.toCanonicalMap())
}

// RunWithGolden executes a scenario and compares the settled store against
// a golden file. The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if the snapshot doesn't match the golden file.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares the given result's snapshot against a golden file
// without re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := SnapshotJSON(scenarioName, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)

	return nil
}
