package harness

import "github.com/roach88/denorm/internal/ir"

// TraceEvent records one applied scenario step.
type TraceEvent struct {
	Op   string `json:"op"` // "set", "update" or "delete"
	Path string `json:"path"`
	Seq  int64  `json:"seq"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if all assertions hold.
	Pass bool `json:"pass"`

	// Trace lists the applied steps in order. Setup writes are not traced.
	Trace []TraceEvent `json:"trace"`

	// Errors contains assertion failure messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// TriggerErrors holds the failures reported by the engine while the
	// scenario ran. They fail the scenario only through a trigger_errors
	// assertion.
	TriggerErrors []string `json:"trigger_errors,omitempty"`

	// Documents is the settled store keyed by path, in snapshot form
	// (see SnapshotData).
	Documents map[string]ir.IRObject `json:"documents,omitempty"`
}

// NewResult creates a new passing result.
// Used as the starting point for test execution.
func NewResult() *Result {
	return &Result{
		Pass:      true,
		Trace:     []TraceEvent{},
		Errors:    []string{},
		Documents: make(map[string]ir.IRObject),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddStepTrace appends a step to the trace.
func (r *Result) AddStepTrace(op, path string, seq int64) {
	r.Trace = append(r.Trace, TraceEvent{Op: op, Path: path, Seq: seq})
}
