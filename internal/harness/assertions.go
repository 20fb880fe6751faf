package harness

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/denorm/internal/docstore"
	"github.com/roach88/denorm/internal/ir"
	"github.com/roach88/denorm/internal/normalize"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Applied steps for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nSteps:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s\n", event.Seq, event.Op, event.Path)
		}
	}

	return buf.String()
}

// assertDocument checks that the document exists and that every expected
// field matches (subset match). Values are compared in their comparable
// form, so embedded timestamps and bookkeeping keys never matter.
func assertDocument(ctx context.Context, st docstore.Store, assertion Assertion, trace []TraceEvent) error {
	snap, err := st.Get(ctx, assertion.Path)
	if err != nil {
		return fmt.Errorf("document %s: %w", assertion.Path, err)
	}
	if !snap.Exists {
		return &AssertionError{
			Type:     AssertDocument,
			Expected: fmt.Sprintf("document %s exists", assertion.Path),
			Actual:   "document not found",
			Trace:    trace,
		}
	}

	expected, err := convertArgsToIRObject(assertion.Expect)
	if err != nil {
		return fmt.Errorf("document %s: invalid expect: %w", assertion.Path, err)
	}

	for _, key := range expected.SortedKeys() {
		want := expected[key]
		got, ok := snap.Data[key]
		if !ok {
			return &AssertionError{
				Type:     AssertDocument,
				Expected: fmt.Sprintf("%s.%s = %s", assertion.Path, key, render(want)),
				Actual:   fmt.Sprintf("field %q missing", key),
				Trace:    trace,
			}
		}
		if normalize.IsChanged(want, got) {
			return &AssertionError{
				Type:     AssertDocument,
				Expected: fmt.Sprintf("%s.%s = %s", assertion.Path, key, render(want)),
				Actual:   fmt.Sprintf("%s.%s = %s", assertion.Path, key, render(got)),
				Trace:    trace,
			}
		}
	}
	return nil
}

// assertAbsent checks that the document does not exist.
func assertAbsent(ctx context.Context, st docstore.Store, assertion Assertion, trace []TraceEvent) error {
	snap, err := st.Get(ctx, assertion.Path)
	if err != nil {
		return fmt.Errorf("absent %s: %w", assertion.Path, err)
	}
	if snap.Exists {
		return &AssertionError{
			Type:     AssertAbsent,
			Expected: fmt.Sprintf("document %s does not exist", assertion.Path),
			Actual:   fmt.Sprintf("document found: %s", render(SnapshotData(snap.Data))),
			Trace:    trace,
		}
	}
	return nil
}

// assertDependencies compares the document's dependency list with the
// expected one, ignoring order. A document without the field has none.
func assertDependencies(ctx context.Context, st docstore.Store, assertion Assertion, trace []TraceEvent) error {
	snap, err := st.Get(ctx, assertion.Path)
	if err != nil {
		return fmt.Errorf("dependencies %s: %w", assertion.Path, err)
	}
	if !snap.Exists {
		return &AssertionError{
			Type:     AssertDependencies,
			Expected: fmt.Sprintf("document %s exists", assertion.Path),
			Actual:   "document not found",
			Trace:    trace,
		}
	}

	var actual []string
	arr, _ := snap.Data[normalize.KeyDependencies].(ir.IRArray)
	for _, v := range arr {
		if s, ok := v.(ir.IRString); ok {
			actual = append(actual, string(s))
		}
	}
	expected := slices.Clone(assertion.Values)
	slices.Sort(actual)
	slices.Sort(expected)

	if !slices.Equal(expected, actual) {
		return &AssertionError{
			Type:     AssertDependencies,
			Expected: fmt.Sprintf("%s depends on %v", assertion.Path, expected),
			Actual:   fmt.Sprintf("%s depends on %v", assertion.Path, actual),
			Trace:    trace,
		}
	}
	return nil
}

// assertCount checks the number of documents directly under a collection.
func assertCount(ctx context.Context, st docstore.Store, assertion Assertion, trace []TraceEvent) error {
	lister, ok := st.(docstore.Lister)
	if !ok {
		return fmt.Errorf("count %s: store %T cannot list documents", assertion.Collection, st)
	}
	snaps, err := lister.List(ctx, assertion.Collection)
	if err != nil {
		return fmt.Errorf("count %s: %w", assertion.Collection, err)
	}
	if len(snaps) != assertion.Count {
		paths := make([]string, len(snaps))
		for i, s := range snaps {
			paths[i] = s.Path
		}
		return &AssertionError{
			Type:     AssertCount,
			Expected: fmt.Sprintf("%d documents in %s", assertion.Count, assertion.Collection),
			Actual:   fmt.Sprintf("%d documents %v", len(snaps), paths),
			Trace:    trace,
		}
	}
	return nil
}

// assertTriggerErrors checks how many trigger failures were reported.
func assertTriggerErrors(result *Result, assertion Assertion) error {
	if len(result.TriggerErrors) != assertion.Count {
		return &AssertionError{
			Type:     AssertTriggerErrors,
			Expected: fmt.Sprintf("%d trigger errors", assertion.Count),
			Actual:   fmt.Sprintf("%d trigger errors %v", len(result.TriggerErrors), result.TriggerErrors),
			Trace:    result.Trace,
		}
	}
	return nil
}

// render formats a value as canonical JSON for messages.
func render(v ir.IRValue) string {
	b, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// AssertionContext provides context for evaluating assertions.
type AssertionContext struct {
	Store docstore.Store
	Ctx   context.Context
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides store access for document assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTriggerErrors:
			err = assertTriggerErrors(result, assertion)
		case AssertDocument, AssertAbsent, AssertDependencies, AssertCount:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: %s requires store context", i, assertion.Type)
				break
			}
			switch assertion.Type {
			case AssertDocument:
				err = assertDocument(actx.Ctx, actx.Store, assertion, result.Trace)
			case AssertAbsent:
				err = assertAbsent(actx.Ctx, actx.Store, assertion, result.Trace)
			case AssertDependencies:
				err = assertDependencies(actx.Ctx, actx.Store, assertion, result.Trace)
			case AssertCount:
				err = assertCount(actx.Ctx, actx.Store, assertion, result.Trace)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
