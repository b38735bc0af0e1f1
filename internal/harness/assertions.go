package harness

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/roach88/toolrun/internal/audit"
	"github.com/roach88/toolrun/internal/canonical"
	"github.com/roach88/toolrun/internal/run"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			switch event.Type {
			case EventCall:
				fmt.Fprintf(&buf, "  [%d] call %s %v\n", event.Seq, event.Capability, event.Input)
			case EventStep:
				fmt.Fprintf(&buf, "  [%d] %s -> %s %s\n", event.Seq, event.Step, event.RunID, event.Status)
			case EventAdvance:
				fmt.Fprintf(&buf, "  [%d] advance to %s\n", event.Seq, event.At)
			}
		}
	}

	return buf.String()
}

// assertCallContains checks if the trace contains a call to the capability
// whose input matches the expected input (subset match).
func assertCallContains(trace []TraceEvent, assertion Assertion) error {
	for _, event := range trace {
		if event.Type == EventCall && event.Capability == assertion.Capability {
			if matchInput(event.Input, assertion.Input) {
				return nil
			}
		}
	}

	return &AssertionError{
		Type:     AssertCallContains,
		Expected: fmt.Sprintf("call to %s with input %v", assertion.Capability, assertion.Input),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertCallOrder checks that capabilities are first called in the
// specified order. Other calls may appear in between.
func assertCallOrder(trace []TraceEvent, assertion Assertion) error {
	// Seq of the first call to each capability.
	positions := make(map[string]int64)
	for _, event := range trace {
		if event.Type != EventCall {
			continue
		}
		if _, seen := positions[event.Capability]; !seen {
			positions[event.Capability] = event.Seq
		}
	}

	for _, c := range assertion.Capabilities {
		if _, ok := positions[c]; !ok {
			return &AssertionError{
				Type:     AssertCallOrder,
				Expected: fmt.Sprintf("all capabilities called: %v", assertion.Capabilities),
				Actual:   fmt.Sprintf("missing call: %s", c),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(assertion.Capabilities); i++ {
		prev := assertion.Capabilities[i-1]
		curr := assertion.Capabilities[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertCallOrder,
				Expected: fmt.Sprintf("calls in order: %v", assertion.Capabilities),
				Actual: fmt.Sprintf("%s (seq %d) should be before %s (seq %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}

	return nil
}

// assertCallCount checks that the capability is called exactly Count times.
func assertCallCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Type == EventCall && event.Capability == assertion.Capability {
			count++
		}
	}

	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertCallCount,
			Expected: fmt.Sprintf("%d calls to %s", assertion.Count, assertion.Capability),
			Actual:   fmt.Sprintf("%d calls", count),
			Trace:    trace,
		}
	}

	return nil
}

// assertRunStatus checks the stored status (and error code) of a run.
func assertRunStatus(actx *AssertionContext, assertion Assertion) error {
	r, err := actx.Runs.GetRun(actx.Ctx, run.Key{RunID: assertion.Run, OrgID: actx.OrgID, ToolID: actx.ToolID})
	if err != nil {
		return &AssertionError{
			Type:     AssertRunStatus,
			Expected: fmt.Sprintf("run %s", assertion.Run),
			Actual:   fmt.Sprintf("lookup error: %v", err),
		}
	}

	if string(r.Status) != assertion.Status {
		return &AssertionError{
			Type:     AssertRunStatus,
			Expected: fmt.Sprintf("run %s status %s", assertion.Run, assertion.Status),
			Actual:   fmt.Sprintf("status %s", r.Status),
		}
	}

	if assertion.Code != "" {
		actual := ""
		if r.Error != nil {
			actual = string(r.Error.Code)
		}
		if actual != assertion.Code {
			return &AssertionError{
				Type:     AssertRunStatus,
				Expected: fmt.Sprintf("run %s error code %s", assertion.Run, assertion.Code),
				Actual:   fmt.Sprintf("error code %q", actual),
			}
		}
	}

	return nil
}

// assertAuditCount counts the tool's audit records matching the action and
// status filters.
func assertAuditCount(actx *AssertionContext, assertion Assertion) error {
	recs, err := actx.Audit.ListAudit(actx.Ctx, actx.OrgID, actx.ToolID, 0)
	if err != nil {
		return fmt.Errorf("list audit: %w", err)
	}

	count := 0
	for _, rec := range recs {
		if assertion.Action != "" && rec.ActionID != assertion.Action {
			continue
		}
		if assertion.Status != "" && string(rec.Status) != assertion.Status {
			continue
		}
		count++
	}

	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertAuditCount,
			Expected: fmt.Sprintf("%d audit records (action=%q status=%q)", assertion.Count, assertion.Action, assertion.Status),
			Actual:   fmt.Sprintf("%d records", count),
		}
	}

	return nil
}

// matchInput checks if actual contains all expected fields (subset match).
// Extra keys in actual are ignored.
func matchInput(actual, expected map[string]any) bool {
	for key, expectedVal := range expected {
		actualVal, exists := actual[key]
		if !exists {
			return false
		}
		if !valuesEqual(actualVal, expectedVal) {
			return false
		}
	}
	return true
}

// valuesEqual compares two values after canonical normalization, so 7,
// int64(7) and float64(7) are equal.
func valuesEqual(actual, expected any) bool {
	a, errA := canonical.Normalize(actual)
	e, errE := canonical.Normalize(expected)
	if errA != nil || errE != nil {
		return reflect.DeepEqual(actual, expected)
	}
	return reflect.DeepEqual(a, e)
}

// RunReader reads stored runs.
type RunReader interface {
	GetRun(ctx context.Context, key run.Key) (*run.ExecutionRun, error)
}

// AuditLister lists stored audit records.
type AuditLister interface {
	ListAudit(ctx context.Context, orgID, toolID string, limit int) ([]audit.Record, error)
}

// AssertionContext provides context for evaluating assertions.
type AssertionContext struct {
	Ctx    context.Context
	Runs   RunReader
	Audit  AuditLister
	OrgID  string
	ToolID string
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides store access for run_status and audit_count.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertCallContains:
			err = assertCallContains(result.Trace, assertion)
		case AssertCallOrder:
			err = assertCallOrder(result.Trace, assertion)
		case AssertCallCount:
			err = assertCallCount(result.Trace, assertion)
		case AssertRunStatus:
			if actx == nil || actx.Runs == nil {
				err = fmt.Errorf("assertion[%d]: run_status requires store context", i)
			} else {
				err = assertRunStatus(actx, assertion)
			}
		case AssertAuditCount:
			if actx == nil || actx.Audit == nil {
				err = fmt.Errorf("assertion[%d]: audit_count requires store context", i)
			} else {
				err = assertAuditCount(actx, assertion)
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
