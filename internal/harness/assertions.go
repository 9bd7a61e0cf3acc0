package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/switchsync/internal/engine"
)

// AssertionError is returned when an assertion fails.
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
		for i, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s\n", i+1, describeEvent(event))
		}
	}

	return buf.String()
}

func describeEvent(e TraceEvent) string {
	return fmt.Sprintf("#%d %s", e.Seq, eventFields(e))
}

func eventFields(e TraceEvent) string {
	parts := []string{e.Type}
	for _, kv := range [][2]string{
		{"device", e.Device}, {"op", e.Op}, {"table", e.Table},
		{"outcome", e.Outcome}, {"code", e.Code},
	} {
		if kv[1] != "" {
			parts = append(parts, kv[0]+"="+kv[1])
		}
	}
	return strings.Join(parts, " ")
}

func (m EventMatch) String() string {
	return eventFields(TraceEvent{
		Type: m.Type, Device: m.Device, Op: m.Op, Table: m.Table, Outcome: m.Outcome, Code: m.Code,
	})
}

// Matches reports whether e has every field m sets.
func (m EventMatch) Matches(e TraceEvent) bool {
	return matchField(m.Type, e.Type) &&
		matchField(m.Device, e.Device) &&
		matchField(m.Op, e.Op) &&
		matchField(m.Table, e.Table) &&
		matchField(m.Outcome, e.Outcome) &&
		matchField(m.Code, e.Code)
}

func matchField(want, got string) bool {
	return want == "" || want == got
}

func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	for _, event := range trace {
		if assertion.Event.Matches(event) {
			return nil
		}
	}

	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: assertion.Event.String(),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if assertion.Event.Matches(event) {
			count++
		}
	}

	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, assertion.Event),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertTraceOrder checks that the events appear in order. Other events
// may come between them.
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	next := 0
	for _, event := range trace {
		if next < len(assertion.Events) && assertion.Events[next].Matches(event) {
			next++
		}
	}

	if next < len(assertion.Events) {
		return &AssertionError{
			Type:     AssertTraceOrder,
			Expected: fmt.Sprintf("%d events in order", len(assertion.Events)),
			Actual:   fmt.Sprintf("no %s after the first %d", assertion.Events[next], next),
			Trace:    trace,
		}
	}
	return nil
}

func (h *Harness) assertTableEntries(assertion Assertion) error {
	t, ok := h.schema.Table(assertion.Table)
	if !ok {
		return fmt.Errorf("table_entries: unknown table %q", assertion.Table)
	}

	n := len(h.fakes.Device(assertion.Device).EntriesIn(t.GetPreamble().GetId()))
	if n != assertion.Count {
		return &AssertionError{
			Type:     AssertTableEntries,
			Expected: fmt.Sprintf("%d entries in %s on %s", assertion.Count, assertion.Table, assertion.Device),
			Actual:   fmt.Sprintf("%d entries", n),
		}
	}
	return nil
}

func (h *Harness) assertSynced(assertion Assertion) error {
	st, ok := h.fleet.State(assertion.Device)
	switch {
	case !ok:
		return &AssertionError{
			Type:     AssertSynced,
			Expected: assertion.Device + " synced",
			Actual:   "device is not up",
		}
	case st.State != engine.Synced:
		return &AssertionError{
			Type:     AssertSynced,
			Expected: assertion.Device + " synced",
			Actual:   st.State.String(),
		}
	}
	return nil
}

// EvaluateAssertions checks every assertion and returns the failures'
// messages. h supplies the switches for table_entries and synced.
func EvaluateAssertions(result *Result, assertions []Assertion, h *Harness) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains, AssertTraceCount:
			switch {
			case assertion.Event == nil:
				err = fmt.Errorf("assertion[%d]: %s requires an event", i, assertion.Type)
			case assertion.Type == AssertTraceContains:
				err = assertTraceContains(result.Trace, assertion)
			default:
				err = assertTraceCount(result.Trace, assertion)
			}
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTableEntries, AssertSynced:
			switch {
			case h == nil:
				err = fmt.Errorf("assertion[%d]: %s requires a harness", i, assertion.Type)
			case assertion.Type == AssertTableEntries:
				err = h.assertTableEntries(assertion)
			default:
				err = h.assertSynced(assertion)
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
