package harness

import (
	"bytes"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/switchsync/internal/ir"
)

// eventMap converts an event to a map for canonical JSON. Counts are kept
// on cycle events even when zero.
func eventMap(e TraceEvent) map[string]any {
	m := map[string]any{
		"type": e.Type,
		"seq":  e.Seq,
	}
	for k, v := range map[string]string{
		"device":  e.Device,
		"op":      e.Op,
		"table":   e.Table,
		"outcome": e.Outcome,
		"code":    e.Code,
	} {
		if v != "" {
			m[k] = v
		}
	}
	if e.Row != 0 {
		m["row"] = e.Row
	}
	if e.Value != 0 {
		m["value"] = e.Value
	}
	if e.Type == EventCycle {
		m["deleted"] = e.Deleted
		m["installed"] = e.Installed
	}
	return m
}

// MarshalTrace renders a trace as canonical JSON, one line per event,
// under a header line naming the scenario.
func MarshalTrace(scenarioName string, trace []TraceEvent) ([]byte, error) {
	var buf bytes.Buffer

	header, err := ir.MarshalCanonical(map[string]any{"scenario_name": scenarioName})
	if err != nil {
		return nil, err
	}
	buf.Write(header)
	buf.WriteByte('\n')

	for _, e := range trace {
		line, err := ir.MarshalCanonical(eventMap(e))
		if err != nil {
			return nil, err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// RunWithGolden runs a scenario, fails t if the scenario did not pass and
// compares its trace with testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) error {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return err
	}
	for _, msg := range result.Errors {
		t.Error(msg)
	}
	return AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an existing result's trace with a golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	traceJSON, err := MarshalTrace(scenarioName, result.Trace)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, traceJSON)
	return nil
}
