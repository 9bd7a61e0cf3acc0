package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/switchsync/internal/engine"
	"github.com/roach88/switchsync/internal/ir"
)

// Scenario is a scripted run of the fleet against fake switches.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario checks.
	Description string `yaml:"description"`

	// Devices are the switches in the fleet, in configuration order.
	Devices []DeviceSpec `yaml:"devices"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions are checked against the trace and the switches after
	// the last step.
	Assertions []Assertion `yaml:"assertions"`

	// CycleID is the id every cycle gets. Defaults to "test-cycle".
	CycleID string `yaml:"cycle_id,omitempty"`
}

// DeviceSpec is one switch of the scenario's fleet.
type DeviceSpec struct {
	Name string `yaml:"name"`

	// Static is the switch's static config document, if any. Its p4info
	// key may be left out; the fixture P4Info is used.
	Static string `yaml:"static,omitempty"`
}

// Step is one scenario step. Exactly one field is set.
type Step struct {
	AddTag    *TagStep    `yaml:"add_tag,omitempty"`
	AddFilter *FilterStep `yaml:"add_filter,omitempty"`
	Remove    *RemoveStep `yaml:"remove,omitempty"`
	Cycle     *CycleStep  `yaml:"cycle,omitempty"`

	// Unplug makes the named switch refuse dials and reads; Plug undoes it.
	Unplug string `yaml:"unplug,omitempty"`
	Plug   string `yaml:"plug,omitempty"`

	// StoreDown makes the policy store fail every call until StoreUp.
	StoreDown bool `yaml:"store_down,omitempty"`
	StoreUp   bool `yaml:"store_up,omitempty"`
}

// TagStep adds a tag row.
type TagStep struct {
	Switch string `yaml:"switch"`
	Match  string `yaml:"match"`
	Value  int64  `yaml:"value"`
}

// FilterStep adds a filter row.
type FilterStep struct {
	Switch string `yaml:"switch"`
	Value  int64  `yaml:"value"`
}

// RemoveStep deletes a row.
type RemoveStep struct {
	Class string `yaml:"class"`
	ID    int64  `yaml:"id"`
}

// CycleStep runs one fleet cycle.
type CycleStep struct {
	// Expect maps a switch to the outcome its cycle must have. Switches
	// left out are not checked. "skipped" expects the whole cycle to be
	// skipped because the store is down.
	Expect map[string]string `yaml:"expect,omitempty"`
}

// OutcomeSkipped is the CycleStep expectation for a skipped cycle.
const OutcomeSkipped = "skipped"

// Assertion validates the trace or the switches after the run.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Event is matched by trace_contains and trace_count.
	Event *EventMatch `yaml:"event,omitempty"`

	// Events are matched in order by trace_order.
	Events []EventMatch `yaml:"events,omitempty"`

	// Count is the expected number for trace_count and table_entries.
	Count int `yaml:"count,omitempty"`

	// Device and Table name the switch (table_entries, synced) and table
	// (table_entries).
	Device string `yaml:"device,omitempty"`
	Table  string `yaml:"table,omitempty"`
}

// EventMatch matches trace events. Empty fields match anything.
type EventMatch struct {
	Type    string `yaml:"type"`
	Device  string `yaml:"device,omitempty"`
	Op      string `yaml:"op,omitempty"`
	Table   string `yaml:"table,omitempty"`
	Outcome string `yaml:"outcome,omitempty"`
	Code    string `yaml:"code,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceCount    = "trace_count"
	AssertTraceOrder    = "trace_order"
	AssertTableEntries  = "table_entries"
	AssertSynced        = "synced"
)

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates a scenario document.
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

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Devices) == 0 {
		return fmt.Errorf("devices list is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	devices := make(map[string]bool, len(s.Devices))
	for i, d := range s.Devices {
		if d.Name == "" {
			return fmt.Errorf("devices[%d]: name is required", i)
		}
		if devices[d.Name] {
			return fmt.Errorf("devices[%d]: duplicate name %q", i, d.Name)
		}
		devices[d.Name] = true
	}

	for i, step := range s.Steps {
		if err := validateStep(i, step, devices); err != nil {
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

func validateStep(index int, step Step, devices map[string]bool) error {
	set := 0
	for _, ok := range []bool{
		step.AddTag != nil, step.AddFilter != nil, step.Remove != nil, step.Cycle != nil,
		step.Unplug != "", step.Plug != "", step.StoreDown, step.StoreUp,
	} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("steps[%d]: exactly one action is required, got %d", index, set)
	}

	switch {
	case step.Remove != nil:
		class := ir.IntentClass(step.Remove.Class)
		if class != ir.ClassTag && class != ir.ClassFilter {
			return fmt.Errorf("steps[%d].remove: class must be tag or filter, got %q", index, step.Remove.Class)
		}
	case step.Unplug != "" && !devices[step.Unplug]:
		return fmt.Errorf("steps[%d].unplug: unknown device %q", index, step.Unplug)
	case step.Plug != "" && !devices[step.Plug]:
		return fmt.Errorf("steps[%d].plug: unknown device %q", index, step.Plug)
	case step.Cycle != nil:
		for dev, outcome := range step.Cycle.Expect {
			if !devices[dev] {
				return fmt.Errorf("steps[%d].cycle: unknown device %q", index, dev)
			}
			switch engine.Outcome(outcome) {
			case engine.OutcomeUnchanged, engine.OutcomeResynced, engine.OutcomeFailed, OutcomeSkipped:
			default:
				return fmt.Errorf("steps[%d].cycle: unknown outcome %q for %s", index, outcome, dev)
			}
		}
	}
	return nil
}

func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Event == nil || a.Event.Type == "" {
			return fmt.Errorf("assertions[%d]: event.type is required for trace_contains", index)
		}
	case AssertTraceCount:
		if a.Event == nil || a.Event.Type == "" {
			return fmt.Errorf("assertions[%d]: event.type is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertTraceOrder:
		if len(a.Events) < 2 {
			return fmt.Errorf("assertions[%d]: at least two events are required for trace_order", index)
		}
	case AssertTableEntries:
		if a.Device == "" || a.Table == "" {
			return fmt.Errorf("assertions[%d]: device and table are required for table_entries", index)
		}
	case AssertSynced:
		if a.Device == "" {
			return fmt.Errorf("assertions[%d]: device is required for synced", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
