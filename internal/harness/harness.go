package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/roach88/switchsync/internal/config"
	"github.com/roach88/switchsync/internal/engine"
	"github.com/roach88/switchsync/internal/ir"
	"github.com/roach88/switchsync/internal/schema"
	"github.com/roach88/switchsync/internal/store"
	"github.com/roach88/switchsync/internal/testutil"
)

// DefaultCycleID is the cycle id used when a scenario sets none.
const DefaultCycleID = "test-cycle"

// Harness holds one scenario run: a fresh store, fake switches and the
// fleet driving them.
type Harness struct {
	cfg    config.Config
	schema *schema.Schema
	store  *store.Store
	rules  *testutil.FlakyRules
	fakes  *testutil.FakeFleet
	fleet  *engine.Fleet
}

// Run executes a scenario in a fresh temp directory and returns the
// result. The error is non-nil only when the run itself could not be set
// up or a store edit failed; failed expectations land in Result.Errors.
func Run(scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "switchsync-scenario-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}
	defer os.RemoveAll(dir)

	h, err := newHarness(dir, scenario)
	if err != nil {
		return nil, err
	}
	defer h.close()

	ctx := context.Background()
	result := NewResult()
	for i, step := range scenario.Steps {
		seq := int64(i + 1)
		if err := h.runStep(ctx, seq, step, result); err != nil {
			return nil, fmt.Errorf("step %d: %w", seq, err)
		}
	}

	for _, msg := range EvaluateAssertions(result, scenario.Assertions, h) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(dir string, scenario *Scenario) (*Harness, error) {
	s, err := schema.Parse(testutil.P4InfoText(), schema.FormatText)
	if err != nil {
		return nil, fmt.Errorf("failed to parse fixture p4info: %w", err)
	}
	p4info := filepath.Join(dir, "switch.p4info.txtpb")
	if err := os.WriteFile(p4info, testutil.P4InfoText(), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write fixture p4info: %w", err)
	}

	cfg := config.Config{}
	names := make([]string, len(scenario.Devices))
	for i, d := range scenario.Devices {
		names[i] = d.Name
		cfg.Devices = append(cfg.Devices, config.Device{
			Name:     d.Name,
			Address:  fmt.Sprintf("fake:%d", i),
			DeviceID: uint64(i),
			P4Info:   p4info,
		})
	}
	cfg.ApplyDefaults()
	cfg.ResolvePaths(dir)

	for _, d := range scenario.Devices {
		if d.Static == "" {
			continue
		}
		if err := os.MkdirAll(cfg.ConfigDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create config dir: %w", err)
		}
		if err := os.WriteFile(cfg.StaticConfigPath(d.Name), []byte(d.Static), 0o644); err != nil {
			return nil, fmt.Errorf("failed to write static config for %s: %w", d.Name, err)
		}
	}

	st, err := store.Open(filepath.Join(dir, "rules.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	cycleID := scenario.CycleID
	if cycleID == "" {
		cycleID = DefaultCycleID
	}
	clock := testutil.NewStepClock(time.Unix(0, 0).UTC(), 10*time.Millisecond)

	h := &Harness{
		cfg:    cfg,
		schema: s,
		store:  st,
		rules:  testutil.NewFlakyRules(st),
		fakes:  testutil.NewFakeFleet(names...),
	}
	reopen := func(ctx context.Context) (store.Rules, error) {
		return h.rules, nil
	}
	h.fleet = engine.NewFleet(cfg, h.rules, h.dial, reopen,
		engine.WithCycleIDs(testutil.NewFixedIDGenerator(cycleID)),
		engine.WithNow(clock.Now),
	)
	return h, nil
}

func (h *Harness) dial(ctx context.Context, dev config.Device) (engine.Device, error) {
	fd, err := h.fakes.Dial(ctx, dev)
	if err != nil {
		return nil, err
	}
	return fd, nil
}

func (h *Harness) close() {
	if err := h.fleet.Close(); err != nil {
		slog.Debug("close fleet", "error", err)
	}
	if err := h.store.Close(); err != nil {
		slog.Debug("close store", "error", err)
	}
}

func (h *Harness) runStep(ctx context.Context, seq int64, step Step, result *Result) error {
	switch {
	case step.AddTag != nil:
		t := step.AddTag
		id, err := h.store.InsertTagRule(ctx, t.Switch, t.Match, t.Value)
		if err != nil {
			return err
		}
		result.AddEvent(TraceEvent{Type: EventAddTag, Seq: seq, Device: t.Switch, Row: id, Value: t.Value})

	case step.AddFilter != nil:
		f := step.AddFilter
		id, err := h.store.InsertFilterRule(ctx, f.Switch, f.Value)
		if err != nil {
			return err
		}
		result.AddEvent(TraceEvent{Type: EventAddFilter, Seq: seq, Device: f.Switch, Row: id, Value: f.Value})

	case step.Remove != nil:
		class := ir.IntentClass(step.Remove.Class)
		ok, err := h.store.DeleteRule(ctx, class, step.Remove.ID)
		if err != nil {
			return err
		}
		if !ok {
			result.AddError(fmt.Sprintf("step %d: no %s row %d to remove", seq, class, step.Remove.ID))
		}
		result.AddEvent(TraceEvent{Type: EventRemove, Seq: seq, Table: string(class), Row: step.Remove.ID})

	case step.Cycle != nil:
		h.runCycle(ctx, seq, step.Cycle, result)

	case step.Unplug != "":
		h.fakes.FailDial(step.Unplug, testutil.Unreachable(step.Unplug))
		h.fakes.Device(step.Unplug).FailReads(testutil.Unreachable(step.Unplug))

	case step.Plug != "":
		h.fakes.FailDial(step.Plug, nil)
		h.fakes.Device(step.Plug).FailReads(nil)

	case step.StoreDown:
		h.rules.Fail(ir.Errorf(ir.ErrSourceUnavailable, "policy store down"))

	case step.StoreUp:
		h.rules.Fail(nil)

	default:
		return errors.New("empty step")
	}
	return nil
}

// runCycle runs one fleet cycle, records each switch's writes and result
// and checks the step's expectations.
func (h *Harness) runCycle(ctx context.Context, seq int64, step *CycleStep, result *Result) {
	results, err := h.fleet.RunCycle(ctx)
	if err != nil {
		result.AddEvent(TraceEvent{Type: EventCycleFailed, Seq: seq, Code: codeOf(err)})
		for _, dev := range sortedKeys(step.Expect) {
			if want := step.Expect[dev]; want != OutcomeSkipped {
				result.AddError(fmt.Sprintf("step %d: %s: expected %s, cycle was skipped: %v", seq, dev, want, err))
			}
		}
		return
	}

	got := make(map[string]engine.Result, len(results))
	for _, r := range results {
		got[r.Device] = r
	}

	for _, d := range h.cfg.Devices {
		h.recordWrites(seq, d.Name, result)
		r, ok := got[d.Name]
		if !ok {
			continue
		}
		ev := TraceEvent{
			Type:      EventCycle,
			Seq:       seq,
			Device:    r.Device,
			Outcome:   string(r.Outcome),
			Deleted:   r.Deleted,
			Installed: r.Installed,
		}
		if r.Err != nil {
			ev.Code = codeOf(r.Err)
		}
		result.AddEvent(ev)
	}

	for _, dev := range sortedKeys(step.Expect) {
		want := step.Expect[dev]
		r, ok := got[dev]
		switch {
		case !ok:
			result.AddError(fmt.Sprintf("step %d: %s: expected %s, device was excluded", seq, dev, want))
		case string(r.Outcome) != want:
			result.AddError(fmt.Sprintf("step %d: %s: expected %s, got %s (%v)", seq, dev, want, r.Outcome, r.Err))
		}
	}
}

func (h *Harness) recordWrites(seq int64, device string, result *Result) {
	fd := h.fakes.Device(device)
	for _, w := range fd.Writes() {
		ev := TraceEvent{
			Type:   EventWrite,
			Seq:    seq,
			Device: device,
			Op:     w.Op.String(),
			Table:  h.schema.TableName(w.Entry.GetTableId()),
		}
		if w.Err != nil {
			ev.Code = codeOf(w.Err)
		}
		result.AddEvent(ev)
	}
	fd.ResetWrites()
}

func codeOf(err error) string {
	if code := ir.CodeOf(err); code != "" {
		return string(code)
	}
	return "ERROR"
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
