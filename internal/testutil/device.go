package testutil

import (
	"context"
	"fmt"
	"sync"

	p4configv1 "github.com/p4lang/p4runtime/go/p4/config/v1"
	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"
	"google.golang.org/protobuf/proto"

	"github.com/roach88/switchsync/internal/config"
	"github.com/roach88/switchsync/internal/device"
	"github.com/roach88/switchsync/internal/ir"
)

// Write is one recorded WriteEntry call.
type Write struct {
	Op    device.Op
	Entry *p4v1.TableEntry
	Err   error
}

// PipelineInstall is one recorded InstallPipeline call.
type PipelineInstall struct {
	P4Info       *p4configv1.P4Info
	ArtifactPath string
}

type counterKey struct {
	id    uint32
	index int64
}

// FakeDevice is an in-memory switch speaking the same Go surface as
// device.Conn. Entries are keyed the way a switch keys them (table, match,
// priority), and write outcomes use the device package's sentinels so the
// reconciler's upsert and delete handling is exercised unchanged.
//
// The switch's table state survives Close and a later re-dial, like a real
// switch surviving a controller reconnect.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type FakeDevice struct {
	mu   sync.Mutex
	name string

	entries  map[string]*p4v1.TableEntry
	order    []string
	defaults map[uint32]*p4v1.TableEntry
	counters map[counterKey]*p4v1.CounterData

	writes     []Write
	pipelines  []PipelineInstall
	reads      int
	mastership int
	closed     bool

	mastershipErr error
	pipelineErr   error
	readErr       error
	counterErr    error
	writeHook     func(*p4v1.TableEntry, device.Op) error
}

// NewFakeDevice creates an empty switch.
func NewFakeDevice(name string) *FakeDevice {
	return &FakeDevice{
		name:     name,
		entries:  make(map[string]*p4v1.TableEntry),
		defaults: make(map[uint32]*p4v1.TableEntry),
		counters: make(map[counterKey]*p4v1.CounterData),
	}
}

func (d *FakeDevice) Name() string {
	return d.name
}

func (d *FakeDevice) AcquireMastership(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mastership++
	if d.mastershipErr != nil {
		return d.mastershipErr
	}
	return ctxErr(ctx, d.name)
}

func (d *FakeDevice) InstallPipeline(ctx context.Context, info *p4configv1.P4Info, artifactPath string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := ctxErr(ctx, d.name); err != nil {
		return err
	}
	if d.pipelineErr != nil {
		return d.pipelineErr
	}
	d.pipelines = append(d.pipelines, PipelineInstall{P4Info: info, ArtifactPath: artifactPath})
	return nil
}

// ReadEntries returns default entries first (by table id), then installed
// entries in installation order.
func (d *FakeDevice) ReadEntries(ctx context.Context) ([]*p4v1.TableEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reads++
	if err := ctxErr(ctx, d.name); err != nil {
		return nil, err
	}
	if d.readErr != nil {
		return nil, d.readErr
	}

	out := make([]*p4v1.TableEntry, 0, len(d.defaults)+len(d.order))
	for _, id := range sortedTableIDs(d.defaults) {
		out = append(out, clone(d.defaults[id]))
	}
	for _, k := range d.order {
		out = append(out, clone(d.entries[k]))
	}
	return out, nil
}

func (d *FakeDevice) WriteEntry(ctx context.Context, entry *p4v1.TableEntry, op device.Op) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	err := d.write(ctx, entry, op)
	d.writes = append(d.writes, Write{Op: op, Entry: clone(entry), Err: err})
	return err
}

func (d *FakeDevice) write(ctx context.Context, entry *p4v1.TableEntry, op device.Op) error {
	if err := ctxErr(ctx, d.name); err != nil {
		return err
	}
	if d.writeHook != nil {
		if err := d.writeHook(entry, op); err != nil {
			return err
		}
	}

	if entry.GetIsDefaultAction() {
		if op != device.OpModify {
			return rejected(d.name, "%s of a default entry", op)
		}
		d.defaults[entry.GetTableId()] = clone(entry)
		return nil
	}

	key, err := device.EntryKey(entry)
	if err != nil {
		return rejected(d.name, "%v", err)
	}
	_, exists := d.entries[key]

	switch op {
	case device.OpInsert:
		if exists {
			return fmt.Errorf("%s: %w", op, device.ErrAlreadyExists)
		}
		d.entries[key] = clone(entry)
		d.order = append(d.order, key)
	case device.OpModify:
		if !exists {
			return fmt.Errorf("%s: %w", op, device.ErrNotFound)
		}
		d.entries[key] = clone(entry)
	case device.OpDelete:
		if !exists {
			return fmt.Errorf("%s: %w", op, device.ErrNotFound)
		}
		delete(d.entries, key)
		for i, k := range d.order {
			if k == key {
				d.order = append(d.order[:i], d.order[i+1:]...)
				break
			}
		}
	default:
		return rejected(d.name, "unknown op %s", op)
	}
	return nil
}

func (d *FakeDevice) ReadCounter(ctx context.Context, counterID uint32, index int64) (*p4v1.CounterData, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := ctxErr(ctx, d.name); err != nil {
		return nil, err
	}
	if d.counterErr != nil {
		return nil, d.counterErr
	}
	if data, ok := d.counters[counterKey{counterID, index}]; ok {
		return proto.Clone(data).(*p4v1.CounterData), nil
	}
	return &p4v1.CounterData{}, nil
}

func (d *FakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Seed installs entries directly, bypassing the write log. Use it for
// entries some other controller put on the switch.
func (d *FakeDevice) Seed(entries ...*p4v1.TableEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range entries {
		if e.GetIsDefaultAction() {
			d.defaults[e.GetTableId()] = clone(e)
			continue
		}
		key, err := device.EntryKey(e)
		if err != nil {
			panic(err)
		}
		if _, ok := d.entries[key]; !ok {
			d.order = append(d.order, key)
		}
		d.entries[key] = clone(e)
	}
}

// SetCounter sets one counter cell.
func (d *FakeDevice) SetCounter(counterID uint32, index, bytes, packets int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counters[counterKey{counterID, index}] = &p4v1.CounterData{ByteCount: bytes, PacketCount: packets}
}

// FailMastership makes AcquireMastership return err.
func (d *FakeDevice) FailMastership(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mastershipErr = err
}

// FailPipeline makes InstallPipeline return err.
func (d *FakeDevice) FailPipeline(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pipelineErr = err
}

// FailReads makes ReadEntries return err; nil restores reads.
func (d *FakeDevice) FailReads(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readErr = err
}

// FailCounters makes ReadCounter return err.
func (d *FakeDevice) FailCounters(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counterErr = err
}

// OnWrite installs a hook run before every write; a non-nil error fails
// the write. nil removes the hook.
func (d *FakeDevice) OnWrite(hook func(*p4v1.TableEntry, device.Op) error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeHook = hook
}

// Entries returns the installed non-default entries in installation order.
func (d *FakeDevice) Entries() []*p4v1.TableEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*p4v1.TableEntry, 0, len(d.order))
	for _, k := range d.order {
		out = append(out, clone(d.entries[k]))
	}
	return out
}

// EntriesIn returns the installed non-default entries of one table.
func (d *FakeDevice) EntriesIn(tableID uint32) []*p4v1.TableEntry {
	var out []*p4v1.TableEntry
	for _, e := range d.Entries() {
		if e.GetTableId() == tableID {
			out = append(out, e)
		}
	}
	return out
}

// DefaultEntry returns the table's default entry, if one was written.
func (d *FakeDevice) DefaultEntry(tableID uint32) (*p4v1.TableEntry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.defaults[tableID]
	if !ok {
		return nil, false
	}
	return clone(e), true
}

// Writes returns the write log.
func (d *FakeDevice) Writes() []Write {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Write(nil), d.writes...)
}

// ResetWrites clears the write log.
func (d *FakeDevice) ResetWrites() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes = nil
}

// Pipelines returns every pipeline install.
func (d *FakeDevice) Pipelines() []PipelineInstall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]PipelineInstall(nil), d.pipelines...)
}

// Reads returns how many times ReadEntries was called.
func (d *FakeDevice) Reads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reads
}

// MastershipRequests returns how many times AcquireMastership was called.
func (d *FakeDevice) MastershipRequests() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mastership
}

// Closed reports whether the last connection was closed.
func (d *FakeDevice) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *FakeDevice) reopen() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = false
}

// FakeFleet hands out fake switches by name.
type FakeFleet struct {
	mu      sync.Mutex
	devices map[string]*FakeDevice
	dialErr map[string]error
	dials   map[string]int
}

// NewFakeFleet creates one fake switch per name.
func NewFakeFleet(names ...string) *FakeFleet {
	f := &FakeFleet{
		devices: make(map[string]*FakeDevice),
		dialErr: make(map[string]error),
		dials:   make(map[string]int),
	}
	for _, n := range names {
		f.devices[n] = NewFakeDevice(n)
	}
	return f
}

// Device returns the named switch, creating it if needed.
func (f *FakeFleet) Device(name string) *FakeDevice {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[name]
	if !ok {
		d = NewFakeDevice(name)
		f.devices[name] = d
	}
	return d
}

// FailDial makes dialing the named switch return err; nil clears it.
func (f *FakeFleet) FailDial(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.dialErr, name)
		return
	}
	f.dialErr[name] = err
}

// Dial connects to the configured switch.
func (f *FakeFleet) Dial(_ context.Context, cfg config.Device) (*FakeDevice, error) {
	f.mu.Lock()
	f.dials[cfg.Name]++
	err := f.dialErr[cfg.Name]
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	d := f.Device(cfg.Name)
	d.reopen()
	return d, nil
}

// Dials returns how many times the named switch was dialed.
func (f *FakeFleet) Dials(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials[name]
}

// Unreachable is the error a fake returns for a dead switch.
func Unreachable(name string) error {
	return &ir.Error{Code: ir.ErrDeviceUnreachable, Message: "connection refused", Device: name}
}

func ctxErr(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return &ir.Error{Code: ir.ErrDeviceUnreachable, Message: "rpc aborted", Device: name, Err: err}
	}
	return nil
}

func rejected(name, format string, args ...any) error {
	return &ir.Error{Code: ir.ErrSchemaMismatch, Message: fmt.Sprintf(format, args...) + " rejected", Device: name}
}

func clone(e *p4v1.TableEntry) *p4v1.TableEntry {
	return proto.Clone(e).(*p4v1.TableEntry)
}

func sortedTableIDs(m map[uint32]*p4v1.TableEntry) []uint32 {
	ids := make([]uint32, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j] < ids[j-1]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
	return ids
}
