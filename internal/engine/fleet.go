package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/switchsync/internal/config"
	"github.com/roach88/switchsync/internal/ir"
	"github.com/roach88/switchsync/internal/metrics"
	"github.com/roach88/switchsync/internal/source"
	"github.com/roach88/switchsync/internal/store"
)

// StoreOpener (re)opens the policy store.
type StoreOpener func(ctx context.Context) (store.Rules, error)

// SourceFactory builds the intent source over an open store.
type SourceFactory func(rules store.Rules, cfg config.Config) Source

// Fleet drives every configured switch on a fixed interval.
//
// Each cycle:
//  1. Check the policy store; if it is down, close and redial it. Still
//     down: skip the cycle entirely.
//  2. For every device not excluded: bring it up if needed, then reconcile.
//     Failures are attributed to their device only.
//  3. Read configured counters of devices that are up.
//
// Devices are processed sequentially unless parallelism > 1, in which
// case up to that many devices are worked on at once. Each DeviceState is
// only ever touched by the goroutine working on that device.
//
// Thread-safety model:
//   - Run / RunCycle: one caller at a time
//   - State, Excluded: safe from any goroutine; State is only consistent
//     between cycles
//   - Close: after Run returned
type Fleet struct {
	cfg        config.Config
	dial       Dialer
	openStore  StoreOpener
	newSource  SourceFactory
	reconciler *Reconciler
	ids        CycleIDGenerator
	clock      *Clock

	rules store.Rules
	src   Source

	mu       sync.Mutex
	devices  map[string]*DeviceState
	excluded map[string]error
}

// FleetOption configures a Fleet.
type FleetOption func(*Fleet)

// WithCycleIDs sets the cycle id generator (default: UUIDv7).
func WithCycleIDs(ids CycleIDGenerator) FleetOption {
	return func(f *Fleet) {
		f.ids = ids
	}
}

// WithNow sets the time source used to measure cycle durations.
func WithNow(now func() time.Time) FleetOption {
	return func(f *Fleet) {
		f.reconciler = NewReconciler(now)
	}
}

// WithSourceFactory replaces the policy-store-backed source.
func WithSourceFactory(factory SourceFactory) FleetOption {
	return func(f *Fleet) {
		f.newSource = factory
	}
}

// NewFleet creates a fleet over an already open store. rules may be nil,
// in which case the first cycle opens it.
func NewFleet(cfg config.Config, rules store.Rules, dial Dialer, openStore StoreOpener, opts ...FleetOption) *Fleet {
	f := &Fleet{
		cfg:        cfg,
		dial:       dial,
		openStore:  openStore,
		newSource:  func(r store.Rules, c config.Config) Source { return source.New(r, c) },
		reconciler: NewReconciler(nil),
		ids:        UUIDv7Generator{},
		clock:      NewClock(),
		devices:    make(map[string]*DeviceState),
		excluded:   make(map[string]error),
	}
	for _, opt := range opts {
		opt(f)
	}
	if rules != nil {
		f.rules = rules
		f.src = f.newSource(rules, cfg)
	}
	return f
}

// Run executes cycles every poll interval until ctx is cancelled, starting
// immediately. It returns ctx.Err().
func (f *Fleet) Run(ctx context.Context) error {
	slog.Info("fleet starting",
		"devices", len(f.cfg.Devices),
		"poll_interval", f.cfg.PollInterval,
		"parallelism", f.cfg.Parallelism,
	)

	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := f.RunCycle(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("cycle skipped", "error", err)
		}

		select {
		case <-ctx.Done():
			slog.Info("fleet stopping: context cancelled")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunCycle runs one cycle and returns a Result per device worked on, in
// configuration order. Excluded devices produce no Result. A non-nil
// error means the policy store was unavailable and nothing ran.
func (f *Fleet) RunCycle(ctx context.Context) ([]Result, error) {
	cycle := f.ids.Generate()
	seq := f.clock.Next()

	if err := f.ensureStore(ctx); err != nil {
		return nil, err
	}

	var devs []config.Device
	for _, d := range f.cfg.Devices {
		if f.isExcluded(d.Name) {
			slog.Debug("device excluded, skipping", "device", d.Name, "cycle", cycle)
			continue
		}
		devs = append(devs, d)
	}

	results := make([]Result, len(devs))
	work := func(i int) {
		results[i] = f.runDevice(ctx, devs[i])
		results[i].Cycle = cycle
	}

	if f.cfg.Parallelism <= 1 {
		for i := range devs {
			work(i)
		}
	} else {
		var g errgroup.Group
		g.SetLimit(f.cfg.Parallelism)
		for i := range devs {
			g.Go(func() error {
				work(i)
				return nil
			})
		}
		_ = g.Wait()
	}

	failed := 0
	for _, r := range results {
		if !r.OK() {
			failed++
			slog.Error("device cycle failed",
				"device", r.Device,
				"cycle", cycle,
				"error", r.Err,
			)
		}
	}
	slog.Debug("cycle complete", "cycle", cycle, "seq", seq, "devices", len(results), "failed", failed)
	return results, nil
}

// runDevice brings the device up if needed, reconciles it and reads its
// counters.
func (f *Fleet) runDevice(ctx context.Context, dev config.Device) Result {
	st, ok := f.state(dev.Name)
	if !ok {
		var err error
		st, err = BringUp(ctx, f.dial, f.src, f.cfg, dev)
		metrics.RecordBringUp(dev.Name, err == nil)
		if err != nil {
			if ir.IsCode(err, ir.ErrMastershipDenied) {
				f.exclude(dev.Name, err)
			}
			metrics.SetSynced(dev.Name, false)
			return Result{Device: dev.Name, Outcome: OutcomeFailed, Err: err}
		}
		f.setState(st)
		slog.Info("device up", "device", dev.Name)
	}

	res := f.reconciler.Reconcile(ctx, f.src, st)
	if ir.IsCode(res.Err, ir.ErrDeviceUnreachable) {
		f.drop(dev.Name)
		return res
	}

	f.readCounters(ctx, st)
	return res
}

// ensureStore checks the store and redials it when it is down.
func (f *Fleet) ensureStore(ctx context.Context) error {
	if f.rules != nil {
		err := f.rules.Ping(ctx)
		if err == nil {
			return nil
		}
		slog.Warn("policy store unreachable, reconnecting", "error", err)
		if cerr := f.rules.Close(); cerr != nil {
			slog.Debug("close policy store", "error", cerr)
		}
		f.rules, f.src = nil, nil
	}

	if f.openStore == nil {
		return ir.Errorf(ir.ErrSourceUnavailable, "policy store unavailable")
	}
	rules, err := f.openStore(ctx)
	if err == nil {
		if err = rules.Ping(ctx); err != nil {
			rules.Close()
		}
	}
	metrics.RecordStoreReconnect(err == nil)
	if err != nil {
		return ir.WrapError(ir.ErrSourceUnavailable, "reconnect policy store", err)
	}

	slog.Info("policy store connected")
	f.rules = rules
	f.src = f.newSource(rules, f.cfg)
	return nil
}

// State returns a copy of the named device's state.
func (f *Fleet) State(name string) (DeviceState, bool) {
	st, ok := f.state(name)
	if !ok {
		return DeviceState{}, false
	}
	return *st, true
}

// Excluded returns why the named device was excluded, or nil.
func (f *Fleet) Excluded(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.excluded[name]
}

func (f *Fleet) state(name string) (*DeviceState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.devices[name]
	return st, ok
}

func (f *Fleet) setState(st *DeviceState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices[st.Name] = st
}

func (f *Fleet) isExcluded(name string) bool {
	return f.Excluded(name) != nil
}

func (f *Fleet) exclude(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.excluded[name] = err
	slog.Error("device excluded for this run", "device", name, "error", err)
}

// drop closes a device's connection and forgets its state, so the next
// cycle brings it up again from scratch.
func (f *Fleet) drop(name string) {
	f.mu.Lock()
	st, ok := f.devices[name]
	delete(f.devices, name)
	f.mu.Unlock()

	if !ok {
		return
	}
	if err := st.Conn.Close(); err != nil {
		slog.Debug("close dropped device", "device", name, "error", err)
	}
	slog.Warn("device unreachable, will reconnect", "device", name)
}

// Close releases every device connection and the policy store.
func (f *Fleet) Close() error {
	f.mu.Lock()
	devices := f.devices
	f.devices = make(map[string]*DeviceState)
	f.mu.Unlock()

	var errs []error
	for _, d := range f.cfg.Devices {
		st, ok := devices[d.Name]
		if !ok {
			continue
		}
		if err := st.Conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if f.rules != nil {
		if err := f.rules.Close(); err != nil {
			errs = append(errs, err)
		}
		f.rules, f.src = nil, nil
	}
	return errors.Join(errs...)
}
