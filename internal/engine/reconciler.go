package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"

	"github.com/roach88/switchsync/internal/compiler"
	"github.com/roach88/switchsync/internal/device"
	"github.com/roach88/switchsync/internal/ir"
	"github.com/roach88/switchsync/internal/metrics"
	"github.com/roach88/switchsync/internal/schema"
)

// Outcome summarizes one reconciliation cycle for one device.
type Outcome string

const (
	// OutcomeUnchanged: fingerprint matched, no device I/O.
	OutcomeUnchanged Outcome = "unchanged"
	// OutcomeResynced: managed tables were rewritten in full.
	OutcomeResynced Outcome = "resynced"
	// OutcomeFailed: the cycle failed; Err says why.
	OutcomeFailed Outcome = "failed"
)

// Result is the explicit per-device report of a cycle. Failures travel
// here instead of escaping the device boundary.
type Result struct {
	Device  string
	Cycle   string
	Outcome Outcome

	// Fingerprint is the device's fingerprint after the cycle: the new one
	// on success, the previous one otherwise.
	Fingerprint ir.Fingerprint

	Deleted        int
	DeleteFailures int
	Installed      int

	Duration time.Duration
	Err      error
}

// OK reports whether the cycle succeeded.
func (r Result) OK() bool {
	return r.Outcome != OutcomeFailed
}

// Reconciler brings one device's managed tables in line with its intent.
//
// Per cycle:
//  1. Fingerprint the device's rows. Equal to the last applied
//     fingerprint while Synced: no device I/O. A device left Unsynced by a
//     failed cycle always resyncs, whatever its fingerprint.
//  2. Syncing: read every entry and delete the non-default ones in managed
//     tables. Delete failures are logged and counted, never fatal.
//  3. Compile the snapshot's intents (tags, then filters) and install them
//     one at a time as upserts. The first error aborts: Unsynced, and the
//     fingerprint is not updated.
//  4. Record the new fingerprint: Synced.
//
// Thread-safety: a Reconciler is stateless apart from its clock and may be
// shared, but one DeviceState must only be reconciled by one goroutine at a
// time.
type Reconciler struct {
	now func() time.Time
}

// NewReconciler creates a reconciler measuring cycle durations with now.
// A nil now uses time.Now.
func NewReconciler(now func() time.Time) *Reconciler {
	if now == nil {
		now = time.Now
	}
	return &Reconciler{now: now}
}

// Reconcile runs one cycle for st against src. It never panics: a panic in
// the cycle becomes a failed Result.
func (r *Reconciler) Reconcile(ctx context.Context, src Source, st *DeviceState) Result {
	start := r.now()
	res := Result{Device: st.Name, Fingerprint: st.LastFingerprint}

	err := r.run(ctx, src, st, &res)
	if err != nil {
		st.State = Unsynced
		res.Outcome = OutcomeFailed
		res.Err = ir.WithDevice(err, st.Name)
		res.Fingerprint = st.LastFingerprint
	}

	res.Duration = r.now().Sub(start)
	metrics.RecordCycle(st.Name, string(res.Outcome), res.Duration)
	metrics.SetSynced(st.Name, st.State == Synced)
	return res
}

func (r *Reconciler) run(ctx context.Context, src Source, st *DeviceState, res *Result) (err error) {
	defer recoverDevice(st.Name, "reconcile", &err)

	snap, err := src.Snapshot(ctx, st.Name)
	if err != nil {
		return err
	}
	if st.State == Synced && !st.LastFingerprint.IsZero() && snap.Fingerprint == st.LastFingerprint {
		st.State = Synced
		res.Outcome = OutcomeUnchanged
		slog.Debug("fingerprint unchanged",
			"device", st.Name,
			"fingerprint", snap.Fingerprint.Short(),
		)
		return nil
	}

	slog.Info("policy changed, resyncing",
		"device", st.Name,
		"from", st.LastFingerprint.Short(),
		"to", snap.Fingerprint.Short(),
		"tags", len(snap.Tags),
		"filters", len(snap.Filters),
	)
	st.State = Syncing

	if err := deleteManaged(ctx, st, res); err != nil {
		return err
	}

	intents, err := src.Intents(snap)
	if err != nil {
		return err
	}
	installed, err := installIntents(ctx, st.Conn, st.Schema, intents)
	res.Installed = installed
	if err != nil {
		return err
	}

	st.LastFingerprint = snap.Fingerprint
	st.State = Synced
	res.Outcome = OutcomeResynced
	res.Fingerprint = snap.Fingerprint

	slog.Info("device synced",
		"device", st.Name,
		"fingerprint", snap.Fingerprint.Short(),
		"deleted", res.Deleted,
		"delete_failures", res.DeleteFailures,
		"installed", res.Installed,
	)
	return nil
}

// deleteManaged deletes every non-default entry in a managed table. Only
// the read failing is an error.
func deleteManaged(ctx context.Context, st *DeviceState, res *Result) error {
	entries, err := st.Conn.ReadEntries(ctx)
	if err != nil {
		return err
	}

	for _, e := range entries {
		if e.GetIsDefaultAction() || !st.IsManaged(e.GetTableId()) {
			continue
		}
		err := st.Conn.WriteEntry(ctx, e, device.OpDelete)
		metrics.RecordEntryWrite(st.Name, device.OpDelete.String(), err == nil)
		if err != nil {
			res.DeleteFailures++
			slog.Warn("delete failed",
				"device", st.Name,
				"table", st.Schema.TableName(e.GetTableId()),
				"error", err,
			)
			continue
		}
		res.Deleted++
	}
	return nil
}

// installIntents compiles and writes intents in order, stopping at the
// first error. It returns how many were written.
func installIntents(ctx context.Context, conn Device, s *schema.Schema, intents []ir.IntentRecord) (int, error) {
	for i, rec := range intents {
		entry, err := compiler.Compile(s, rec)
		if err != nil {
			return i, err
		}
		if err := upsert(ctx, conn, entry); err != nil {
			var e *ir.Error
			switch {
			case errors.As(err, &e):
				return i, e.ForRecord(rec)
			case errors.Is(err, device.ErrAlreadyExists), errors.Is(err, device.ErrNotFound):
				return i, ir.WrapError(ir.ErrSchemaMismatch, "install "+rec.String(), err).ForRecord(rec)
			}
			return i, ir.WrapError(ir.ErrDeviceUnreachable, "install "+rec.String(), err)
		}
	}
	return len(intents), nil
}

// upsert writes entry so that it ends up installed whether or not an entry
// with the same key exists. Default entries can only be modified. A MODIFY
// that finds the entry gone is retried once as INSERT.
func upsert(ctx context.Context, conn Device, entry *p4v1.TableEntry) error {
	if entry.GetIsDefaultAction() {
		err := conn.WriteEntry(ctx, entry, device.OpModify)
		metrics.RecordEntryWrite(conn.Name(), device.OpModify.String(), err == nil)
		return err
	}

	err := conn.WriteEntry(ctx, entry, device.OpInsert)
	metrics.RecordEntryWrite(conn.Name(), device.OpInsert.String(), err == nil)
	if !errors.Is(err, device.ErrAlreadyExists) {
		return err
	}

	err = conn.WriteEntry(ctx, entry, device.OpModify)
	metrics.RecordEntryWrite(conn.Name(), device.OpModify.String(), err == nil)
	if !errors.Is(err, device.ErrNotFound) {
		return err
	}

	err = conn.WriteEntry(ctx, entry, device.OpInsert)
	metrics.RecordEntryWrite(conn.Name(), device.OpInsert.String(), err == nil)
	return err
}
