// Package source turns policy store rows and per-switch static config
// files into intent records.
//
// Tag rows become entries in the configured tag table, matching the row's
// stored match object and setting the tag through the configured action
// parameter. Filter rows become entries in the filter table, matching the
// tag value at full field width and running the filter action. Both are
// ordered by row id, tags first; that order drives the fingerprint and the
// install order.
package source

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/roach88/switchsync/internal/config"
	"github.com/roach88/switchsync/internal/ir"
	"github.com/roach88/switchsync/internal/store"
)

// Snapshot is one consistent read of a switch's policy rows.
type Snapshot struct {
	Device      string
	Tags        []ir.TagRule
	Filters     []ir.FilterRule
	Fingerprint ir.Fingerprint
}

// Adapter reads intent for switches from a policy store. It never writes.
type Adapter struct {
	rules store.Rules
	cfg   config.Config
}

// New creates an adapter over rules, mapping rows with cfg.Rules.
func New(rules store.Rules, cfg config.Config) *Adapter {
	return &Adapter{rules: rules, cfg: cfg}
}

// Snapshot reads the switch's tag and filter rows and fingerprints them.
// Every store failure is SOURCE_UNAVAILABLE.
func (a *Adapter) Snapshot(ctx context.Context, device string) (*Snapshot, error) {
	tags, err := a.rules.TagRules(ctx, device)
	if err != nil {
		return nil, sourceErr(device, "read tag rules", err)
	}
	filters, err := a.rules.FilterRules(ctx, device)
	if err != nil {
		return nil, sourceErr(device, "read filter rules", err)
	}

	for _, row := range tags {
		if _, err := ir.CanonicalMatchText(row.Match); err != nil {
			return nil, rowErr(device, a.cfg.Rules.Tag.Table, ir.ClassTag, row.ID, err)
		}
	}
	fp, err := ir.ComputeFingerprint(tags, filters)
	if err != nil {
		return nil, &ir.Error{Code: ir.ErrSchemaMismatch, Message: "fingerprint policy rows", Device: device, Err: err}
	}

	return &Snapshot{Device: device, Tags: tags, Filters: filters, Fingerprint: fp}, nil
}

// Fingerprint returns the fingerprint of the switch's current rows.
func (a *Adapter) Fingerprint(ctx context.Context, device string) (ir.Fingerprint, error) {
	snap, err := a.Snapshot(ctx, device)
	if err != nil {
		return "", err
	}
	return snap.Fingerprint, nil
}

// FetchIntents reads the switch's rows and converts them to intents.
func (a *Adapter) FetchIntents(ctx context.Context, device string) ([]ir.IntentRecord, error) {
	snap, err := a.Snapshot(ctx, device)
	if err != nil {
		return nil, err
	}
	return a.Intents(snap)
}

// Intents converts a snapshot's rows to intent records: tag rows then
// filter rows, each in row id order.
func (a *Adapter) Intents(snap *Snapshot) ([]ir.IntentRecord, error) {
	tag := a.cfg.Rules.Tag
	filter := a.cfg.Rules.Filter

	out := make([]ir.IntentRecord, 0, len(snap.Tags)+len(snap.Filters))
	for _, row := range snap.Tags {
		obj, err := ir.DecodeMatchObject(row.Match)
		if err != nil {
			return nil, rowErr(snap.Device, tag.Table, ir.ClassTag, row.ID, err)
		}
		match, err := ir.NormalizeMatchFields(obj)
		if err != nil {
			return nil, rowErr(snap.Device, tag.Table, ir.ClassTag, row.ID, err)
		}
		rec := ir.IntentRecord{
			Class:  ir.ClassTag,
			RowID:  row.ID,
			Table:  tag.Table,
			Match:  match,
			Action: tag.Action,
			Params: map[string]any{tag.Param: row.TagValue},
		}
		warnCoerced(snap.Device, rec)
		out = append(out, rec)
	}

	for _, row := range snap.Filters {
		out = append(out, ir.IntentRecord{
			Class: ir.ClassFilter,
			RowID: row.ID,
			Table: filter.Table,
			Match: map[string]ir.MatchValue{
				filter.Field: {Value: row.TagValue, Aux: int64(filter.Width)},
			},
			Action: filter.Action,
		})
	}

	return out, nil
}

// warnCoerced logs every match field that went through the legacy
// bare-integer widening.
func warnCoerced(device string, rec ir.IntentRecord) {
	fields := make([]string, 0, len(rec.Match))
	for name, mv := range rec.Match {
		if mv.Coerced {
			fields = append(fields, name)
		}
	}
	sort.Strings(fields)
	for _, f := range fields {
		slog.Warn("bare integer match widened to zero width",
			"device", device,
			"table", rec.Table,
			"class", rec.Class,
			"row_id", rec.RowID,
			"field", f,
		)
	}
}

func sourceErr(device, msg string, err error) error {
	return &ir.Error{Code: ir.ErrSourceUnavailable, Message: msg, Device: device, Err: err}
}

func rowErr(device, table string, class ir.IntentClass, rowID int64, err error) error {
	return &ir.Error{
		Code:    ir.ErrSchemaMismatch,
		Message: fmt.Sprintf("malformed %s row", class),
		Device:  device,
		Table:   table,
		Class:   class,
		RowID:   rowID,
		Err:     err,
	}
}
