package source

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/tidwall/jsonc"

	"github.com/roach88/switchsync/internal/config"
	"github.com/roach88/switchsync/internal/ir"
)

//go:embed static.cue
var staticSchema []byte

// StaticConfig is a switch's static config file after decoding.
// Relative paths are already resolved.
type StaticConfig struct {
	Path         string
	SchemaPath   string
	PipelinePath string
	Intents      []ir.IntentRecord
}

type staticFile struct {
	P4Info        string        `json:"p4info"`
	LegacyP4Info  string        `json:"p4Info"`
	Pipeline      string        `json:"bmv2_json"`
	Entries       []staticEntry `json:"table_entries"`
	LegacyEntries []staticEntry `json:"tableEntries"`
}

type staticEntry struct {
	Table         string         `json:"table"`
	Match         map[string]any `json:"match"`
	DefaultAction bool           `json:"default_action"`
	ActionName    string         `json:"action_name"`
	ActionParams  map[string]any `json:"action_params"`
	Priority      int32          `json:"priority"`
}

// FetchStaticConfig reads <config_dir>/<device>-config.json.
//
// A missing file returns nil, nil unless the device requires one, in which
// case it is SOURCE_UNAVAILABLE. A file that cannot be read is
// SOURCE_UNAVAILABLE; one that does not decode or validate is
// SCHEMA_MISMATCH. Schema and pipeline paths fall back to the device's
// configured defaults.
func (a *Adapter) FetchStaticConfig(dev config.Device) (*StaticConfig, error) {
	return LoadStaticConfig(a.cfg, dev)
}

// LoadStaticConfig is FetchStaticConfig without a policy store.
func LoadStaticConfig(cfg config.Config, dev config.Device) (*StaticConfig, error) {
	path := cfg.StaticConfigPath(dev.Name)

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		if dev.RequireStaticConfig {
			return nil, &ir.Error{
				Code:    ir.ErrSourceUnavailable,
				Message: fmt.Sprintf("static config %s is required but missing", path),
				Device:  dev.Name,
			}
		}
		return nil, nil
	}
	if err != nil {
		return nil, &ir.Error{Code: ir.ErrSourceUnavailable, Message: "read static config " + path, Device: dev.Name, Err: err}
	}

	sc, err := ParseStaticConfig(data, path)
	if err != nil {
		return nil, ir.WithDevice(err, dev.Name)
	}
	for _, rec := range sc.Intents {
		warnCoerced(dev.Name, rec)
	}

	sc.SchemaPath = cfg.Resolve(sc.SchemaPath)
	sc.PipelinePath = cfg.Resolve(sc.PipelinePath)
	if sc.SchemaPath == "" {
		sc.SchemaPath = dev.P4Info
	}
	if sc.PipelinePath == "" {
		sc.PipelinePath = dev.Pipeline
	}
	return sc, nil
}

// ParseStaticConfig decodes a static config document. Comments and
// trailing commas are tolerated. Paths are returned as written.
func ParseStaticConfig(data []byte, name string) (*StaticConfig, error) {
	doc := jsonc.ToJSON(data)

	if err := validateStatic(doc, name); err != nil {
		return nil, ir.WrapError(ir.ErrSchemaMismatch, "static config "+name, err)
	}

	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	var f staticFile
	if err := dec.Decode(&f); err != nil {
		return nil, ir.WrapError(ir.ErrSchemaMismatch, "decode static config "+name, err)
	}

	sc := &StaticConfig{
		Path:         name,
		SchemaPath:   firstNonEmpty(f.P4Info, f.LegacyP4Info),
		PipelinePath: f.Pipeline,
	}

	entries := f.Entries
	if entries == nil {
		entries = f.LegacyEntries
	}
	for i, e := range entries {
		rec, err := staticIntent(i+1, e)
		if err != nil {
			return nil, &ir.Error{
				Code:    ir.ErrSchemaMismatch,
				Message: fmt.Sprintf("static config %s", name),
				Table:   e.Table,
				Class:   ir.ClassStatic,
				RowID:   int64(i + 1),
				Err:     err,
			}
		}
		sc.Intents = append(sc.Intents, rec)
	}
	return sc, nil
}

func staticIntent(row int, e staticEntry) (ir.IntentRecord, error) {
	rec := ir.IntentRecord{
		Class:         ir.ClassStatic,
		RowID:         int64(row),
		Table:         e.Table,
		DefaultAction: e.DefaultAction,
		Action:        e.ActionName,
		Priority:      e.Priority,
	}

	if !e.DefaultAction {
		obj := make(map[string]any, len(e.Match))
		for k, v := range e.Match {
			n, err := ir.NormalizeValue(v)
			if err != nil {
				return rec, fmt.Errorf("match %q: %w", k, err)
			}
			obj[k] = n
		}
		match, err := ir.NormalizeMatchFields(obj)
		if err != nil {
			return rec, err
		}
		rec.Match = match
	} else if len(e.Match) > 0 {
		return rec, fmt.Errorf("default action entry must not have a match")
	}

	if len(e.ActionParams) > 0 {
		rec.Params = make(map[string]any, len(e.ActionParams))
		for k, v := range e.ActionParams {
			n, err := ir.NormalizeValue(v)
			if err != nil {
				return rec, fmt.Errorf("param %q: %w", k, err)
			}
			rec.Params[k] = n
		}
	}
	return rec, nil
}

// validateStatic checks doc against the embedded #StaticConfig schema.
func validateStatic(doc []byte, name string) error {
	ctx := cuecontext.New()
	schema := ctx.CompileBytes(staticSchema, cue.Filename("static.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("static config schema: %w", err)
	}

	v := ctx.CompileBytes(doc, cue.Filename(name))
	if err := v.Err(); err != nil {
		return err
	}

	unified := schema.LookupPath(cue.ParsePath("#StaticConfig")).Unify(v)
	return unified.Validate(cue.Concrete(true))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
