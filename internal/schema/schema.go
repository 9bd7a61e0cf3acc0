// Package schema loads P4Info schema descriptions and provides the
// name <-> id lookups the entry compiler and the dump command need.
package schema

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	p4configv1 "github.com/p4lang/p4runtime/go/p4/config/v1"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/encoding/prototext"
	"google.golang.org/protobuf/proto"

	"github.com/roach88/switchsync/internal/ir"
)

// Format is the on-disk encoding of a P4Info file.
type Format int

const (
	// FormatText is protobuf text format (p4c's *.p4info.txtpb / *.p4info.txt).
	FormatText Format = iota
	// FormatJSON is protobuf JSON (p4c --p4runtime-files x.json).
	FormatJSON
	// FormatBinary is the protobuf wire encoding.
	FormatBinary
)

// FormatFromPath guesses the encoding from the file extension.
// Unknown extensions are treated as text format, which is what p4c emits
// by default.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON
	case ".pb", ".bin":
		return FormatBinary
	default:
		return FormatText
	}
}

// Schema is an indexed, read-only view of a P4Info.
// It is safe for concurrent use once constructed.
type Schema struct {
	// Path is the file the schema was loaded from, if any.
	Path string

	info *p4configv1.P4Info

	tables   map[string]*p4configv1.Table
	tableIDs map[uint32]*p4configv1.Table

	actions   map[string]*p4configv1.Action
	actionIDs map[uint32]*p4configv1.Action

	counters map[string]*p4configv1.Counter
}

// Load reads and indexes the P4Info at path.
func Load(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ir.WrapError(ir.ErrSourceUnavailable, fmt.Sprintf("read p4info %s", path), err)
	}
	s, err := Parse(data, FormatFromPath(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	s.Path = path
	return s, nil
}

// Parse decodes P4Info bytes in the given format and indexes them.
func Parse(data []byte, format Format) (*Schema, error) {
	info := &p4configv1.P4Info{}

	var err error
	switch format {
	case FormatJSON:
		err = protojson.UnmarshalOptions{DiscardUnknown: true}.Unmarshal(data, info)
	case FormatBinary:
		err = proto.Unmarshal(data, info)
	default:
		err = prototext.UnmarshalOptions{DiscardUnknown: true}.Unmarshal(data, info)
	}
	if err != nil {
		return nil, ir.WrapError(ir.ErrSchemaMismatch, "parse p4info", err)
	}
	return New(info)
}

// New indexes an in-memory P4Info. Tables and actions are reachable by
// fully qualified name ("MyIngress.ipv4_lpm") and by alias ("ipv4_lpm").
// Duplicate ids are rejected; an alias that collides with another
// object's name is ignored.
func New(info *p4configv1.P4Info) (*Schema, error) {
	s := &Schema{
		info:      info,
		tables:    make(map[string]*p4configv1.Table),
		tableIDs:  make(map[uint32]*p4configv1.Table),
		actions:   make(map[string]*p4configv1.Action),
		actionIDs: make(map[uint32]*p4configv1.Action),
		counters:  make(map[string]*p4configv1.Counter),
	}

	for _, t := range info.GetTables() {
		id := t.GetPreamble().GetId()
		if _, dup := s.tableIDs[id]; dup {
			return nil, ir.Errorf(ir.ErrSchemaMismatch, "duplicate table id %d", id)
		}
		s.tableIDs[id] = t
		s.tables[t.GetPreamble().GetName()] = t
	}
	for _, t := range info.GetTables() {
		if alias := t.GetPreamble().GetAlias(); alias != "" {
			if _, taken := s.tables[alias]; !taken {
				s.tables[alias] = t
			}
		}
	}

	for _, a := range info.GetActions() {
		id := a.GetPreamble().GetId()
		if _, dup := s.actionIDs[id]; dup {
			return nil, ir.Errorf(ir.ErrSchemaMismatch, "duplicate action id %d", id)
		}
		s.actionIDs[id] = a
		s.actions[a.GetPreamble().GetName()] = a
	}
	for _, a := range info.GetActions() {
		if alias := a.GetPreamble().GetAlias(); alias != "" {
			if _, taken := s.actions[alias]; !taken {
				s.actions[alias] = a
			}
		}
	}

	for _, c := range info.GetCounters() {
		s.counters[c.GetPreamble().GetName()] = c
		if alias := c.GetPreamble().GetAlias(); alias != "" {
			if _, taken := s.counters[alias]; !taken {
				s.counters[alias] = c
			}
		}
	}

	return s, nil
}

// P4Info returns the underlying message. Callers must not mutate it.
func (s *Schema) P4Info() *p4configv1.P4Info {
	return s.info
}

// Table looks up a table by name or alias.
func (s *Schema) Table(name string) (*p4configv1.Table, bool) {
	t, ok := s.tables[name]
	return t, ok
}

// TableByID looks up a table by id.
func (s *Schema) TableByID(id uint32) (*p4configv1.Table, bool) {
	t, ok := s.tableIDs[id]
	return t, ok
}

// TableName returns the table's name, or "<table id N>" when unknown.
func (s *Schema) TableName(id uint32) string {
	if t, ok := s.tableIDs[id]; ok {
		return t.GetPreamble().GetName()
	}
	return fmt.Sprintf("<table id %d>", id)
}

// MatchField looks up a match field of t by name.
func (s *Schema) MatchField(t *p4configv1.Table, name string) (*p4configv1.MatchField, bool) {
	for _, mf := range t.GetMatchFields() {
		if mf.GetName() == name {
			return mf, true
		}
	}
	return nil, false
}

// MatchFieldByID looks up a match field of t by id.
func (s *Schema) MatchFieldByID(t *p4configv1.Table, id uint32) (*p4configv1.MatchField, bool) {
	for _, mf := range t.GetMatchFields() {
		if mf.GetId() == id {
			return mf, true
		}
	}
	return nil, false
}

// Action looks up an action by name or alias.
func (s *Schema) Action(name string) (*p4configv1.Action, bool) {
	a, ok := s.actions[name]
	return a, ok
}

// ActionByID looks up an action by id.
func (s *Schema) ActionByID(id uint32) (*p4configv1.Action, bool) {
	a, ok := s.actionIDs[id]
	return a, ok
}

// ActionName returns the action's name, or "<action id N>" when unknown.
func (s *Schema) ActionName(id uint32) string {
	if a, ok := s.actionIDs[id]; ok {
		return a.GetPreamble().GetName()
	}
	return fmt.Sprintf("<action id %d>", id)
}

// Param looks up a parameter of a by name.
func (s *Schema) Param(a *p4configv1.Action, name string) (*p4configv1.Action_Param, bool) {
	for _, p := range a.GetParams() {
		if p.GetName() == name {
			return p, true
		}
	}
	return nil, false
}

// ParamByID looks up a parameter of a by id.
func (s *Schema) ParamByID(a *p4configv1.Action, id uint32) (*p4configv1.Action_Param, bool) {
	for _, p := range a.GetParams() {
		if p.GetId() == id {
			return p, true
		}
	}
	return nil, false
}

// TableAllowsAction reports whether action id is referenced by table t.
func (s *Schema) TableAllowsAction(t *p4configv1.Table, actionID uint32) bool {
	for _, ref := range t.GetActionRefs() {
		if ref.GetId() == actionID {
			return true
		}
	}
	return false
}

// Counter looks up an indirect counter by name or alias.
func (s *Schema) Counter(name string) (*p4configv1.Counter, bool) {
	c, ok := s.counters[name]
	return c, ok
}

// TableIDs resolves table names to ids. Names missing from the schema are
// skipped and returned separately: a managed table that a device's
// pipeline does not define simply has nothing to manage.
func (s *Schema) TableIDs(names []string) (ids map[uint32]string, missing []string) {
	ids = make(map[uint32]string, len(names))
	for _, name := range names {
		t, ok := s.tables[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		ids[t.GetPreamble().GetId()] = t.GetPreamble().GetName()
	}
	return ids, missing
}
