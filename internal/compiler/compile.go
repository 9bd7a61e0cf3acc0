// Package compiler translates intent records into P4Runtime table entries
// using a device's P4Info schema.
//
// Compilation is pure and deterministic: match fields are emitted in
// field-id order and action params in param-id order, so identical records
// produce identical entries and identical deterministic wire bytes.
package compiler

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	p4configv1 "github.com/p4lang/p4runtime/go/p4/config/v1"
	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"

	"github.com/roach88/switchsync/internal/ir"
	"github.com/roach88/switchsync/internal/schema"
)

// Compile converts one intent record into a table entry.
//
// Every failure is a SCHEMA_MISMATCH carrying the record's class, row and
// table: unknown table/field/action/param names, missing params, values
// that do not fit their declared width, and actions the table does not
// reference.
//
// Match kinds:
//   - EXACT: the auxiliary element, if any, is ignored
//   - LPM: the auxiliary element is the prefix length (full width if absent)
//   - TERNARY: the auxiliary element is the mask (all ones if absent)
//   - OPTIONAL: like EXACT
//   - RANGE: value is the low bound and the auxiliary element the high bound
//
// Don't-care matches (prefix length 0, all-zero mask) are omitted, as
// P4Runtime requires.
func Compile(s *schema.Schema, rec ir.IntentRecord) (*p4v1.TableEntry, error) {
	entry, err := compile(s, rec)
	if err != nil {
		var e *ir.Error
		if !errors.As(err, &e) {
			e = ir.WrapError(ir.ErrSchemaMismatch, "compile", err)
		}
		return nil, e.ForRecord(rec)
	}
	return entry, nil
}

func compile(s *schema.Schema, rec ir.IntentRecord) (*p4v1.TableEntry, error) {
	table, ok := s.Table(rec.Table)
	if !ok {
		return nil, ir.Errorf(ir.ErrSchemaMismatch, "unknown table %q", rec.Table)
	}

	entry := &p4v1.TableEntry{TableId: table.GetPreamble().GetId()}

	if rec.DefaultAction {
		if len(rec.Match) > 0 {
			return nil, ir.Errorf(ir.ErrSchemaMismatch, "default action entry must not have match fields")
		}
		entry.IsDefaultAction = true
	} else {
		matches, err := compileMatches(s, table, rec.Match)
		if err != nil {
			return nil, err
		}
		entry.Match = matches
	}

	action, err := compileAction(s, table, rec)
	if err != nil {
		return nil, err
	}
	entry.Action = &p4v1.TableAction{Type: &p4v1.TableAction_Action{Action: action}}

	if rec.Priority < 0 {
		return nil, ir.Errorf(ir.ErrSchemaMismatch, "priority must be non-negative, got %d", rec.Priority)
	}
	entry.Priority = rec.Priority
	if entry.Priority == 0 && !rec.DefaultAction && needsPriority(table) {
		entry.Priority = 1
	}

	return entry, nil
}

// needsPriority reports whether entries of t must carry a priority, which
// P4Runtime requires for tables with ternary, range or optional fields.
func needsPriority(t *p4configv1.Table) bool {
	for _, mf := range t.GetMatchFields() {
		switch mf.GetMatchType() {
		case p4configv1.MatchField_TERNARY, p4configv1.MatchField_RANGE, p4configv1.MatchField_OPTIONAL:
			return true
		}
	}
	return false
}

func compileMatches(s *schema.Schema, t *p4configv1.Table, fields map[string]ir.MatchValue) ([]*p4v1.FieldMatch, error) {
	matches := make([]*p4v1.FieldMatch, 0, len(fields))
	for name, mv := range fields {
		mf, ok := s.MatchField(t, name)
		if !ok {
			return nil, ir.Errorf(ir.ErrSchemaMismatch, "unknown match field %q", name)
		}
		fm, err := compileField(mf, mv)
		if err != nil {
			return nil, ir.WrapError(ir.ErrSchemaMismatch, fmt.Sprintf("match field %q", name), err)
		}
		if fm != nil {
			matches = append(matches, fm)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].GetFieldId() < matches[j].GetFieldId()
	})
	return matches, nil
}

// compileField returns nil for a don't-care match.
func compileField(mf *p4configv1.MatchField, mv ir.MatchValue) (*p4v1.FieldMatch, error) {
	bw := mf.GetBitwidth()

	value, err := valueToInt(mv.Value)
	if err != nil {
		return nil, err
	}
	if _, err := fitBytes(value, bw); err != nil {
		return nil, err
	}

	fm := &p4v1.FieldMatch{FieldId: mf.GetId()}

	switch mf.GetMatchType() {
	case p4configv1.MatchField_EXACT:
		v, _ := fitBytes(value, bw)
		fm.FieldMatchType = &p4v1.FieldMatch_Exact_{Exact: &p4v1.FieldMatch_Exact{Value: v}}

	case p4configv1.MatchField_OPTIONAL:
		v, _ := fitBytes(value, bw)
		fm.FieldMatchType = &p4v1.FieldMatch_Optional_{Optional: &p4v1.FieldMatch_Optional{Value: v}}

	case p4configv1.MatchField_LPM:
		prefix := bw
		if mv.HasAux() {
			if prefix, err = prefixLength(mv.Aux, bw); err != nil {
				return nil, err
			}
		}
		if prefix == 0 {
			return nil, nil
		}
		masked := new(big.Int).And(value, prefixMask(prefix, bw))
		v, _ := fitBytes(masked, bw)
		fm.FieldMatchType = &p4v1.FieldMatch_Lpm{Lpm: &p4v1.FieldMatch_LPM{Value: v, PrefixLen: prefix}}

	case p4configv1.MatchField_TERNARY:
		mask := fullMask(bw)
		if mv.HasAux() {
			if mask, err = valueToInt(mv.Aux); err != nil {
				return nil, fmt.Errorf("mask: %w", err)
			}
		}
		m, err := fitBytes(mask, bw)
		if err != nil {
			return nil, fmt.Errorf("mask: %w", err)
		}
		if mask.Sign() == 0 {
			return nil, nil
		}
		v, _ := fitBytes(new(big.Int).And(value, mask), bw)
		fm.FieldMatchType = &p4v1.FieldMatch_Ternary_{Ternary: &p4v1.FieldMatch_Ternary{Value: v, Mask: m}}

	case p4configv1.MatchField_RANGE:
		if !mv.HasAux() {
			return nil, fmt.Errorf("range match needs [low, high]")
		}
		high, err := valueToInt(mv.Aux)
		if err != nil {
			return nil, fmt.Errorf("range high: %w", err)
		}
		if high.Cmp(value) < 0 {
			return nil, fmt.Errorf("range low %s above high %s", value, high)
		}
		h, err := fitBytes(high, bw)
		if err != nil {
			return nil, fmt.Errorf("range high: %w", err)
		}
		if value.Sign() == 0 && high.Cmp(fullMask(bw)) == 0 {
			return nil, nil
		}
		l, _ := fitBytes(value, bw)
		fm.FieldMatchType = &p4v1.FieldMatch_Range_{Range: &p4v1.FieldMatch_Range{Low: l, High: h}}

	default:
		return nil, fmt.Errorf("unsupported match type %s", mf.GetMatchType())
	}

	return fm, nil
}

func compileAction(s *schema.Schema, t *p4configv1.Table, rec ir.IntentRecord) (*p4v1.Action, error) {
	act, ok := s.Action(rec.Action)
	if !ok {
		return nil, ir.Errorf(ir.ErrSchemaMismatch, "unknown action %q", rec.Action)
	}
	actionID := act.GetPreamble().GetId()
	if len(t.GetActionRefs()) > 0 && !s.TableAllowsAction(t, actionID) {
		return nil, ir.Errorf(ir.ErrSchemaMismatch, "action %q is not allowed in table %q",
			rec.Action, t.GetPreamble().GetName())
	}

	for name := range rec.Params {
		if _, ok := s.Param(act, name); !ok {
			return nil, ir.Errorf(ir.ErrSchemaMismatch, "unknown parameter %q for action %q", name, rec.Action)
		}
	}

	params := make([]*p4v1.Action_Param, 0, len(act.GetParams()))
	for _, p := range act.GetParams() {
		raw, ok := rec.Params[p.GetName()]
		if !ok {
			return nil, ir.Errorf(ir.ErrSchemaMismatch, "missing parameter %q for action %q", p.GetName(), rec.Action)
		}
		v, err := EncodeValue(raw, p.GetBitwidth())
		if err != nil {
			return nil, ir.WrapError(ir.ErrSchemaMismatch, fmt.Sprintf("parameter %q", p.GetName()), err)
		}
		params = append(params, &p4v1.Action_Param{ParamId: p.GetId(), Value: v})
	}
	sort.Slice(params, func(i, j int) bool {
		return params[i].GetParamId() < params[j].GetParamId()
	})

	return &p4v1.Action{ActionId: actionID, Params: params}, nil
}
