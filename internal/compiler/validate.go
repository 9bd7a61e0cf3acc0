package compiler

import (
	"fmt"
	"sort"

	"github.com/roach88/switchsync/internal/device"
	"github.com/roach88/switchsync/internal/ir"
	"github.com/roach88/switchsync/internal/schema"
)

// Validation codes (E200-E299)
const (
	ErrCompile         = "E201" // record does not compile against the schema
	WarnDuplicateEntry = "W202" // two records target the same entry key
	WarnLegacyMatch    = "W203" // bare integer widened to a zero-width match
)

// Severity levels.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// ValidationError is one problem found while checking a set of records.
type ValidationError struct {
	Record   string `json:"record"`
	Field    string `json:"field,omitempty"`
	Message  string `json:"message"`
	Code     string `json:"code"`
	Severity string `json:"severity"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s: %s: %s", e.Code, e.Record, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Record, e.Message)
}

// Validate compiles every record and reports all problems instead of
// stopping at the first one. Records are checked in the order given.
//
// Beyond compile errors it warns about records that target the same entry
// key (table, match, priority), where the later one overwrites the earlier
// on install, and about legacy bare-integer matches.
func Validate(s *schema.Schema, recs []ir.IntentRecord) []ValidationError {
	var errs []ValidationError
	seen := make(map[string]string)

	for _, rec := range recs {
		for _, field := range coercedFields(rec) {
			errs = append(errs, ValidationError{
				Record:   rec.String(),
				Field:    field,
				Message:  "bare integer match widened to (value, 0); prefix and ternary fields become don't-care",
				Code:     WarnLegacyMatch,
				Severity: SeverityWarning,
			})
		}

		entry, err := Compile(s, rec)
		if err != nil {
			errs = append(errs, ValidationError{
				Record:   rec.String(),
				Message:  err.Error(),
				Code:     ErrCompile,
				Severity: SeverityError,
			})
			continue
		}

		key, err := device.EntryKey(entry)
		if err != nil {
			continue
		}
		if first, dup := seen[key]; dup {
			errs = append(errs, ValidationError{
				Record:   rec.String(),
				Message:  fmt.Sprintf("same table, match and priority as %s; installs overwrite it", first),
				Code:     WarnDuplicateEntry,
				Severity: SeverityWarning,
			})
			continue
		}
		seen[key] = rec.String()
	}

	return errs
}

// HasErrors reports whether any problem has error severity.
func HasErrors(errs []ValidationError) bool {
	for _, e := range errs {
		if e.Severity == SeverityError {
			return true
		}
	}
	return false
}

func coercedFields(rec ir.IntentRecord) []string {
	var fields []string
	for name, mv := range rec.Match {
		if mv.Coerced {
			fields = append(fields, name)
		}
	}
	sort.Strings(fields)
	return fields
}
