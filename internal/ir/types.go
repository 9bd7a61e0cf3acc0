package ir

import "fmt"

// IntentClass identifies where an intent record came from. The class is
// part of the fingerprint line and of every error message.
type IntentClass string

const (
	// ClassStatic marks entries from a per-device static config file.
	ClassStatic IntentClass = "static"
	// ClassTag marks tagging rules from the policy store.
	ClassTag IntentClass = "tag"
	// ClassFilter marks filtering rules from the policy store.
	ClassFilter IntentClass = "filter"
)

// TagRule is one row of the policy store's tag table.
// Match holds the stored JSON text verbatim, e.g.
// {"hdr.ipv4.srcAddr": ["192.168.11.0", 24]}.
type TagRule struct {
	ID       int64  `json:"id"`
	Match    string `json:"match"`
	TagValue int64  `json:"tag_value"`
}

// FilterRule is one row of the policy store's filter table.
type FilterRule struct {
	ID       int64 `json:"id"`
	TagValue int64 `json:"tag_value"`
}

// MatchValue is a match value normalized into a single shape. The compiler
// resolves it into an exact, prefix or ternary match using the field's
// declared match kind.
type MatchValue struct {
	// Value is the match value: a string (address, hex or decimal) or int64.
	Value any `json:"value"`

	// Aux is the prefix length or mask. Nil when the match carried no
	// auxiliary element.
	Aux any `json:"aux,omitempty"`

	// Coerced is set when a bare integer was widened to (value, 0).
	Coerced bool `json:"coerced,omitempty"`
}

// HasAux reports whether the match carries a width or mask.
func (m MatchValue) HasAux() bool {
	return m.Aux != nil
}

// IntentRecord is a declarative description of one desired table entry.
// Match is nil only when DefaultAction is true.
type IntentRecord struct {
	Class         IntentClass           `json:"class"`
	RowID         int64                 `json:"row_id"`
	Table         string                `json:"table"`
	Match         map[string]MatchValue `json:"match,omitempty"`
	DefaultAction bool                  `json:"default_action,omitempty"`
	Action        string                `json:"action"`
	Params        map[string]any        `json:"params,omitempty"`
	Priority      int32                 `json:"priority,omitempty"`
}

// String identifies the record in logs: "tag row 3 (MyEgress.set_dscp_tag)".
func (r IntentRecord) String() string {
	return fmt.Sprintf("%s row %d (%s)", r.Class, r.RowID, r.Table)
}

// Fingerprint is a hex digest over a device's ordered policy rows.
// The zero value means "never synced".
type Fingerprint string

// IsZero reports whether the fingerprint is unset.
func (f Fingerprint) IsZero() bool {
	return f == ""
}

// Short returns the first 12 hex characters for log lines.
func (f Fingerprint) Short() string {
	if len(f) <= 12 {
		return string(f)
	}
	return string(f[:12])
}
