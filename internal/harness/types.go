package harness

// Trace event types.
const (
	EventAddTag      = "add_tag"
	EventAddFilter   = "add_filter"
	EventRemove      = "remove"
	EventCycle       = "cycle"
	EventCycleFailed = "cycle_skipped"
	EventWrite       = "write"
)

// TraceEvent is one thing that happened during a run. Seq is the 1-based
// step that produced it. Unused fields are left empty.
type TraceEvent struct {
	Type    string `json:"type"`
	Seq     int64  `json:"seq"`
	Device  string `json:"device,omitempty"`
	Row     int64  `json:"row,omitempty"`
	Value   int64  `json:"value,omitempty"`
	Op      string `json:"op,omitempty"`
	Table   string `json:"table,omitempty"`
	Outcome string `json:"outcome,omitempty"`
	Code    string `json:"code,omitempty"`

	Deleted   int `json:"deleted,omitempty"`
	Installed int `json:"installed,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expectation and assertion held.
	Pass bool `json:"pass"`

	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`
}

// NewResult creates a passing result with an empty trace.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddEvent appends an event to the trace.
func (r *Result) AddEvent(e TraceEvent) {
	r.Trace = append(r.Trace, e)
}
