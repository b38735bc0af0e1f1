package harness

// Trace event types.
const (
	EventCall    = "call"
	EventStep    = "step"
	EventAdvance = "advance"
)

// TraceEvent is one entry of a scenario trace: an integration call seen by
// the scripted runtime, the outcome of a scenario step, or a clock advance.
type TraceEvent struct {
	Type string `json:"type"`

	// Call events.
	Capability string         `json:"capability,omitempty"`
	Input      map[string]any `json:"input,omitempty"`

	// Step events.
	Step   string   `json:"step,omitempty"`
	RunID  string   `json:"run_id,omitempty"`
	Status string   `json:"status,omitempty"`
	Code   string   `json:"code,omitempty"`
	Runs   []string `json:"runs,omitempty"`

	// Advance events.
	At string `json:"at,omitempty"`

	Seq int64 `json:"seq"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass is true when every step expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace contains calls, step outcomes and clock advances in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) nextSeq() int64 {
	return int64(len(r.Trace)) + 1
}

// AddCallTrace adds an integration call to the trace.
func (r *Result) AddCallTrace(capabilityID string, input map[string]any) {
	r.Trace = append(r.Trace, TraceEvent{
		Type:       EventCall,
		Capability: capabilityID,
		Input:      input,
		Seq:        r.nextSeq(),
	})
}

// AddStepTrace adds a step outcome to the trace.
func (r *Result) AddStepTrace(o StepOutcome) {
	r.Trace = append(r.Trace, TraceEvent{
		Type:   EventStep,
		Step:   o.Step,
		RunID:  o.RunID,
		Status: o.Status,
		Code:   o.Code,
		Runs:   o.Runs,
		Seq:    r.nextSeq(),
	})
}

// AddAdvanceTrace records a clock advance to at (RFC 3339).
func (r *Result) AddAdvanceTrace(at string) {
	r.Trace = append(r.Trace, TraceEvent{
		Type: EventAdvance,
		At:   at,
		Seq:  r.nextSeq(),
	})
}

// StepOutcome is what one step produced.
type StepOutcome struct {
	Step   string
	RunID  string
	Status string
	Code   string
	Runs   []string
}
