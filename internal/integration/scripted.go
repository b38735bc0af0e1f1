package integration

import (
	"context"
	"errors"
	"maps"
	"sync"

	"github.com/roach88/toolrun/internal/toolerr"
)

// Outcome is one scripted result for a capability call.
type Outcome struct {
	Status int    `json:"status,omitempty" yaml:"status,omitempty"`
	Data   any    `json:"data,omitempty" yaml:"data,omitempty"`
	Error  string `json:"error,omitempty" yaml:"error,omitempty"`

	// Transient marks Error as retryable.
	Transient bool `json:"transient,omitempty" yaml:"transient,omitempty"`
}

// Call records one invocation seen by a ScriptedRuntime.
type Call struct {
	IntegrationID string
	CapabilityID  string
	Input         map[string]any
}

// ScriptedRuntime replays queued outcomes per capability id. When a
// capability's queue holds a single outcome it is repeated forever.
// Unscripted capabilities return status 200 with nil data.
type ScriptedRuntime struct {
	mu      sync.Mutex
	scripts map[string][]Outcome
	calls   []Call
}

// NewScriptedRuntime creates a runtime from per-capability outcome queues.
func NewScriptedRuntime(scripts map[string][]Outcome) *ScriptedRuntime {
	s := &ScriptedRuntime{scripts: make(map[string][]Outcome, len(scripts))}
	for k, v := range scripts {
		s.scripts[k] = append([]Outcome(nil), v...)
	}
	return s
}

// Invoke implements Runtime.
func (s *ScriptedRuntime) Invoke(ctx context.Context, integrationID, capabilityID string, input map[string]any) (Response, error) {
	s.mu.Lock()
	s.calls = append(s.calls, Call{IntegrationID: integrationID, CapabilityID: capabilityID, Input: maps.Clone(input)})
	queue := s.scripts[capabilityID]
	var out Outcome
	switch len(queue) {
	case 0:
		out = Outcome{Status: 200}
	case 1:
		out = queue[0]
	default:
		out = queue[0]
		s.scripts[capabilityID] = queue[1:]
	}
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Response{}, toolerr.Transient(err, 0)
	}
	if out.Error != "" {
		cause := errors.New(out.Error)
		if out.Transient {
			return Response{}, toolerr.Transient(cause, out.Status)
		}
		return Response{}, toolerr.Permanent(cause, out.Status)
	}
	status := out.Status
	if status == 0 {
		status = 200
	}
	return Response{Status: status, Data: out.Data}, nil
}

// Calls returns a copy of the recorded invocations in order.
func (s *ScriptedRuntime) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallCount returns how many times capabilityID was invoked.
func (s *ScriptedRuntime) CallCount(capabilityID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.CapabilityID == capabilityID {
			n++
		}
	}
	return n
}
