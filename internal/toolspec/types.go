package toolspec

import (
	"fmt"
	"strings"
)

// Spec is one immutable version of a Tool System Spec.
type Spec struct {
	ID           string        `json:"id" yaml:"id" validate:"required"`
	Name         string        `json:"name,omitempty" yaml:"name,omitempty"`
	Version      int           `json:"version,omitempty" yaml:"version,omitempty" validate:"gte=0"`
	Integrations []Integration `json:"integrations" yaml:"integrations" validate:"dive"`
	Entities     []Entity      `json:"entities,omitempty" yaml:"entities,omitempty" validate:"dive"`
	Actions      []Action      `json:"actions" yaml:"actions" validate:"dive"`
	Workflows    []Workflow    `json:"workflows,omitempty" yaml:"workflows,omitempty" validate:"dive"`
	Triggers     []Trigger     `json:"triggers,omitempty" yaml:"triggers,omitempty" validate:"dive"`
}

// Integration is a third-party system the tool talks to.
type Integration struct {
	ID           string   `json:"id" yaml:"id" validate:"required"`
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
}

// Entity is a logical data object sourced from one integration.
type Entity struct {
	Name              string   `json:"name" yaml:"name" validate:"required"`
	SourceIntegration string   `json:"sourceIntegration" yaml:"sourceIntegration" validate:"required"`
	Fields            []string `json:"fields,omitempty" yaml:"fields,omitempty"`
}

// Action binds a capability and an operation to a named, invocable step.
//
// Capability references a capability id of the form "<integration>.<resource>".
type Action struct {
	ID               string            `json:"id" yaml:"id" validate:"required"`
	Name             string            `json:"name,omitempty" yaml:"name,omitempty"`
	Capability       string            `json:"capability" yaml:"capability" validate:"required"`
	Operation        string            `json:"operation" yaml:"operation" validate:"required,oneof=read aggregate filter group write mutate notify"`
	InputSchema      map[string]string `json:"inputSchema,omitempty" yaml:"inputSchema,omitempty"`
	RequiresApproval bool              `json:"requiresApproval,omitempty" yaml:"requiresApproval,omitempty"`
}

// CapabilityRef splits the action's capability reference into integration
// and resource.
func (a Action) CapabilityRef() (integrationID, resource string, err error) {
	integrationID, resource, ok := strings.Cut(a.Capability, ".")
	if !ok || integrationID == "" || resource == "" {
		return "", "", fmt.Errorf("capability reference %q must have the form <integration>.<resource>", a.Capability)
	}
	return integrationID, resource, nil
}

// NodeType is the kind of a workflow step.
type NodeType string

const (
	NodeAction    NodeType = "action"
	NodeCondition NodeType = "condition"
	NodeTransform NodeType = "transform"
	NodeWait      NodeType = "wait"
)

// Workflow is a directed acyclic graph of steps with a shared retry and
// timeout policy.
type Workflow struct {
	ID          string      `json:"id" yaml:"id" validate:"required"`
	Name        string      `json:"name,omitempty" yaml:"name,omitempty"`
	Nodes       []Node      `json:"nodes" yaml:"nodes" validate:"required,min=1,dive"`
	Edges       []Edge      `json:"edges,omitempty" yaml:"edges,omitempty" validate:"dive"`
	RetryPolicy RetryPolicy `json:"retryPolicy,omitempty" yaml:"retryPolicy,omitempty"`
	TimeoutMs   int64       `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty" validate:"gte=0"`
}

// Node is one workflow step.
//
// Expression (condition), Mapping (transform) and Input (action) hold CUE
// expressions evaluated against the identifiers `input` and `steps`.
type Node struct {
	ID         string            `json:"id" yaml:"id" validate:"required"`
	Type       NodeType          `json:"type" yaml:"type" validate:"required,oneof=action condition transform wait"`
	ActionID   string            `json:"actionId,omitempty" yaml:"actionId,omitempty"`
	Expression string            `json:"expression,omitempty" yaml:"expression,omitempty"`
	Mapping    map[string]string `json:"mapping,omitempty" yaml:"mapping,omitempty"`
	Input      map[string]string `json:"input,omitempty" yaml:"input,omitempty"`
	DurationMs int64             `json:"durationMs,omitempty" yaml:"durationMs,omitempty" validate:"gte=0"`
}

// Edge connects two nodes. When, if set, is "true" or "false" and only
// applies to edges leaving a condition node.
type Edge struct {
	From string `json:"from" yaml:"from" validate:"required"`
	To   string `json:"to" yaml:"to" validate:"required"`
	When string `json:"when,omitempty" yaml:"when,omitempty" validate:"omitempty,oneof=true false"`
}

// Backoff strategies.
const (
	BackoffExponential = "exponential"
	BackoffFixed       = "fixed"
)

// RetryPolicy applies per node for transient failures.
type RetryPolicy struct {
	MaxRetries   int    `json:"maxRetries,omitempty" yaml:"maxRetries,omitempty" validate:"gte=0"`
	BackoffMs    int64  `json:"backoffMs,omitempty" yaml:"backoffMs,omitempty" validate:"gte=0"`
	Strategy     string `json:"strategy,omitempty" yaml:"strategy,omitempty" validate:"omitempty,oneof=exponential fixed"`
	MaxBackoffMs int64  `json:"maxBackoffMs,omitempty" yaml:"maxBackoffMs,omitempty" validate:"gte=0"`
}

// TriggerType is how a trigger fires. Firing itself is decided outside the
// engine.
type TriggerType string

const (
	TriggerCron             TriggerType = "cron"
	TriggerWebhook          TriggerType = "webhook"
	TriggerIntegrationEvent TriggerType = "integration_event"
	TriggerStateCondition   TriggerType = "state_condition"
)

// Trigger starts an action or a workflow.
type Trigger struct {
	ID         string      `json:"id" yaml:"id" validate:"required"`
	Type       TriggerType `json:"type" yaml:"type" validate:"required,oneof=cron webhook integration_event state_condition"`
	Condition  string      `json:"condition,omitempty" yaml:"condition,omitempty"`
	ActionID   string      `json:"actionId,omitempty" yaml:"actionId,omitempty"`
	WorkflowID string      `json:"workflowId,omitempty" yaml:"workflowId,omitempty"`
	Enabled    bool        `json:"enabled" yaml:"enabled"`
}

// Action returns the action with the given id.
func (s *Spec) Action(id string) (Action, bool) {
	for _, a := range s.Actions {
		if a.ID == id {
			return a, true
		}
	}
	return Action{}, false
}

// Workflow returns the workflow with the given id.
func (s *Spec) Workflow(id string) (Workflow, bool) {
	for _, w := range s.Workflows {
		if w.ID == id {
			return w, true
		}
	}
	return Workflow{}, false
}

// Integration returns the integration with the given id.
func (s *Spec) Integration(id string) (Integration, bool) {
	for _, in := range s.Integrations {
		if in.ID == id {
			return in, true
		}
	}
	return Integration{}, false
}

// Trigger returns the trigger with the given id.
func (s *Spec) Trigger(id string) (Trigger, bool) {
	for _, t := range s.Triggers {
		if t.ID == id {
			return t, true
		}
	}
	return Trigger{}, false
}

// Node returns the node with the given id.
func (w *Workflow) Node(id string) (Node, bool) {
	for _, n := range w.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}
