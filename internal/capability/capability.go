// Package capability holds the immutable table of operations permitted
// against each integration resource.
//
// A Registry is built once at startup and passed to every component that
// needs it. It is never mutated after construction and is safe for
// concurrent use.
package capability

import (
	"fmt"
	"slices"
	"sort"

	"github.com/roach88/toolrun/internal/toolerr"
)

// Operation is an operation class an action may perform.
type Operation string

const (
	OpRead      Operation = "read"
	OpAggregate Operation = "aggregate"
	OpFilter    Operation = "filter"
	OpGroup     Operation = "group"
	OpWrite     Operation = "write"
	OpMutate    Operation = "mutate"
	OpNotify    Operation = "notify"
)

// LimitField is the control key accepted by every capability to bound
// result size. It is checked against Constraints.MaxLimit instead of
// SupportedFields.
const LimitField = "limit"

// ActionType returns the audit action type for effectful operations.
// Read-only operations return ok=false.
func (op Operation) ActionType() (actionType string, ok bool) {
	switch op {
	case OpWrite:
		return "WRITE", true
	case OpMutate:
		return "MUTATE", true
	case OpNotify:
		return "NOTIFY", true
	default:
		return "", false
	}
}

// Valid reports whether op is a known operation class.
func (op Operation) Valid() bool {
	switch op {
	case OpRead, OpAggregate, OpFilter, OpGroup, OpWrite, OpMutate, OpNotify:
		return true
	}
	return false
}

// Constraints restricts how a capability may be called.
type Constraints struct {
	MaxLimit        int      `json:"maxLimit,omitempty" yaml:"maxLimit,omitempty"`
	RequiredFilters []string `json:"requiredFilters,omitempty" yaml:"requiredFilters,omitempty"`
}

// Capability is a permitted operation set against one integration resource.
type Capability struct {
	ID                string       `json:"id" yaml:"id"`
	IntegrationID     string       `json:"integrationId" yaml:"integrationId"`
	Resource          string       `json:"resource" yaml:"resource"`
	AllowedOperations []Operation  `json:"allowedOperations" yaml:"allowedOperations"`
	SupportedFields   []string     `json:"supportedFields" yaml:"supportedFields"`
	Constraints       *Constraints `json:"constraints,omitempty" yaml:"constraints,omitempty"`
}

// Allows reports whether op is permitted.
func (c Capability) Allows(op Operation) bool {
	return slices.Contains(c.AllowedOperations, op)
}

// Supports reports whether field may appear in an input.
func (c Capability) Supports(field string) bool {
	return slices.Contains(c.SupportedFields, field)
}

// ValidateInput checks input against the capability's field and constraint
// restrictions. It must be called before any integration is invoked.
func (c Capability) ValidateInput(input map[string]any) error {
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if k == LimitField {
			if err := c.checkLimit(input[k]); err != nil {
				return err
			}
			continue
		}
		if !c.Supports(k) {
			return toolerr.Validation(k, "field %q is not supported by capability %s", k, c.ID).
				WithDetail("capability", c.ID)
		}
	}

	if c.Constraints == nil {
		return nil
	}
	for _, f := range c.Constraints.RequiredFilters {
		v, ok := input[f]
		if !ok || isEmpty(v) {
			return toolerr.Validation(f, "required filter %q is missing for capability %s", f, c.ID).
				WithDetail("capability", c.ID)
		}
	}
	return nil
}

func (c Capability) checkLimit(v any) error {
	n, ok := asInt(v)
	if !ok || n < 0 {
		return toolerr.Validation(LimitField, "limit must be a non-negative integer, got %v", v)
	}
	if c.Constraints != nil && c.Constraints.MaxLimit > 0 && n > c.Constraints.MaxLimit {
		return toolerr.Validation(LimitField, "limit %d exceeds max %d for capability %s", n, c.Constraints.MaxLimit, c.ID).
			WithDetail("capability", c.ID)
	}
	return nil
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	case interface{ Int64() (int64, error) }:
		i, err := n.Int64()
		return int(i), err == nil
	}
	return 0, false
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case []any:
		return len(x) == 0
	}
	return false
}

// Registry is an immutable capability table keyed by id
// ("<integration>.<resource>").
type Registry struct {
	byID map[string]Capability
}

// NewRegistry builds a registry. Capability ids default to
// "<integrationId>.<resource>"; a duplicate id or an unknown operation is an
// error.
func NewRegistry(caps ...Capability) (*Registry, error) {
	r := &Registry{byID: make(map[string]Capability, len(caps))}
	for _, c := range caps {
		if c.IntegrationID == "" || c.Resource == "" {
			return nil, fmt.Errorf("capability %q: integrationId and resource are required", c.ID)
		}
		want := c.IntegrationID + "." + c.Resource
		if c.ID == "" {
			c.ID = want
		}
		if c.ID != want {
			return nil, fmt.Errorf("capability %q: id must be %q", c.ID, want)
		}
		for _, op := range c.AllowedOperations {
			if !op.Valid() {
				return nil, fmt.Errorf("capability %q: unknown operation %q", c.ID, op)
			}
		}
		if _, dup := r.byID[c.ID]; dup {
			return nil, fmt.Errorf("capability %q: duplicate id", c.ID)
		}
		c.AllowedOperations = slices.Clone(c.AllowedOperations)
		c.SupportedFields = slices.Clone(c.SupportedFields)
		r.byID[c.ID] = c
	}
	return r, nil
}

// MustNewRegistry is NewRegistry that panics on error. For static tables.
func MustNewRegistry(caps ...Capability) *Registry {
	r, err := NewRegistry(caps...)
	if err != nil {
		panic(err)
	}
	return r
}

// Resolve returns the capability for (integrationID, resource) if it allows
// op. Not found and disallowed operations are SPECIFICATION errors and are
// never retried.
func (r *Registry) Resolve(integrationID, resource string, op Operation) (Capability, error) {
	id := integrationID + "." + resource
	c, ok := r.byID[id]
	if !ok {
		return Capability{}, toolerr.Specification("capability %q not found", id).WithDetail("capability", id)
	}
	if !c.Allows(op) {
		return Capability{}, toolerr.Specification("capability %q does not allow operation %q", id, op).
			WithDetail("capability", id).
			WithDetail("operation", string(op))
	}
	return c, nil
}

// Lookup returns the capability with the given id.
func (r *Registry) Lookup(id string) (Capability, bool) {
	c, ok := r.byID[id]
	return c, ok
}

// List returns all capabilities ordered by id.
func (r *Registry) List() []Capability {
	out := make([]Capability, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of capabilities.
func (r *Registry) Len() int {
	return len(r.byID)
}
