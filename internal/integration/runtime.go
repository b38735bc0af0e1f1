// Package integration defines the boundary to third-party APIs.
//
// A Runtime performs the actual call for one integration (credential
// resolution included). Runtimes are bound once at startup into an
// immutable Registry that is shared by all runs.
package integration

import (
	"context"
	"maps"
	"slices"

	"github.com/roach88/toolrun/internal/toolerr"
)

// Response is what an integration call returns on success.
type Response struct {
	Status int `json:"status"`
	Data   any `json:"data"`
}

// Runtime invokes one capability of an integration.
//
// Implementations must classify failures with toolerr.Transient or
// toolerr.Permanent where they can; unclassified errors are classified by
// the caller.
type Runtime interface {
	Invoke(ctx context.Context, integrationID, capabilityID string, input map[string]any) (Response, error)
}

// RuntimeFunc adapts a function to Runtime.
type RuntimeFunc func(ctx context.Context, integrationID, capabilityID string, input map[string]any) (Response, error)

// Invoke calls f.
func (f RuntimeFunc) Invoke(ctx context.Context, integrationID, capabilityID string, input map[string]any) (Response, error) {
	return f(ctx, integrationID, capabilityID, input)
}

// Registry dispatches calls to the runtime bound for each integration.
// It is itself a Runtime.
type Registry struct {
	byID     map[string]Runtime
	fallback Runtime
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithFallback routes integrations without an explicit binding to rt.
func WithFallback(rt Runtime) RegistryOption {
	return func(r *Registry) {
		r.fallback = rt
	}
}

// NewRegistry binds runtimes by integration id. The map is copied.
func NewRegistry(runtimes map[string]Runtime, opts ...RegistryOption) *Registry {
	r := &Registry{byID: maps.Clone(runtimes)}
	if r.byID == nil {
		r.byID = make(map[string]Runtime)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Runtime returns the runtime bound for integrationID.
func (r *Registry) Runtime(integrationID string) (Runtime, bool) {
	if rt, ok := r.byID[integrationID]; ok {
		return rt, true
	}
	if r.fallback != nil {
		return r.fallback, true
	}
	return nil, false
}

// Integrations returns the explicitly bound integration ids, sorted.
func (r *Registry) Integrations() []string {
	return slices.Sorted(maps.Keys(r.byID))
}

// Invoke dispatches to the bound runtime.
func (r *Registry) Invoke(ctx context.Context, integrationID, capabilityID string, input map[string]any) (Response, error) {
	rt, ok := r.Runtime(integrationID)
	if !ok {
		return Response{}, toolerr.Specification("no runtime bound for integration %q", integrationID).
			WithDetail("integration", integrationID)
	}
	return rt.Invoke(ctx, integrationID, capabilityID, input)
}
