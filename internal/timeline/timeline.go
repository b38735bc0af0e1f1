// Package timeline merges execution-run history with cached integration
// state into one chronologically ordered event feed.
//
// Events are derived on every read and never persisted. Integration
// payloads are mapped by a registry of per-integration extractors, so
// supporting another integration means registering an extractor.
package timeline

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/toolrun/internal/run"
	"github.com/roach88/toolrun/internal/toolspec"
)

// DefaultRunLimit is how many recent runs feed the timeline.
const DefaultRunLimit = 50

// Run-derived events.
const (
	RunEntity         = "Tool"
	RunSource         = "toolrun"
	WorkflowRunAction = "Workflow Run"
)

// Event is one timeline entry.
type Event struct {
	Timestamp         time.Time      `json:"timestamp"`
	Entity            string         `json:"entity"`
	SourceIntegration string         `json:"sourceIntegration"`
	Action            string         `json:"action"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// RunLister lists a tool's runs newest first.
type RunLister interface {
	ListRuns(ctx context.Context, orgID, toolID string, limit int) ([]*run.ExecutionRun, error)
}

// StateReader returns a tool's cached raw payloads keyed by integration id.
type StateReader interface {
	ReadState(ctx context.Context, orgID, toolID string) (map[string]any, error)
}

// Aggregator builds timelines.
type Aggregator struct {
	runs       RunLister
	state      StateReader
	extractors *Registry
	runLimit   int
	log        *slog.Logger
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithRegistry replaces the extractor registry.
func WithRegistry(r *Registry) Option {
	return func(a *Aggregator) { a.extractors = r }
}

// WithRunLimit sets how many recent runs are read.
func WithRunLimit(n int) Option {
	return func(a *Aggregator) { a.runLimit = n }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) { a.log = l }
}

// New creates an Aggregator. state may be nil, in which case only
// run-derived events are produced.
func New(runs RunLister, state StateReader, opts ...Option) *Aggregator {
	a := &Aggregator{
		runs:       runs,
		state:      state,
		extractors: DefaultRegistry(),
		runLimit:   DefaultRunLimit,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Aggregate returns the tool's timeline, newest first.
//
// Runs and cached state are read concurrently. A failed run read fails the
// call; unreadable state is logged and the timeline is built from runs
// alone. When spec is non-nil, only the integrations it declares
// contribute state events. Equal timestamps keep their source order, so
// unchanged inputs always yield the same list.
func (a *Aggregator) Aggregate(ctx context.Context, orgID, toolID string, spec *toolspec.Spec) ([]Event, error) {
	var (
		runs  []*run.ExecutionRun
		state map[string]any
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		runs, err = a.runs.ListRuns(gctx, orgID, toolID, a.runLimit)
		if err != nil {
			return fmt.Errorf("list runs: %w", err)
		}
		return nil
	})
	if a.state != nil {
		g.Go(func() error {
			s, err := a.state.ReadState(gctx, orgID, toolID)
			if err != nil {
				a.log.Warn("integration state unavailable for timeline",
					"event", "timeline_state_failed",
					"org_id", orgID,
					"tool_id", toolID,
					"error", err,
				)
				return nil
			}
			state = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	events := RunEvents(runs)
	for _, id := range a.integrations(state, spec) {
		ex, ok := a.extractors.Lookup(id)
		if !ok {
			a.log.Debug("no timeline extractor for integration", "event", "timeline_no_extractor", "integration_id", id)
			continue
		}
		events = append(events, ex(id, state[id])...)
	}

	slices.SortStableFunc(events, func(x, y Event) int {
		return y.Timestamp.Compare(x.Timestamp)
	})
	return events, nil
}

// integrations returns the state keys to extract, sorted, limited to the
// spec's integrations when a spec is given.
func (a *Aggregator) integrations(state map[string]any, spec *toolspec.Spec) []string {
	ids := make([]string, 0, len(state))
	for id := range state {
		if spec != nil {
			if _, ok := spec.Integration(id); !ok {
				continue
			}
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// RunEvents converts terminal runs to events. Pending and running runs are
// skipped.
func RunEvents(runs []*run.ExecutionRun) []Event {
	var events []Event
	for _, r := range runs {
		if !r.Status.Terminal() {
			continue
		}
		act := r.ActionID
		if act == "" {
			act = WorkflowRunAction
		}
		meta := map[string]any{
			"runId":  r.ID,
			"status": string(r.Status),
		}
		if r.WorkflowID != "" {
			meta["workflowId"] = r.WorkflowID
		}
		if r.TriggerID != "" {
			meta["triggerId"] = r.TriggerID
		}
		if r.Retries > 0 {
			meta["retries"] = r.Retries
		}
		if r.Error != nil {
			meta["errorCode"] = string(r.Error.Code)
		}
		events = append(events, Event{
			Timestamp:         r.UpdatedAt,
			Entity:            RunEntity,
			SourceIntegration: RunSource,
			Action:            act,
			Metadata:          meta,
		})
	}
	return events
}
