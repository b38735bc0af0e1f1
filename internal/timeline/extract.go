package timeline

import (
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Extractor maps one integration's cached raw payload to events. Items
// without a parseable timestamp are dropped.
type Extractor func(integrationID string, payload any) []Event

// Registry maps integration ids to extractors. It is immutable once built.
type Registry struct {
	extractors map[string]Extractor
}

// NewRegistry builds a registry from the given table.
func NewRegistry(extractors map[string]Extractor) *Registry {
	return &Registry{extractors: maps.Clone(extractors)}
}

// DefaultRegistry returns the built-in extractors.
func DefaultRegistry() *Registry {
	return NewRegistry(BuiltinExtractors())
}

// With returns a copy of r with id bound to ex, replacing any existing
// binding.
func (r *Registry) With(id string, ex Extractor) *Registry {
	m := maps.Clone(r.extractors)
	if m == nil {
		m = make(map[string]Extractor)
	}
	m[id] = ex
	return &Registry{extractors: m}
}

// Lookup returns the extractor for an integration.
func (r *Registry) Lookup(integrationID string) (Extractor, bool) {
	ex, ok := r.extractors[integrationID]
	return ex, ok
}

// Integrations returns the registered integration ids, sorted.
func (r *Registry) Integrations() []string {
	return slices.Sorted(maps.Keys(r.extractors))
}

// Collection describes how to turn one collection field of a payload into
// events.
type Collection struct {
	// Field is the payload key holding the item array.
	Field string

	// Entity tags the produced events.
	Entity string

	// Action is the event action.
	Action string

	// Timestamp lists candidate item paths, first parseable wins.
	Timestamp []string

	// Title is an item path copied to metadata.title.
	Title string

	// Metadata maps metadata keys to item paths. Missing paths are omitted.
	Metadata map[string]string
}

// CollectionExtractor builds an Extractor reading each collection in order.
func CollectionExtractor(collections ...Collection) Extractor {
	return func(integrationID string, payload any) []Event {
		root, ok := payload.(map[string]any)
		if !ok {
			return nil
		}
		var events []Event
		for _, c := range collections {
			items, ok := root[c.Field].([]any)
			if !ok {
				continue
			}
			for _, raw := range items {
				item, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				ts, ok := firstTimestamp(item, c.Timestamp)
				if !ok {
					continue
				}
				meta := make(map[string]any, len(c.Metadata)+1)
				if c.Title != "" {
					if v, ok := lookup(item, c.Title); ok {
						meta["title"] = v
					}
				}
				for key, p := range c.Metadata {
					if v, ok := lookup(item, p); ok {
						meta[key] = v
					}
				}
				events = append(events, Event{
					Timestamp:         ts,
					Entity:            c.Entity,
					SourceIntegration: integrationID,
					Action:            c.Action,
					Metadata:          meta,
				})
			}
		}
		return events
	}
}

// BuiltinExtractors returns the extractor table for the integrations the
// capability registry ships with.
func BuiltinExtractors() map[string]Extractor {
	return map[string]Extractor{
		"github": CollectionExtractor(
			Collection{
				Field:     "commits",
				Entity:    "Commit",
				Action:    "Committed",
				Timestamp: []string{"commit.author.date", "date"},
				Title:     "commit.message",
				Metadata:  map[string]string{"sha": "sha", "author": "commit.author.name", "url": "html_url"},
			},
			Collection{
				Field:     "issues",
				Entity:    "Issue",
				Action:    "Issue updated",
				Timestamp: []string{"updated_at", "created_at"},
				Title:     "title",
				Metadata:  map[string]string{"number": "number", "state": "state", "author": "user.login", "url": "html_url"},
			},
			Collection{
				Field:     "pull_requests",
				Entity:    "PullRequest",
				Action:    "Pull request updated",
				Timestamp: []string{"updated_at", "created_at"},
				Title:     "title",
				Metadata:  map[string]string{"number": "number", "state": "state", "author": "user.login", "url": "html_url"},
			},
		),
		"linear": CollectionExtractor(Collection{
			Field:     "issues",
			Entity:    "Issue",
			Action:    "Issue updated",
			Timestamp: []string{"updatedAt", "createdAt"},
			Title:     "title",
			Metadata:  map[string]string{"identifier": "identifier", "state": "state.name", "assignee": "assignee.name", "priority": "priority"},
		}),
		"slack": CollectionExtractor(Collection{
			Field:     "messages",
			Entity:    "Message",
			Action:    "Message posted",
			Timestamp: []string{"ts"},
			Title:     "text",
			Metadata:  map[string]string{"channel": "channel", "user": "user"},
		}),
		"stripe": CollectionExtractor(Collection{
			Field:     "charges",
			Entity:    "Charge",
			Action:    "Charge created",
			Timestamp: []string{"created"},
			Title:     "description",
			Metadata:  map[string]string{"id": "id", "amount": "amount", "currency": "currency", "status": "status", "customer": "customer"},
		}),
	}
}

// lookup follows a dotted path through nested objects.
func lookup(item map[string]any, path string) (any, bool) {
	var cur any = item
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok || cur == nil {
			return nil, false
		}
	}
	return cur, true
}

func firstTimestamp(item map[string]any, paths []string) (time.Time, bool) {
	for _, p := range paths {
		v, ok := lookup(item, p)
		if !ok {
			continue
		}
		if ts, err := parseTimestamp(v); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// parseTimestamp accepts RFC 3339 strings, unix epochs as numbers and
// numeric strings with a fractional part (Slack's "1700000000.000100").
func parseTimestamp(v any) (time.Time, error) {
	switch x := v.(type) {
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, x); err == nil {
			return ts.UTC(), nil
		}
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("unrecognized timestamp %q", x)
		}
		return fromUnix(f)
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return time.Time{}, err
		}
		return fromUnix(f)
	case float64:
		return fromUnix(x)
	case int:
		return fromUnix(float64(x))
	case int64:
		return fromUnix(float64(x))
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
}

// millisEpochThreshold separates unix seconds from unix milliseconds;
// 1e12 seconds is tens of thousands of years out, 1e12 ms is 2001.
const millisEpochThreshold = 1e12

// fromUnix converts a unix epoch in seconds, or in milliseconds when at or
// above millisEpochThreshold.
func fromUnix(f float64) (time.Time, error) {
	if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, fmt.Errorf("invalid unix timestamp %v", f)
	}
	if f >= millisEpochThreshold {
		f /= 1000
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e6)*1e3).UTC(), nil
}
