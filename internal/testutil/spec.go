// Package testutil provides deterministic helpers shared by package tests.
package testutil

import (
	"bytes"
	"log/slog"

	"github.com/roach88/toolrun/internal/toolspec"
)

// Logger returns a debug-level text logger writing into the returned buffer.
func Logger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

// TriageSpec returns a small spec covering every node type:
//
//	fetch (action: list open issues)
//	  -> any_open (condition)
//	       true  -> summarize (transform) -> notify (action: post to slack)
//	       false -> idle (transform)
//
// It also declares a wait workflow "delayed_notify" and an approval-gated
// action "close_issue".
func TriageSpec() *toolspec.Spec {
	return &toolspec.Spec{
		ID:      "triage-tool",
		Name:    "Issue triage",
		Version: 1,
		Integrations: []toolspec.Integration{
			{ID: "github", Capabilities: []string{"github.issues"}},
			{ID: "linear", Capabilities: []string{"linear.issues"}},
			{ID: "slack", Capabilities: []string{"slack.messages"}},
		},
		Entities: []toolspec.Entity{
			{Name: "Issue", SourceIntegration: "linear"},
		},
		Actions: []toolspec.Action{
			{ID: "list_issues", Capability: "linear.issues", Operation: "read"},
			{ID: "notify_channel", Capability: "slack.messages", Operation: "notify"},
			{ID: "close_issue", Capability: "github.issues", Operation: "mutate", RequiresApproval: true},
		},
		Workflows: []toolspec.Workflow{
			{
				ID: "triage",
				Nodes: []toolspec.Node{
					{ID: "fetch", Type: toolspec.NodeAction, ActionID: "list_issues"},
					{ID: "any_open", Type: toolspec.NodeCondition, Expression: "len(steps.fetch.issues) > 0"},
					{ID: "summarize", Type: toolspec.NodeTransform, Mapping: map[string]string{
						"count": "len(steps.fetch.issues)",
						"text":  `"\(len(steps.fetch.issues)) open issues in \(input.team)"`,
					}},
					{ID: "notify", Type: toolspec.NodeAction, ActionID: "notify_channel", Input: map[string]string{
						"channel": `"#triage"`,
						"text":    "steps.summarize.text",
					}},
					{ID: "idle", Type: toolspec.NodeTransform, Mapping: map[string]string{"text": `"nothing to do"`}},
				},
				Edges: []toolspec.Edge{
					{From: "fetch", To: "any_open"},
					{From: "any_open", To: "summarize", When: "true"},
					{From: "any_open", To: "idle", When: "false"},
					{From: "summarize", To: "notify"},
				},
				RetryPolicy: toolspec.RetryPolicy{MaxRetries: 2, BackoffMs: 100},
				TimeoutMs:   60_000,
			},
			{
				ID: "delayed_notify",
				Nodes: []toolspec.Node{
					{ID: "pause", Type: toolspec.NodeWait, DurationMs: 60_000},
					{ID: "notify", Type: toolspec.NodeAction, ActionID: "notify_channel", Input: map[string]string{
						"channel": `"#triage"`,
						"text":    `"reminder"`,
					}},
				},
				Edges: []toolspec.Edge{{From: "pause", To: "notify"}},
			},
		},
		Triggers: []toolspec.Trigger{
			{ID: "nightly", Type: toolspec.TriggerCron, Condition: "0 2 * * *", WorkflowID: "triage", Enabled: true},
		},
	}
}
