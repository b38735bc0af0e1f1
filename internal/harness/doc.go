// Package harness runs conformance scenarios against the toolrun engine.
//
// A scenario names a tool spec, scripts what each integration capability
// returns, drives the service layer through a list of steps and then checks
// assertions against the recorded trace and the stored runs and audit
// records.
//
// # Scenario Format
//
//	name: triage_notify
//	description: "Open issues are summarized and posted to slack"
//	spec: ../specs/triage.yaml
//	connections:
//	  slack: conn-slack
//	outcomes:
//	  linear.issues:
//	    - data: { issues: [{ id: ENG-1 }] }
//	steps:
//	  - workflow: triage
//	    input: { team: core }
//	    expect: { status: completed }
//	  - advance: 60s
//	  - resume_due: true
//	assertions:
//	  - type: call_order
//	    capabilities: [linear.issues, slack.messages]
//	  - type: run_status
//	    run: wf-1
//	    status: completed
//
// # Step Types
//
//   - action: execute a standalone action (input, approve, dry_run)
//   - workflow: run a workflow to completion or suspension (input, approve)
//   - retry: retry a terminal run by id (approve)
//   - resume: resume a suspended workflow run by id
//   - resume_due: resume every run whose resume time has passed
//   - advance: move the clock forward by a Go duration
//
// # Assertion Types
//
//   - call_contains: a call to the capability with matching input exists
//   - call_order: capabilities were first called in the given order
//   - call_count: the capability was called exactly N times
//   - run_status: a stored run has the given status and error code
//   - audit_count: exactly N audit records match the action and status
//
// # Deterministic Testing
//
// Every scenario runs on a fresh in-memory SQLite store with a manual
// clock starting at testutil.Epoch and sequential ids (run-N for actions,
// wf-N for workflows, audit-N for audit records), so traces compare
// byte-for-byte against golden files.
package harness
