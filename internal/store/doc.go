// Package store provides SQLite-backed persistence for execution runs,
// audit records, integration connections and cached integration state.
//
// # Tables
//
//   - execution_runs: one row per action or workflow run, mutated in place
//   - audit_log: append-only sanitized audit records
//   - integration_connections: (org, integration) to connection id
//   - integration_state: latest raw payload per (org, tool, integration)
//
// # Scoping
//
// Every run read and write is keyed by (id, org_id, tool_id). An update that
// matches no row returns run.ErrRunNotFound; callers treat it as benign.
//
// # Deterministic Query Results
//
// List queries always carry a total ORDER BY ending in id so results are
// stable across calls with unchanged data.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
