// Package toolspec defines the Tool System Spec: the declarative document a
// tool is compiled into (integrations, entities, actions, workflows,
// triggers).
//
// A spec is produced once by an external compiler and is read-only from the
// engine's point of view. This package imports nothing internal except
// canonical; every other internal package may import toolspec.
//
// Field names follow the document format (camelCase in JSON, YAML and CUE).
package toolspec
