package workflow

import (
	"encoding/json"
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// scope evaluates node expressions. Expressions are CUE and see two
// identifiers: input (the run input) and steps (node id -> output).
type scope struct {
	ctx *cue.Context
	val cue.Value
}

func newScope(input map[string]any, steps map[string]any) (*scope, error) {
	if input == nil {
		input = map[string]any{}
	}
	if steps == nil {
		steps = map[string]any{}
	}
	data, err := json.Marshal(map[string]any{"input": input, "steps": steps})
	if err != nil {
		return nil, fmt.Errorf("encode expression scope: %w", err)
	}
	ctx := cuecontext.New()
	val := ctx.CompileBytes(data)
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("compile expression scope: %w", err)
	}
	return &scope{ctx: ctx, val: val}, nil
}

func (s *scope) compile(expr string) (cue.Value, error) {
	if strings.TrimSpace(expr) == "" {
		return cue.Value{}, fmt.Errorf("empty expression")
	}
	v := s.ctx.CompileString(expr, cue.Scope(s.val))
	if err := v.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("evaluate %q: %w", expr, err)
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, fmt.Errorf("evaluate %q: %w", expr, err)
	}
	return v, nil
}

// Bool evaluates a condition expression.
func (s *scope) Bool(expr string) (bool, error) {
	v, err := s.compile(expr)
	if err != nil {
		return false, err
	}
	b, err := v.Bool()
	if err != nil {
		return false, fmt.Errorf("condition %q is not a boolean: %w", expr, err)
	}
	return b, nil
}

// Value evaluates expr to a plain Go value (int, float64, string, bool,
// []any, map[string]any or nil).
func (s *scope) Value(expr string) (any, error) {
	v, err := s.compile(expr)
	if err != nil {
		return nil, err
	}
	var out any
	if err := v.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode %q: %w", expr, err)
	}
	return out, nil
}

// Map evaluates every expression of m. A nil map yields an empty result.
func (s *scope) Map(m map[string]string) (map[string]any, error) {
	out := make(map[string]any, len(m))
	for k, expr := range m {
		v, err := s.Value(expr)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}
