package cli

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/toolrun/internal/service"
	"github.com/roach88/toolrun/internal/toolspec"
)

// readArg returns an inline argument, or the contents of the named file when
// the argument starts with "@".
func readArg(arg string) ([]byte, error) {
	if path, ok := strings.CutPrefix(arg, "@"); ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		return data, nil
	}
	return []byte(arg), nil
}

// parseObject decodes a JSON or YAML object given inline or as @file. An
// empty argument yields an empty object.
func parseObject(arg string) (map[string]any, error) {
	if strings.TrimSpace(arg) == "" {
		return map[string]any{}, nil
	}
	data, err := readArg(arg)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse input: %w", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// readRows decodes a JSON or YAML array of objects from a file.
func readRows(path string) ([]map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var rows []map[string]any
	if err := yaml.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return rows, nil
}

func readPayload(path string) (any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return v, nil
}

// loadSpecs loads spec files into a provider keyed by tool id.
func loadSpecs(paths ...string) (service.StaticSpecs, []*toolspec.Spec, error) {
	specs := make(service.StaticSpecs, len(paths))
	list := make([]*toolspec.Spec, 0, len(paths))
	for _, p := range paths {
		spec, err := toolspec.LoadFile(p)
		if err != nil {
			return nil, nil, WrapExitError(ExitCommandError, "failed to load spec", err)
		}
		if _, dup := specs[spec.ID]; dup {
			return nil, nil, NewExitError(ExitCommandError, fmt.Sprintf("spec %q loaded twice", spec.ID))
		}
		specs[spec.ID] = spec
		list = append(list, spec)
	}
	return specs, list, nil
}
