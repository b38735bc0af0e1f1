package toolspec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/roach88/toolrun/internal/canonical"
)

// LoadFile reads a spec from a .json, .yaml/.yml or .cue file.
//
// JSON and YAML are decoded strictly (unknown fields are rejected). A CUE
// file may either be the spec itself or hold it under a top-level `tool`
// field; the CUE value must be concrete.
func LoadFile(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read spec: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return ParseJSON(data)
	case ".yaml", ".yml":
		return ParseYAML(data)
	case ".cue":
		return ParseCUE(path, data)
	default:
		return nil, fmt.Errorf("unsupported spec file extension %q (want .json, .yaml, .yml or .cue)", filepath.Ext(path))
	}
}

// ParseJSON decodes a spec from JSON.
func ParseJSON(data []byte) (*Spec, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var s Spec
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parse spec JSON: %w", err)
	}
	return &s, nil
}

// ParseYAML decodes a spec from YAML.
func ParseYAML(data []byte) (*Spec, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var s Spec
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parse spec YAML: %w", err)
	}
	return &s, nil
}

// ParseCUE compiles CUE source and decodes the resulting value into a spec.
func ParseCUE(filename string, data []byte) (*Spec, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(data, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("compile spec CUE: %w", err)
	}

	if tool := v.LookupPath(cue.ParsePath("tool")); tool.Exists() {
		v = tool
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("spec CUE is not concrete: %w", err)
	}

	var s Spec
	if err := v.Decode(&s); err != nil {
		return nil, fmt.Errorf("decode spec CUE: %w", err)
	}
	return &s, nil
}

// Hash returns the content hash identifying this spec version.
func (s *Spec) Hash() (string, error) {
	return canonical.Hash(canonical.DomainToolSpec, s)
}
