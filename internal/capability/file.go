package capability

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the on-disk shape of an additional capability table.
type File struct {
	Capabilities []Capability `yaml:"capabilities"`
}

// LoadFile reads capabilities from a YAML file. Unknown fields are rejected.
func LoadFile(path string) ([]Capability, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read capabilities: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse capabilities %s: %w", path, err)
	}
	return f.Capabilities, nil
}

// Default builds the registry from the builtin table plus any extra files.
// Entries in a file replace builtin entries with the same id.
func Default(files ...string) (*Registry, error) {
	byID := make(map[string]int)
	caps := Builtin()
	for i, c := range caps {
		byID[c.IntegrationID+"."+c.Resource] = i
	}
	for _, path := range files {
		if path == "" {
			continue
		}
		extra, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		for _, c := range extra {
			key := c.IntegrationID + "." + c.Resource
			if i, ok := byID[key]; ok {
				caps[i] = c
				continue
			}
			byID[key] = len(caps)
			caps = append(caps, c)
		}
	}
	return NewRegistry(caps...)
}
