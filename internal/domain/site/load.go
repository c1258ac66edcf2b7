package site

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// document is the YAML layout of a site definition file.
type document struct {
	Sites []*Site `yaml:"sites"`
}

// Load decodes site definitions from YAML and validates each of them.
// Unknown keys are rejected so that a misspelled column map fails loudly
// instead of silently dropping fields.
func Load(r io.Reader) ([]*Site, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decode site definitions: %w", err)
	}

	for i, s := range doc.Sites {
		if s == nil {
			return nil, fmt.Errorf("site definition %d is empty", i)
		}
		if err := s.Validate(); err != nil {
			return nil, err
		}
	}
	return doc.Sites, nil
}

// LoadFile reads site definitions from a YAML file. Environment variables
// in the file are expanded before decoding.
func LoadFile(path string) ([]*Site, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read site definitions %s: %w", path, err)
	}
	sites, err := Load(bytes.NewBufferString(os.ExpandEnv(string(data))))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sites, nil
}
