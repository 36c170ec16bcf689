package schema

import (
	"bytes"
	"errors"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/syssam/prism"
)

// Parse decodes a schema from YAML or JSON and resolves it. Unknown keys
// are rejected.
//
//	models:
//	  - name: User
//	    fields:
//	      - {name: id, type: BigInt}
//	      - {name: email, type: String, attributes: [unique]}
//	      - {name: createdAt, type: DateTime}
//	    relations:
//	      - {name: posts, kind: one_to_many, model: Post, referenced_fields: [author_id]}
func Parse(data []byte) (*Schema, error) {
	return Load(bytes.NewReader(data))
}

// Load decodes a schema from r. See Parse.
func Load(r io.Reader) (*Schema, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var s Schema
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		if _, ok := prism.AsError(err); ok {
			return nil, err
		}
		return nil, prism.Wrap(prism.ConfigError, err, "decode schema")
	}
	if err := s.Resolve(); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadFile reads and decodes the schema file at path.
func LoadFile(path string) (*Schema, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, prism.New(prism.ConfigError, "open schema").WithCause(err).With("path", path)
	}
	defer f.Close()
	s, err := Load(f)
	if e, ok := err.(*prism.Error); ok {
		return nil, e.With("path", path)
	}
	return s, err
}
