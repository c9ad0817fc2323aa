package translate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaRegistry validates payloads against SFT schemas loaded from a
// directory of {sft_id}.json JSON Schema files.
type SchemaRegistry struct {
	dir     string
	current atomic.Pointer[map[string]*jsonschema.Schema]
}

func NewSchemaRegistry(dir string) (*SchemaRegistry, error) {
	r := &SchemaRegistry{dir: dir}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *SchemaRegistry) Reload() error {
	schemas := make(map[string]*jsonschema.Schema)
	if r.dir != "" {
		entries, err := os.ReadDir(r.dir)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("translate: read schema dir: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
				continue
			}
			path := filepath.Join(r.dir, e.Name())
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("translate: read schema %s: %w", e.Name(), err)
			}
			compiler := jsonschema.NewCompiler()
			if err := compiler.AddResource(e.Name(), bytes.NewReader(data)); err != nil {
				return fmt.Errorf("translate: schema %s: %w", e.Name(), err)
			}
			schema, err := compiler.Compile(e.Name())
			if err != nil {
				return fmt.Errorf("translate: compile schema %s: %w", e.Name(), err)
			}
			schemas[strings.TrimSuffix(e.Name(), ".json")] = schema
		}
	}
	r.current.Store(&schemas)
	return nil
}

// Has reports whether a schema is registered for the SFT.
func (r *SchemaRegistry) Has(sftID string) bool {
	_, ok := (*r.current.Load())[sftID]
	return ok
}

// IDs lists registered SFT ids.
func (r *SchemaRegistry) IDs() []string {
	schemas := *r.current.Load()
	ids := make([]string, 0, len(schemas))
	for id := range schemas {
		ids = append(ids, id)
	}
	return ids
}

// Validate checks value against the SFT's schema. Unknown SFTs pass:
// a format without a registered schema is opaque, not invalid.
func (r *SchemaRegistry) Validate(sftID string, value any) error {
	schema, ok := (*r.current.Load())[sftID]
	if !ok {
		return nil
	}
	// The validator wants plain decoded JSON; json.Number and friends
	// are normalized through a marshal round-trip first.
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("translate: marshal for validation: %w", err)
	}
	var plain any
	if err := json.Unmarshal(data, &plain); err != nil {
		return fmt.Errorf("translate: unmarshal for validation: %w", err)
	}
	if err := schema.Validate(plain); err != nil {
		return fmt.Errorf("translate: %s: %w", sftID, err)
	}
	return nil
}
