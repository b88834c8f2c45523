package recordsync

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// SchemaRegistry holds optional per-collection JSON Schemas. Mutations for a
// collection with a registered schema are validated at enqueue time, before
// anything is persisted or applied; collections without one pass through.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: map[string]*jsonschema.Schema{}}
}

func (r *SchemaRegistry) Register(collectionID string, schemaJSON []byte) error {
	collectionID = strings.TrimSpace(collectionID)
	if collectionID == "" || len(schemaJSON) == 0 {
		return ErrInvalidInput
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return fmt.Errorf("parse schema for %s: %w", collectionID, err)
	}
	compiler := jsonschema.NewCompiler()
	resource := collectionID + ".schema.json"
	if err := compiler.AddResource(resource, doc); err != nil {
		return fmt.Errorf("add schema for %s: %w", collectionID, err)
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", collectionID, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[collectionID] = schema
	return nil
}

// LoadDir registers every <collection>.schema.json in dir. A missing dir is
// not an error; a malformed schema is.
func (r *SchemaRegistry) LoadDir(dir string) error {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".schema.json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		collectionID := strings.TrimSuffix(name, ".schema.json")
		if err := r.Register(collectionID, data); err != nil {
			return err
		}
	}
	return nil
}

func (r *SchemaRegistry) Validate(collectionID string, payload map[string]any) error {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	schema := r.schemas[collectionID]
	r.mu.RUnlock()
	if schema == nil {
		return nil
	}
	instance := map[string]any(payload)
	if err := schema.Validate(anyMap(instance)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// anyMap widens the payload for the validator, which expects decoded JSON.
func anyMap(payload map[string]any) any {
	if payload == nil {
		return map[string]any{}
	}
	return payload
}
