package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"
)

const schemaFileSuffix = ".json"

// SchemaRegistry validates document bodies against one JSON Schema per
// document type. A schema for type "order" lives in <dir>/order.json.
// Types without a schema accept any JSON object.
type SchemaRegistry struct {
	dir    string
	logger *zap.Logger

	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// LoadSchemaDir compiles every schema in dir. An empty dir gives a registry
// that accepts everything.
func LoadSchemaDir(dir string, logger *zap.Logger) (*SchemaRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &SchemaRegistry{
		dir:     strings.TrimSpace(dir),
		logger:  logger,
		schemas: map[string]*jsonschema.Schema{},
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload recompiles the directory. On failure the previous schemas stay in
// effect.
func (r *SchemaRegistry) Reload() error {
	if r.dir == "" {
		return nil
	}
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("read schema dir: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	locations := map[string]string{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), schemaFileSuffix) {
			continue
		}
		docType := strings.TrimSuffix(entry.Name(), schemaFileSuffix)
		path, err := filepath.Abs(filepath.Join(r.dir, entry.Name()))
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read schema %s: %w", entry.Name(), err)
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("parse schema %s: %w", entry.Name(), err)
		}
		if err := compiler.AddResource(path, doc); err != nil {
			return fmt.Errorf("add schema %s: %w", entry.Name(), err)
		}
		locations[docType] = path
	}
	compiled := make(map[string]*jsonschema.Schema, len(locations))
	for docType, location := range locations {
		schema, err := compiler.Compile(location)
		if err != nil {
			return fmt.Errorf("compile schema %s: %w", docType, err)
		}
		compiled[docType] = schema
	}

	r.mu.Lock()
	r.schemas = compiled
	r.mu.Unlock()
	r.logger.Info("loaded document schemas", zap.String("dir", r.dir), zap.Int("count", len(compiled)))
	return nil
}

func (r *SchemaRegistry) Has(docType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.schemas[docType]
	return ok
}

// Validate checks doc against the schema for docType. The returned error
// wraps ErrSchemaViolation.
func (r *SchemaRegistry) Validate(docType string, doc json.RawMessage) error {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	schema, ok := r.schemas[docType]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaViolation, err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSchemaViolation, docType, err)
	}
	return nil
}

// Watch reloads the registry whenever a schema file changes, until ctx is
// done.
func (r *SchemaRegistry) Watch(ctx context.Context) error {
	if r.dir == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create schema watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(r.dir); err != nil {
		return fmt.Errorf("watch %s: %w", r.dir, err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			r.handleEvent(event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("schema watcher error", zap.Error(err))
		}
	}
}

// handleEvent reports whether the event triggered a reload.
func (r *SchemaRegistry) handleEvent(event fsnotify.Event) bool {
	if !strings.HasSuffix(event.Name, schemaFileSuffix) {
		return false
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return false
	}
	if err := r.Reload(); err != nil {
		var pathErr *os.PathError
		if errors.As(err, &pathErr) {
			r.logger.Warn("schema file vanished during reload", zap.String("file", event.Name), zap.Error(err))
		} else {
			r.logger.Error("schema reload failed, keeping previous schemas", zap.String("file", event.Name), zap.Error(err))
		}
		return false
	}
	return true
}
