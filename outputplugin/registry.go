package outputplugin

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/thinrope/grr/errors"
)

type pluginEntry struct {
	plugin   Plugin
	compiled *gojsonschema.Schema
}

// Registry maps plugin type names to implementations and their compiled
// argument schemas.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]*pluginEntry
}

// NewRegistry creates an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]*pluginEntry)}
}

// Register adds a plugin type. The argument schema is compiled eagerly so a
// malformed schema fails here rather than at attach time.
func (r *Registry) Register(p Plugin) error {
	name := p.Name()
	if name == "" {
		return errors.WrapInvalid(fmt.Errorf("plugin name cannot be empty"), "outputplugin", "Register", "registration")
	}

	entry := &pluginEntry{plugin: p}
	if schema := p.ArgsSchema(); schema != "" {
		compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schema))
		if err != nil {
			return errors.WrapInvalid(
				fmt.Errorf("plugin %q has invalid args schema: %w", name, err),
				"outputplugin", "Register", "schema compilation")
		}
		entry.compiled = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[name]; exists {
		return errors.WrapInvalid(fmt.Errorf("plugin %q already registered", name), "outputplugin", "Register", "registration")
	}
	r.plugins[name] = entry
	return nil
}

// Get returns the plugin implementation for the type name.
func (r *Registry) Get(name string) (Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.plugins[name]
	if !ok {
		return nil, fmt.Errorf("plugin %q: %w", name, errors.ErrUnknownPluginType)
	}
	return entry.plugin, nil
}

// Names returns all registered plugin type names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateArgs checks args against the named plugin type's schema. Returns
// errors.ErrUnknownPluginType or errors.ErrArgsSchemaViolation.
func (r *Registry) ValidateArgs(name string, args json.RawMessage) error {
	r.mu.RLock()
	entry, ok := r.plugins[name]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("plugin %q: %w", name, errors.ErrUnknownPluginType)
	}
	if entry.compiled == nil {
		return nil
	}

	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	result, err := entry.compiled.Validate(gojsonschema.NewBytesLoader(args))
	if err != nil {
		return fmt.Errorf("plugin %q: args are not valid JSON: %w", name, errors.ErrArgsSchemaViolation)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return fmt.Errorf("plugin %q: %s: %w", name, strings.Join(details, "; "), errors.ErrArgsSchemaViolation)
	}
	return nil
}
