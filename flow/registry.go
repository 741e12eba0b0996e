package flow

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/thinrope/grr/errors"
)

// Definition declares a flow type: its name and the JSON schema its
// arguments must conform to. An empty schema accepts any arguments.
type Definition struct {
	Name        string
	Description string
	ArgsSchema  string

	compiled *gojsonschema.Schema
}

// Registry maps flow type names to their definitions. Argument validation
// happens once at start time against the declared schema.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*Definition
}

// NewRegistry creates an empty flow type registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]*Definition)}
}

// Register adds a flow type. The schema is compiled eagerly so malformed
// schemas fail at registration, not at start time.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return errors.WrapInvalid(fmt.Errorf("flow type name cannot be empty"), "flow", "Register", "registration")
	}

	if def.ArgsSchema != "" {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(def.ArgsSchema))
		if err != nil {
			return errors.WrapInvalid(
				fmt.Errorf("flow type %q has invalid args schema: %w", def.Name, err),
				"flow", "Register", "schema compilation")
		}
		def.compiled = schema
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[def.Name]; exists {
		return errors.WrapInvalid(fmt.Errorf("flow type %q already registered", def.Name), "flow", "Register", "registration")
	}
	r.types[def.Name] = &def
	return nil
}

// Known reports whether the flow type name is registered.
func (r *Registry) Known(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[name]
	return ok
}

// Names returns all registered flow type names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateArgs checks args against the named type's declared schema.
// Returns errors.ErrUnknownFlowType for unregistered names and
// errors.ErrArgsSchemaViolation when args do not conform.
func (r *Registry) ValidateArgs(name string, args json.RawMessage) error {
	r.mu.RLock()
	def, ok := r.types[name]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("flow type %q: %w", name, errors.ErrUnknownFlowType)
	}
	if def.compiled == nil {
		return nil
	}

	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	result, err := def.compiled.Validate(gojsonschema.NewBytesLoader(args))
	if err != nil {
		return fmt.Errorf("flow type %q: args are not valid JSON: %w", name, errors.ErrArgsSchemaViolation)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return fmt.Errorf("flow type %q: %s: %w", name, strings.Join(details, "; "), errors.ErrArgsSchemaViolation)
	}
	return nil
}
