// Package toolregistry maintains the set of callable tools. Definitions are
// validated at registration time and their JSON Schemas are compiled once
// into validators, so the call path never pays schema-compilation cost and a
// broken schema can never reach it.
package toolregistry

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/parley-dev/parley/runtime/errs"
	"github.com/parley-dev/parley/runtime/telemetry"
)

// namePattern constrains tool names. Case-sensitive; no leading digit.
var namePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_/\-.]*$`)

type (
	// Definition describes a callable tool as advertised through tools/list.
	Definition struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		InputSchema map[string]any `json:"inputSchema"`
		Version     string         `json:"version,omitempty"`
		IsDynamic   bool           `json:"isDynamic,omitempty"`
	}

	// CallContext carries the per-invocation values supplied to a handler.
	// Cancellation is delivered through the context.Context passed alongside.
	CallContext struct {
		// RunID is unique to this invocation.
		RunID string
		// CorrelationID ties the invocation to logs and error payloads.
		CorrelationID string
		// Logger is a child logger already carrying runId and correlationId.
		Logger *telemetry.Logger
		// Transport is the transport tag of the serving connection.
		Transport string
	}

	// Handler executes a tool call. It must observe ctx cancellation and
	// return promptly when the deadline fires; the pipeline never terminates
	// a handler forcibly.
	Handler func(ctx context.Context, call *CallContext, args map[string]any) (*errs.ToolResult, error)

	// Registration pairs a definition with its handler and the validator
	// compiled at registration time.
	Registration struct {
		Definition Definition
		Handler    Handler
		validator  *jsonschema.Schema
	}

	// Registry is the read-mostly tool table. Safe for concurrent use;
	// readers never observe a partially registered tool.
	Registry struct {
		mu    sync.RWMutex
		tools map[string]*Registration
		log   *telemetry.Logger
	}
)

// New constructs an empty Registry. The logger is used for dynamic
// registration warnings and may not be nil.
func New(log *telemetry.Logger) *Registry {
	return &Registry{
		tools: make(map[string]*Registration),
		log:   log,
	}
}

// ValidateDefinition performs the pure structural checks on a definition:
// name pattern, non-empty description, and an object-rooted input schema.
func ValidateDefinition(def Definition) error {
	if def.Name == "" {
		return errs.New(errs.InvalidArgument, "tool name is required")
	}
	if !namePattern.MatchString(def.Name) {
		return errs.Newf(errs.InvalidArgument, "tool name %q does not match %s", def.Name, namePattern)
	}
	if def.Description == "" {
		return errs.Newf(errs.InvalidArgument, "tool %q requires a description", def.Name)
	}
	if def.InputSchema == nil {
		return errs.Newf(errs.InvalidArgument, "tool %q requires an input schema", def.Name)
	}
	if typ, _ := def.InputSchema["type"].(string); typ != "object" {
		return errs.Newf(errs.InvalidArgument, "tool %q input schema root type must be \"object\"", def.Name)
	}
	return nil
}

// Register validates the definition, compiles its schema, and stores the
// tool. Duplicate names are rejected case-sensitively. A schema that fails
// to compile rejects the registration; validators are never compiled on the
// call path.
func (r *Registry) Register(def Definition, handler Handler) error {
	if err := ValidateDefinition(def); err != nil {
		return err
	}
	if handler == nil {
		return errs.Newf(errs.InvalidArgument, "tool %q requires a handler", def.Name)
	}

	validator, err := compileSchema(def.Name, def.InputSchema)
	if err != nil {
		return errs.Wrap(errs.InvalidArgument,
			fmt.Sprintf("tool %q input schema does not compile", def.Name), err)
	}

	// Store an owned copy of the schema so caller mutations after
	// registration cannot skew the advertised definition.
	def.InputSchema = normalizeSchema(def.InputSchema).(map[string]any)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		return errs.Newf(errs.InvalidArgument, "tool %q is already registered", def.Name)
	}
	r.tools[def.Name] = &Registration{
		Definition: def,
		Handler:    handler,
		validator:  validator,
	}

	if def.IsDynamic {
		r.log.Warn("dynamic tool registered", telemetry.Fields{"tool": def.Name})
	}
	return nil
}

// Get returns the registration for name.
func (r *Registry) Get(name string) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	return reg, ok
}

// Unregister removes the tool and reports whether it was present.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tools[name]
	if ok {
		delete(r.tools, name)
	}
	return ok
}

// List returns the registered definitions sorted lexicographically by name.
// The order is stable and deterministic across calls.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defs := make([]Definition, 0, len(r.tools))
	for _, reg := range r.tools {
		defs = append(defs, reg.Definition)
	}
	r.mu.RUnlock()

	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Len reports the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// ValidateArgs runs the precompiled validator against the given arguments.
// Validation failures are tool errors carrying InvalidArgument.
func (reg *Registration) ValidateArgs(args map[string]any) error {
	// The validator operates on generic JSON values; a nil map validates as
	// an empty object.
	var doc any = map[string]any(args)
	if args == nil {
		doc = map[string]any{}
	}
	if err := reg.validator.Validate(doc); err != nil {
		return errs.Wrap(errs.InvalidArgument,
			fmt.Sprintf("arguments for tool %q failed validation", reg.Definition.Name), err)
	}
	return nil
}

// compileSchema builds the validator for an input schema. The schema URL is
// synthetic; only its uniqueness within the compiler matters.
func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	url := "registry:///" + name + ".schema.json"
	if err := c.AddResource(url, normalizeSchema(schema)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}

// normalizeSchema deep-copies the schema into plain JSON values so later
// caller mutations cannot affect the compiled validator's source document.
func normalizeSchema(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = normalizeSchema(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = normalizeSchema(vv)
		}
		return out
	default:
		return v
	}
}
