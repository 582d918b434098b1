// Package capability defines the callable capabilities the reasoning
// engine may request, and the registry that resolves a capability name
// to a schema and an executable handler.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Handler executes one capability invocation with already-validated
// arguments.
type Handler func(ctx context.Context, args map[string]any) (*Result, error)

// Capability is a named, schema-described callable action.
type Capability struct {
	Name        string
	Description string
	// Parameters is a JSON Schema fragment (type/properties/required)
	// in the shape the reasoning engine's function-calling API expects.
	Parameters map[string]any
	// Timeout bounds one invocation. Zero means DefaultTimeout.
	Timeout time.Duration
	Handler Handler
}

// Result is the successful outcome of an invocation.
type Result struct {
	// Output is the payload fed back to the reasoning engine.
	Output string
	// SideEffects describe durable changes for audit logging
	// ("wrote file notes.md", "opened PR #12").
	SideEffects []string
}

// Definition is the schema triple exposed to the reasoning engine.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// DefaultTimeout bounds capability invocations that don't declare
// their own.
const DefaultTimeout = 60 * time.Second

// Registry maps capability names to handlers. It is read-mostly after
// startup but supports runtime registration; the lock guarantees a
// reader never observes a half-registered capability.
type Registry struct {
	mu     sync.RWMutex
	caps   map[string]*Capability
	order  []string
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		caps:   make(map[string]*Capability),
		logger: logger,
	}
}

// Register adds a capability. Registering a name twice is an error,
// never a silent overwrite.
func (r *Registry) Register(c *Capability) error {
	if c.Name == "" {
		return fmt.Errorf("capability requires a name")
	}
	if c.Handler == nil {
		return fmt.Errorf("capability %q requires a handler", c.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.caps[c.Name]; exists {
		return fmt.Errorf("capability %q already registered", c.Name)
	}
	r.caps[c.Name] = c
	r.order = append(r.order, c.Name)
	return nil
}

// MustRegister registers a capability and panics on error. Intended
// for startup wiring where a duplicate name is a programming mistake.
func (r *Registry) MustRegister(c *Capability) {
	if err := r.Register(c); err != nil {
		panic(err)
	}
}

// Definitions returns the schema triples in registration order, so
// repeated calls over an unchanged registry produce byte-identical
// output.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		c := r.caps[name]
		defs = append(defs, Definition{
			Name:        c.Name,
			Description: c.Description,
			Parameters:  c.Parameters,
		})
	}
	return defs
}

// Names returns the registered capability names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Invoke validates arguments against the capability's schema and runs
// its handler under the capability's timeout.
//
// Error contract: an unknown name returns UnknownCapabilityError, a
// schema violation returns InvalidArgumentsError, and a handler
// failure returns ExecutionError with the capability name attached.
// None of these are fatal to the agent turn; the loop feeds them back
// to the reasoning engine as error results.
func (r *Registry) Invoke(ctx context.Context, name string, argsJSON string) (*Result, error) {
	r.mu.RLock()
	c := r.caps[name]
	r.mu.RUnlock()

	if c == nil {
		return nil, &UnknownCapabilityError{Name: name}
	}

	var args map[string]any
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return nil, &InvalidArgumentsError{
				Capability: name,
				Reason:     fmt.Sprintf("arguments are not valid JSON: %v", err),
			}
		}
	}
	if args == nil {
		args = map[string]any{}
	}

	if err := validateArgs(c.Parameters, args); err != nil {
		return nil, &InvalidArgumentsError{Capability: name, Reason: err.Error()}
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	result, err := c.Handler(ctx, args)
	if err != nil {
		r.logger.Warn("capability failed",
			"capability", name,
			"duration", time.Since(started).Round(time.Millisecond),
			"error", err,
		)
		return nil, &ExecutionError{Capability: name, Err: err}
	}
	if result == nil {
		result = &Result{}
	}

	r.logger.Debug("capability executed",
		"capability", name,
		"duration", time.Since(started).Round(time.Millisecond),
		"output_chars", len(result.Output),
		"side_effects", len(result.SideEffects),
	)
	return result, nil
}
