// Package registry implements the process-wide node type registry (spec
// §4.3): a hot-swappable, string-keyed map from node type to handler,
// grounded in the teacher's read-mostly wrapper idiom for injected clients
// (cmd/workflow-runner/sdk.CASClient and the Redis client wrapper in
// common/redis) — a single RWMutex guarding a plain map, many concurrent
// readers during execution and occasional writer registration at startup
// or via hot-reload.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Handler is the contract every node type implementation satisfies.
// Execute receives the node with its config already template-resolved, the
// execution context facade (opaque to the registry — see spec §4.5), and
// the engine facade for handlers that need to dispatch sub-workflows
// (action.execute_workflow).
type Handler interface {
	Execute(ctx context.Context, rc ResolvedCall) (interface{}, error)
}

// SchemaProvider is implemented by handlers that expose a JSON-schema-like
// description of their config shape for editor tooling.
type SchemaProvider interface {
	Schema() map[string]interface{}
}

// DescribingHandler is implemented by handlers with a human-readable
// one-line description, surfaced by ListNodeTypes.
type DescribingHandler interface {
	Describe() string
}

// ResolvedCall is everything a Handler needs to execute once its node's
// config has already been resolved via internal/template.
type ResolvedCall struct {
	NodeID      string
	NodeType    string
	Config      map[string]interface{}
	ExecContext interface{}
	Engine      interface{}
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, rc ResolvedCall) (interface{}, error)

func (f HandlerFunc) Execute(ctx context.Context, rc ResolvedCall) (interface{}, error) {
	return f(ctx, rc)
}

// Registry is a process-wide, string-keyed handler map. The zero value is
// not usable; use New.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register installs handler under nodeType, replacing any existing
// registration for the same type (spec §4.3: "re-registering a type hot
// swaps the handler for all future executions").
func (r *Registry) Register(nodeType string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[nodeType] = handler
}

// Unregister removes a node type's handler, if any.
func (r *Registry) Unregister(nodeType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, nodeType)
}

// Lookup returns the handler registered for nodeType.
func (r *Registry) Lookup(nodeType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[nodeType]
	return h, ok
}

// Known reports whether nodeType has a registered handler; it satisfies
// workflow.TypeKnownFunc for Definition.ValidateTypes.
func (r *Registry) Known(nodeType string) bool {
	_, ok := r.Lookup(nodeType)
	return ok
}

// NodeTypeInfo describes one registered node type for listing purposes.
type NodeTypeInfo struct {
	Type        string
	Category    string
	Description string
	Schema      map[string]interface{}
}

// ListNodeTypes returns every registered type grouped by its category
// prefix (the segment before the first '.', e.g. "trigger", "action"),
// sorted by type within each category.
func (r *Registry) ListNodeTypes() map[string][]NodeTypeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]NodeTypeInfo)
	for nodeType, handler := range r.handlers {
		category := nodeType
		if idx := strings.Index(nodeType, "."); idx >= 0 {
			category = nodeType[:idx]
		}
		info := NodeTypeInfo{Type: nodeType, Category: category}
		if d, ok := handler.(DescribingHandler); ok {
			info.Description = d.Describe()
		}
		if s, ok := handler.(SchemaProvider); ok {
			info.Schema = s.Schema()
		}
		out[category] = append(out[category], info)
	}
	for category := range out {
		sort.Slice(out[category], func(i, j int) bool {
			return out[category][i].Type < out[category][j].Type
		})
	}
	return out
}

// Execute looks up nodeType and invokes its handler, returning a
// descriptive error if nothing is registered.
func (r *Registry) Execute(ctx context.Context, rc ResolvedCall) (interface{}, error) {
	handler, ok := r.Lookup(rc.NodeType)
	if !ok {
		return nil, fmt.Errorf("no handler registered for node type %q", rc.NodeType)
	}
	return handler.Execute(ctx, rc)
}
