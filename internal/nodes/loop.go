package nodes

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lyzr/fleetengine/internal/registry"
)

// forEachHandler implements loop.for_each: resolves config.items (a JSON
// array, or a JSON-encoded string the way spec §8 scenario 3 writes it) and
// config.variable, and returns them for internal/scheduler's loop fan-out
// (spec §4.6 "Loop fan-out") to act on. This node itself never iterates —
// fan-out is the scheduler's job, since it needs to fork the shared
// execution context per item.
type forEachHandler struct{}

func (h *forEachHandler) Execute(ctx context.Context, rc registry.ResolvedCall) (interface{}, error) {
	variable := cfgString(rc.Config, "variable", "")
	if variable == "" {
		return nil, fmt.Errorf("loop.for_each node %s has no variable name configured", rc.NodeID)
	}

	items, err := resolveItems(rc.Config["items"])
	if err != nil {
		return nil, fmt.Errorf("loop.for_each node %s: %w", rc.NodeID, err)
	}

	return map[string]interface{}{"items": items, "variable": variable}, nil
}

func (h *forEachHandler) Describe() string {
	return "exposes config.items/config.variable for the scheduler's loop fan-out"
}

func resolveItems(raw interface{}) ([]interface{}, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case []interface{}:
		return v, nil
	case string:
		var items []interface{}
		if err := json.Unmarshal([]byte(v), &items); err != nil {
			return nil, fmt.Errorf("items is not a JSON array: %w", err)
		}
		return items, nil
	default:
		return nil, fmt.Errorf("items must be an array or a JSON-array string, got %T", raw)
	}
}

// RegisterLoop installs every loop.* node type.
func RegisterLoop(reg *registry.Registry) {
	reg.Register("loop.for_each", &forEachHandler{})
}
