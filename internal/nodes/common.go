// Package nodes implements the Built-in Node Pack (spec §6): the concrete
// node handlers shipped with the engine, grouped one file per category.
// Handlers are grounded in the teacher's operator idiom
// (cmd/workflow-runner/operators/control_flow.go's rule-evaluation-in-order
// pattern for condition.switch) and in spec §6's own service-interface
// table for every action handler that reaches an external collaborator.
package nodes

import (
	"fmt"

	"github.com/lyzr/fleetengine/internal/execctx"
)

func cfgString(cfg map[string]interface{}, key, def string) string {
	if v, ok := cfg[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return def
}

func cfgBool(cfg map[string]interface{}, key string, def bool) bool {
	if v, ok := cfg[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

func cfgInt(cfg map[string]interface{}, key string, def int) int {
	if v, ok := cfg[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		}
	}
	return def
}

func cfgMap(cfg map[string]interface{}, key string) map[string]interface{} {
	if v, ok := cfg[key]; ok {
		if m, ok := v.(map[string]interface{}); ok {
			return m
		}
	}
	return nil
}

// execContext narrows rc.ExecContext to what every handler in this package
// needs: data access, node-output lookup, and logging. Satisfied directly
// by *internal/execctx.Context.
func execContext(raw interface{}) (*execctx.Context, error) {
	ec, ok := raw.(*execctx.Context)
	if !ok {
		return nil, fmt.Errorf("node handler requires an *execctx.Context, got %T", raw)
	}
	return ec, nil
}
