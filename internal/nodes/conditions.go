package nodes

import (
	"context"
	"fmt"

	"github.com/lyzr/fleetengine/internal/expr"
	"github.com/lyzr/fleetengine/internal/registry"
)

// expressionHandler implements condition.expression (spec §4.2, §6): an
// expression that throws fails the node with the exception message (unlike
// edge conditions, which degrade to false).
type expressionHandler struct {
	evaluator *expr.Evaluator
}

func (h *expressionHandler) Execute(ctx context.Context, rc registry.ResolvedCall) (interface{}, error) {
	ec, err := execContext(rc.ExecContext)
	if err != nil {
		return nil, err
	}
	expression := cfgString(rc.Config, "expression", "")
	if expression == "" {
		return nil, fmt.Errorf("condition.expression node %s has no expression configured", rc.NodeID)
	}

	var output interface{}
	if sourceNodeID := cfgString(rc.Config, "sourceNodeId", ""); sourceNodeID != "" {
		output, _ = ec.GetNodeOutput(sourceNodeID)
	}

	result, err := h.evaluator.Evaluate(expression, expr.Bindings{
		Output:        output,
		Data:          ec.Data(),
		GetNodeOutput: ec.GetNodeOutput,
	})
	if err != nil {
		return nil, fmt.Errorf("condition.expression %s: %w", rc.NodeID, err)
	}

	out := map[string]interface{}{"value": result}
	if b, ok := result.(bool); ok {
		if b {
			out["matchedPort"] = "true"
		} else {
			out["matchedPort"] = "false"
		}
	}
	return out, nil
}

func (h *expressionHandler) Describe() string {
	return "evaluates config.expression against $data/$ctx, failing the node on exception"
}

// switchHandler implements condition.switch: evaluate config.value once,
// then route via config.cases[stringify(value)] as the matched source port
// (spec §8 scenario 4), grounded in the teacher's BranchOperator rule
// ordering (cmd/workflow-runner/operators/control_flow.go).
type switchHandler struct {
	evaluator *expr.Evaluator
}

func (h *switchHandler) Execute(ctx context.Context, rc registry.ResolvedCall) (interface{}, error) {
	ec, err := execContext(rc.ExecContext)
	if err != nil {
		return nil, err
	}
	valueExpr := cfgString(rc.Config, "value", "")
	if valueExpr == "" {
		return nil, fmt.Errorf("condition.switch node %s has no value expression configured", rc.NodeID)
	}

	result, err := h.evaluator.Evaluate(valueExpr, expr.Bindings{
		Data:          ec.Data(),
		GetNodeOutput: ec.GetNodeOutput,
	})
	if err != nil {
		return nil, fmt.Errorf("condition.switch %s: %w", rc.NodeID, err)
	}

	key := fmt.Sprintf("%v", result)
	port := "default"
	if cases := cfgMap(rc.Config, "cases"); cases != nil {
		if p, ok := cases[key].(string); ok {
			port = p
		}
	}
	return map[string]interface{}{"value": result, "matchedPort": port}, nil
}

func (h *switchHandler) Describe() string {
	return "evaluates config.value and routes via config.cases[value] as the matched source port"
}

// slotAvailableHandler implements condition.slot_available: a pool of
// capacity tracked by action.allocate_slot/release_slot as a synthetic
// node output keyed by the pool
// (no external service needed — capacity is run-scoped).
type slotAvailableHandler struct{}

func (h *slotAvailableHandler) Execute(ctx context.Context, rc registry.ResolvedCall) (interface{}, error) {
	ec, err := execContext(rc.ExecContext)
	if err != nil {
		return nil, err
	}
	pool := cfgString(rc.Config, "pool", "default")
	max := cfgInt(rc.Config, "max", 1)
	count := 0
	if v, ok := ec.GetNodeOutput(slotCounterKey(pool)); ok {
		if n, ok := v.(int); ok {
			count = n
		}
	}
	available := count < max
	port := "unavailable"
	if available {
		port = "available"
	}
	return map[string]interface{}{"available": available, "count": count, "max": max, "matchedPort": port}, nil
}

func (h *slotAvailableHandler) Describe() string {
	return "checks whether config.pool has capacity left under config.max"
}

func slotCounterKey(pool string) string { return "_slot_counter:" + pool }

// RegisterConditions installs every condition.* node type.
func RegisterConditions(reg *registry.Registry, evaluator *expr.Evaluator) {
	reg.Register("condition.expression", &expressionHandler{evaluator: evaluator})
	reg.Register("condition.switch", &switchHandler{evaluator: evaluator})
	reg.Register("condition.slot_available", &slotAvailableHandler{})
}
