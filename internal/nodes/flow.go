package nodes

import (
	"context"
	"fmt"
	"time"

	"github.com/lyzr/fleetengine/internal/expr"
	"github.com/lyzr/fleetengine/internal/registry"
)

// gateHandler implements flow.gate: blocks until config.condition evaluates
// true, polling at config.pollIntervalMs (default 1s), or passes through
// immediately when no condition is configured. This is the node-level
// suspension point named in spec §5 "(d) gate polling for flow.gate nodes";
// the scheduler's own per-node timeout bounds how long it may block.
type gateHandler struct {
	evaluator *expr.Evaluator
}

func (h *gateHandler) Execute(ctx context.Context, rc registry.ResolvedCall) (interface{}, error) {
	ec, err := execContext(rc.ExecContext)
	if err != nil {
		return nil, err
	}
	condition := cfgString(rc.Config, "condition", "")
	if condition == "" {
		return map[string]interface{}{"gateOpen": true}, nil
	}
	pollMs := cfgInt(rc.Config, "pollIntervalMs", 1000)

	for {
		ok, evalErr := h.evaluator.EvaluateBool(condition, expr.Bindings{
			Data:          ec.Data(),
			GetNodeOutput: ec.GetNodeOutput,
		})
		if evalErr == nil && ok {
			return map[string]interface{}{"gateOpen": true}, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("flow.gate %s: %w", rc.NodeID, ctx.Err())
		case <-time.After(time.Duration(pollMs) * time.Millisecond):
		}
	}
}

func (h *gateHandler) Describe() string {
	return "blocks until config.condition is true, polling at config.pollIntervalMs"
}

// RegisterFlow installs every flow.* node type.
func RegisterFlow(reg *registry.Registry, evaluator *expr.Evaluator) {
	reg.Register("flow.gate", &gateHandler{evaluator: evaluator})
}
