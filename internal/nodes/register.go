package nodes

import (
	"github.com/lyzr/fleetengine/common/logger"
	"github.com/lyzr/fleetengine/internal/expr"
	"github.com/lyzr/fleetengine/internal/registry"
	"github.com/lyzr/fleetengine/internal/services"
)

// RegisterAll installs the full built-in node pack (spec §6 "Built-in node
// categories" table) into reg. Called exactly once at startup, before any
// run begins (spec §9 "Global mutable state"); later calls are allowed
// (hot extension). Registry.Register replaces a map entry under the
// registry's lock, and the scheduler looks a node's handler up each time
// it invokes it, so a replacement also applies to nodes of runs already
// in flight that have not yet been invoked.
func RegisterAll(reg *registry.Registry, bundle *services.Bundle, evaluator *expr.Evaluator, log *logger.Logger) {
	RegisterTriggers(reg)
	RegisterConditions(reg, evaluator)
	RegisterFlow(reg, evaluator)
	RegisterLoop(reg)
	RegisterAgentActions(reg, bundle)
	RegisterGitActions(reg, bundle)
	RegisterTaskActions(reg, bundle)
	RegisterMeetingActions(reg, bundle)
	RegisterNotifyActions(reg, bundle, log)
}
