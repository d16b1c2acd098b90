package nodes

import (
	"context"
	"fmt"
	"time"

	"github.com/lyzr/fleetengine/internal/registry"
	"github.com/lyzr/fleetengine/internal/services"
)

// createTaskHandler implements action.create_task.
type createTaskHandler struct {
	bundle *services.Bundle
}

func (h *createTaskHandler) Execute(ctx context.Context, rc registry.ResolvedCall) (interface{}, error) {
	if h.bundle == nil || h.bundle.Kanban == nil {
		return nil, fmt.Errorf("action.create_task %s: no kanban configured", rc.NodeID)
	}
	projectID := cfgString(rc.Config, "projectId", "")
	title := cfgString(rc.Config, "title", "")
	id, err := h.bundle.Kanban.CreateTask(ctx, projectID, services.Task{Title: title, ProjectID: projectID, Fields: rc.Config})
	if err != nil {
		return nil, fmt.Errorf("action.create_task %s: %w", rc.NodeID, err)
	}
	return map[string]interface{}{"taskId": id}, nil
}

func (h *createTaskHandler) Describe() string {
	return "creates a kanban task under config.projectId with config.title"
}

// updateTaskStatusHandler implements action.update_task_status.
type updateTaskStatusHandler struct {
	bundle *services.Bundle
}

func (h *updateTaskStatusHandler) Execute(ctx context.Context, rc registry.ResolvedCall) (interface{}, error) {
	if h.bundle == nil || h.bundle.Kanban == nil {
		return nil, fmt.Errorf("action.update_task_status %s: no kanban configured", rc.NodeID)
	}
	taskID := cfgString(rc.Config, "taskId", "")
	status := cfgString(rc.Config, "status", "")
	if taskID == "" {
		return nil, fmt.Errorf("action.update_task_status %s: config.taskId is required", rc.NodeID)
	}
	task, err := h.bundle.Kanban.UpdateTask(ctx, taskID, map[string]interface{}{"status": status})
	if err != nil {
		return nil, fmt.Errorf("action.update_task_status %s: %w", rc.NodeID, err)
	}
	return map[string]interface{}{"taskId": task.ID, "status": task.Status}, nil
}

func (h *updateTaskStatusHandler) Describe() string {
	return "updates config.taskId's status to config.status via the kanban collaborator"
}

// setVariableHandler implements action.set_variable: writes a resolved
// config value into context data (spec §4.5 SetData), read back by
// subsequent template resolution.
type setVariableHandler struct{}

func (h *setVariableHandler) Execute(ctx context.Context, rc registry.ResolvedCall) (interface{}, error) {
	ec, err := execContext(rc.ExecContext)
	if err != nil {
		return nil, err
	}
	name := cfgString(rc.Config, "name", "")
	if name == "" {
		return nil, fmt.Errorf("action.set_variable %s: config.name is required", rc.NodeID)
	}
	value := rc.Config["value"]
	ec.SetData(name, value)
	return map[string]interface{}{"name": name, "value": value}, nil
}

func (h *setVariableHandler) Describe() string {
	return "writes config.value into context data under config.name"
}

// delayHandler implements action.delay: a plain sleep, observing
// cancellation via ctx (spec §5 suspension point (b)). The scheduler's
// per-node timeout cancels ctx; a run's external cancellation signal does
// not, so a delay already sleeping runs to its end.
type delayHandler struct{}

func (h *delayHandler) Execute(ctx context.Context, rc registry.ResolvedCall) (interface{}, error) {
	ms := cfgInt(rc.Config, "ms", cfgInt(rc.Config, "durationMs", 0))
	if ms <= 0 {
		return map[string]interface{}{"waitedMs": 0}, nil
	}
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return map[string]interface{}{"waitedMs": ms}, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("action.delay %s: %w", rc.NodeID, ctx.Err())
	}
}

func (h *delayHandler) Describe() string {
	return "sleeps for config.ms milliseconds, observing cancellation"
}

// slotHandlers share a run-scoped capacity counter stored as a synthetic
// node output keyed by pool (see internal/nodes/conditions.go's
// slotCounterKey), so condition.slot_available can read it back without a
// separate service.

// allocateSlotHandler implements action.allocate_slot.
type allocateSlotHandler struct{}

func (h *allocateSlotHandler) Execute(ctx context.Context, rc registry.ResolvedCall) (interface{}, error) {
	ec, err := execContext(rc.ExecContext)
	if err != nil {
		return nil, err
	}
	pool := cfgString(rc.Config, "pool", "default")
	max := cfgInt(rc.Config, "max", 1)
	key := slotCounterKey(pool)

	count := 0
	if v, ok := ec.GetNodeOutput(key); ok {
		if n, ok := v.(int); ok {
			count = n
		}
	}
	if count >= max {
		return map[string]interface{}{"allocated": false, "count": count, "max": max}, nil
	}
	count++
	ec.SetNodeOutput(key, count)
	return map[string]interface{}{"allocated": true, "count": count, "max": max}, nil
}

func (h *allocateSlotHandler) Describe() string {
	return "increments config.pool's run-scoped capacity counter if under config.max"
}

// releaseSlotHandler implements action.release_slot.
type releaseSlotHandler struct{}

func (h *releaseSlotHandler) Execute(ctx context.Context, rc registry.ResolvedCall) (interface{}, error) {
	ec, err := execContext(rc.ExecContext)
	if err != nil {
		return nil, err
	}
	pool := cfgString(rc.Config, "pool", "default")
	key := slotCounterKey(pool)

	count := 0
	if v, ok := ec.GetNodeOutput(key); ok {
		if n, ok := v.(int); ok {
			count = n
		}
	}
	if count > 0 {
		count--
	}
	ec.SetNodeOutput(key, count)
	return map[string]interface{}{"count": count}, nil
}

func (h *releaseSlotHandler) Describe() string {
	return "decrements config.pool's run-scoped capacity counter"
}

// claimTaskHandler implements action.claim_task via the Claims collaborator.
type claimTaskHandler struct {
	bundle *services.Bundle
}

func (h *claimTaskHandler) Execute(ctx context.Context, rc registry.ResolvedCall) (interface{}, error) {
	if h.bundle == nil || h.bundle.Claims == nil {
		return nil, fmt.Errorf("action.claim_task %s: no claims collaborator configured", rc.NodeID)
	}
	taskID := cfgString(rc.Config, "taskId", "")
	agentID := cfgString(rc.Config, "agentId", "")
	token, err := h.bundle.Claims.Claim(ctx, taskID, agentID)
	if err != nil {
		return map[string]interface{}{"claimed": false, "error": err.Error()}, nil
	}
	return map[string]interface{}{"claimed": true, "token": token}, nil
}

func (h *claimTaskHandler) Describe() string {
	return "claims config.taskId for config.agentId via the claims collaborator"
}

// releaseClaimHandler implements action.release_claim.
type releaseClaimHandler struct {
	bundle *services.Bundle
}

func (h *releaseClaimHandler) Execute(ctx context.Context, rc registry.ResolvedCall) (interface{}, error) {
	if h.bundle == nil || h.bundle.Claims == nil {
		return nil, fmt.Errorf("action.release_claim %s: no claims collaborator configured", rc.NodeID)
	}
	taskID := cfgString(rc.Config, "taskId", "")
	if err := h.bundle.Claims.Release(ctx, taskID); err != nil {
		return nil, fmt.Errorf("action.release_claim %s: %w", rc.NodeID, err)
	}
	return map[string]interface{}{"released": taskID}, nil
}

func (h *releaseClaimHandler) Describe() string {
	return "releases the claim on config.taskId via the claims collaborator"
}

// handleRateLimitHandler implements action.handle_rate_limit: inspects a
// prior node's output for a rate-limit signal and returns a recommended
// backoff, routed via matchedPort so downstream edges can branch on
// whether the caller should retry now or wait.
type handleRateLimitHandler struct{}

func (h *handleRateLimitHandler) Execute(ctx context.Context, rc registry.ResolvedCall) (interface{}, error) {
	ec, err := execContext(rc.ExecContext)
	if err != nil {
		return nil, err
	}
	sourceNodeID := cfgString(rc.Config, "sourceNodeId", "")
	rateLimited := false
	if sourceNodeID != "" {
		if out, ok := ec.GetNodeOutput(sourceNodeID); ok {
			if m, ok := out.(map[string]interface{}); ok {
				if v, ok := m["rateLimited"].(bool); ok {
					rateLimited = v
				}
			}
		}
	}
	backoffMs := cfgInt(rc.Config, "backoffMs", 30_000)
	port := "ok"
	if rateLimited {
		port = "wait"
	}
	return map[string]interface{}{"rateLimited": rateLimited, "backoffMs": backoffMs, "matchedPort": port}, nil
}

func (h *handleRateLimitHandler) Describe() string {
	return "reads config.sourceNodeId's rateLimited flag and routes to the wait/ok port"
}

// RegisterTaskActions installs the task/variable/slot/claim action node
// types.
func RegisterTaskActions(reg *registry.Registry, bundle *services.Bundle) {
	reg.Register("action.create_task", &createTaskHandler{bundle: bundle})
	reg.Register("action.update_task_status", &updateTaskStatusHandler{bundle: bundle})
	reg.Register("action.set_variable", &setVariableHandler{})
	reg.Register("action.delay", &delayHandler{})
	reg.Register("action.allocate_slot", &allocateSlotHandler{})
	reg.Register("action.release_slot", &releaseSlotHandler{})
	reg.Register("action.claim_task", &claimTaskHandler{bundle: bundle})
	reg.Register("action.release_claim", &releaseClaimHandler{bundle: bundle})
	reg.Register("action.handle_rate_limit", &handleRateLimitHandler{})
}
