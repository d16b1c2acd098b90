package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lyzr/fleetengine/internal/registry"
	"github.com/lyzr/fleetengine/internal/services"
)

// defaultSDKPriority is the fallback chain used when config.sdk is "auto"
// and the config collaborator has no agent.sdk_priority override. The
// override may be a string slice or a comma-separated string.
// resolveAutoSDK always picks the chain's first entry; it does not check
// whether that SDK is available
// (SPEC_FULL.md "Open Questions carried from spec.md", first entry — the
// source's undocumented "auto" resolution is externalized here rather than
// re-inferred from its control flow).
var defaultSDKPriority = []string{"claude", "codex", "copilot", "gemini", "opencode"}

func resolveAutoSDK(cfgSrc services.ConfigSource) string {
	priority := defaultSDKPriority
	if cfgSrc != nil {
		if v := cfgSrc.Get("agent.sdk_priority", defaultSDKPriority); v != nil {
			switch arr := v.(type) {
			case []string:
				if len(arr) > 0 {
					priority = arr
				}
			case []interface{}:
				strs := make([]string, 0, len(arr))
				for _, item := range arr {
					if s, ok := item.(string); ok {
						strs = append(strs, s)
					}
				}
				if len(strs) > 0 {
					priority = strs
				}
			case string:
				strs := make([]string, 0)
				for _, s := range strings.Split(arr, ",") {
					if s = strings.TrimSpace(s); s != "" {
						strs = append(strs, s)
					}
				}
				if len(strs) > 0 {
					priority = strs
				}
			}
		}
	}
	return priority[0]
}

// runAgentHandler implements action.run_agent: launches an ephemeral agent
// thread via the AgentPool collaborator (spec §6).
type runAgentHandler struct {
	bundle *services.Bundle
}

func (h *runAgentHandler) Execute(ctx context.Context, rc registry.ResolvedCall) (interface{}, error) {
	if h.bundle == nil || h.bundle.AgentPool == nil {
		return nil, fmt.Errorf("action.run_agent %s: no agent pool configured", rc.NodeID)
	}
	prompt := cfgString(rc.Config, "prompt", "")
	cwd := cfgString(rc.Config, "cwd", "")
	timeoutMs := cfgInt(rc.Config, "timeoutMs", 600_000)

	sdk := cfgString(rc.Config, "sdk", "auto")
	if sdk == "auto" {
		sdk = resolveAutoSDK(h.bundle.Config)
	}

	result, err := h.bundle.AgentPool.LaunchEphemeralThread(ctx, prompt, cwd, timeoutMs, nil)
	if err != nil {
		return nil, fmt.Errorf("action.run_agent %s: %w", rc.NodeID, err)
	}
	return map[string]interface{}{
		"success":  result.Success,
		"output":   result.Output,
		"threadId": result.ThreadID,
		"sdk":      sdk,
	}, nil
}

func (h *runAgentHandler) Describe() string {
	return "launches an ephemeral agent thread for config.prompt via the agent pool"
}

// runPlannerHandler implements action.run_planner: runs an agent thread
// whose output is expected to be a JSON array of task objects.
type runPlannerHandler struct {
	bundle *services.Bundle
}

func (h *runPlannerHandler) Execute(ctx context.Context, rc registry.ResolvedCall) (interface{}, error) {
	if h.bundle == nil || h.bundle.AgentPool == nil {
		return nil, fmt.Errorf("action.run_planner %s: no agent pool configured", rc.NodeID)
	}
	prompt := cfgString(rc.Config, "prompt", "")
	cwd := cfgString(rc.Config, "cwd", "")
	timeoutMs := cfgInt(rc.Config, "timeoutMs", 600_000)

	result, err := h.bundle.AgentPool.LaunchEphemeralThread(ctx, prompt, cwd, timeoutMs, nil)
	if err != nil {
		return nil, fmt.Errorf("action.run_planner %s: %w", rc.NodeID, err)
	}

	var tasks []interface{}
	if result.Success {
		trimmed := strings.TrimSpace(result.Output)
		_ = json.Unmarshal([]byte(trimmed), &tasks) // best-effort; raw output is always returned too
	}
	return map[string]interface{}{"success": result.Success, "tasks": tasks, "raw": result.Output}, nil
}

func (h *runPlannerHandler) Describe() string {
	return "runs a planning agent thread and parses its JSON task-list output"
}

// runCommandHandler implements action.run_command: executes a shell-level
// command via the agent pool's retrying executor (never directly — the
// engine itself never shells out, per spec §1 Non-goals).
type runCommandHandler struct {
	bundle *services.Bundle
}

func (h *runCommandHandler) Execute(ctx context.Context, rc registry.ResolvedCall) (interface{}, error) {
	if h.bundle == nil || h.bundle.AgentPool == nil {
		return nil, fmt.Errorf("action.run_command %s: no agent pool configured", rc.NodeID)
	}
	command := cfgString(rc.Config, "command", "")
	cwd := cfgString(rc.Config, "cwd", "")
	timeoutMs := cfgInt(rc.Config, "timeoutMs", 120_000)
	maxRetries := cfgInt(rc.Config, "maxRetries", 0)

	result, err := h.bundle.AgentPool.ExecWithRetry(ctx, command, cwd, timeoutMs, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("action.run_command %s: %w", rc.NodeID, err)
	}
	return map[string]interface{}{"success": result.Success, "output": result.Output}, nil
}

func (h *runCommandHandler) Describe() string {
	return "runs config.command through the agent pool's retrying executor"
}

// executeWorkflowHandler implements action.execute_workflow (spec §4.6
// "Sub-workflow dispatch"): sync mode awaits the child run, dispatch mode
// fires-and-forgets. Cycle prevention checks the reserved _ancestry chain
// before launching.
type executeWorkflowHandler struct{}

func (h *executeWorkflowHandler) Execute(ctx context.Context, rc registry.ResolvedCall) (interface{}, error) {
	ec, err := execContext(rc.ExecContext)
	if err != nil {
		return nil, err
	}
	engine, ok := rc.Engine.(Engine)
	if !ok || engine == nil {
		return nil, fmt.Errorf("action.execute_workflow %s: no engine facade available for sub-workflow dispatch", rc.NodeID)
	}

	workflowID := cfgString(rc.Config, "workflowId", "")
	if workflowID == "" {
		return nil, fmt.Errorf("action.execute_workflow %s: config.workflowId is required", rc.NodeID)
	}
	mode := cfgString(rc.Config, "mode", "sync")
	input := cfgMap(rc.Config, "input")
	failOnChildError := cfgBool(rc.Config, "failOnChildError", false)

	ancestry := ec.Ancestry()
	for _, id := range ancestry {
		if id == workflowID {
			return nil, fmt.Errorf("action.execute_workflow %s: cycle detected, %s already in ancestry chain %v", rc.NodeID, workflowID, ancestry)
		}
	}
	nextAncestry := ec.WithAncestry(workflowID)

	switch mode {
	case "dispatch":
		runID, err := engine.Dispatch(ctx, workflowID, input, nextAncestry)
		if err != nil {
			return nil, fmt.Errorf("action.execute_workflow %s: %w", rc.NodeID, err)
		}
		return map[string]interface{}{"status": "dispatched", "runId": runID}, nil

	default: // "sync"
		result, err := engine.RunSync(ctx, workflowID, input, nextAncestry)
		if err != nil {
			if failOnChildError {
				return nil, fmt.Errorf("action.execute_workflow %s: child run failed: %w", rc.NodeID, err)
			}
			return map[string]interface{}{"status": "failed", "runId": result.RunID, "error": err.Error()}, nil
		}
		out := map[string]interface{}{"status": result.Status, "runId": result.RunID, "childOutput": result.ChildOutput}
		if outputVariable := cfgString(rc.Config, "outputVariable", ""); outputVariable != "" {
			ec.SetData(outputVariable, result.ChildOutput)
		}
		return out, nil
	}
}

func (h *executeWorkflowHandler) Describe() string {
	return "dispatches config.workflowId synchronously or fire-and-forget, guarding against ancestry cycles"
}

// materializePlannerTasksHandler implements action.materialize_planner_tasks:
// turns a planner's task list into real kanban tasks.
type materializePlannerTasksHandler struct {
	bundle *services.Bundle
}

func (h *materializePlannerTasksHandler) Execute(ctx context.Context, rc registry.ResolvedCall) (interface{}, error) {
	if h.bundle == nil || h.bundle.Kanban == nil {
		return nil, fmt.Errorf("action.materialize_planner_tasks %s: no kanban configured", rc.NodeID)
	}
	ec, err := execContext(rc.ExecContext)
	if err != nil {
		return nil, err
	}
	projectID := cfgString(rc.Config, "projectId", "")

	var tasks []interface{}
	if sourceNodeID := cfgString(rc.Config, "tasksFromNodeId", ""); sourceNodeID != "" {
		if out, ok := ec.GetNodeOutput(sourceNodeID); ok {
			if m, ok := out.(map[string]interface{}); ok {
				tasks, _ = m["tasks"].([]interface{})
			}
		}
	}
	if tasks == nil {
		if v, ok := rc.Config["tasks"].([]interface{}); ok {
			tasks = v
		}
	}

	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		m, ok := t.(map[string]interface{})
		if !ok {
			continue
		}
		title, _ := m["title"].(string)
		id, err := h.bundle.Kanban.CreateTask(ctx, projectID, services.Task{Title: title, ProjectID: projectID, Fields: m})
		if err != nil {
			return nil, fmt.Errorf("action.materialize_planner_tasks %s: %w", rc.NodeID, err)
		}
		ids = append(ids, id)
	}
	return map[string]interface{}{"taskIds": ids, "count": len(ids)}, nil
}

func (h *materializePlannerTasksHandler) Describe() string {
	return "creates a kanban task for every entry in a planner's task list"
}

// buildTaskPromptHandler implements action.build_task_prompt: pure string
// composition from already-resolved config fields, no external service.
type buildTaskPromptHandler struct{}

func (h *buildTaskPromptHandler) Execute(ctx context.Context, rc registry.ResolvedCall) (interface{}, error) {
	title := cfgString(rc.Config, "title", "")
	description := cfgString(rc.Config, "description", "")
	instructions := cfgString(rc.Config, "instructions", "")

	var b strings.Builder
	if title != "" {
		fmt.Fprintf(&b, "Task: %s\n\n", title)
	}
	if description != "" {
		fmt.Fprintf(&b, "%s\n\n", description)
	}
	if instructions != "" {
		fmt.Fprintf(&b, "Instructions:\n%s\n", instructions)
	}
	return map[string]interface{}{"prompt": b.String()}, nil
}

func (h *buildTaskPromptHandler) Describe() string {
	return "composes an agent prompt from config.title/description/instructions"
}

// resolveExecutorHandler implements action.resolve_executor: decides which
// agent SDK should run a task, using the same "auto" fallback chain as
// action.run_agent.
type resolveExecutorHandler struct {
	bundle *services.Bundle
}

func (h *resolveExecutorHandler) Execute(ctx context.Context, rc registry.ResolvedCall) (interface{}, error) {
	sdk := cfgString(rc.Config, "sdk", "auto")
	var cfgSrc services.ConfigSource
	if h.bundle != nil {
		cfgSrc = h.bundle.Config
	}
	if sdk == "auto" {
		sdk = resolveAutoSDK(cfgSrc)
	}
	return map[string]interface{}{"sdk": sdk}, nil
}

func (h *resolveExecutorHandler) Describe() string {
	return "resolves config.sdk, following the agent.sdk_priority fallback chain when set to auto"
}

// RegisterAgentActions installs the agent/planner/sub-workflow action node
// types.
func RegisterAgentActions(reg *registry.Registry, bundle *services.Bundle) {
	reg.Register("action.run_agent", &runAgentHandler{bundle: bundle})
	reg.Register("action.run_planner", &runPlannerHandler{bundle: bundle})
	reg.Register("action.run_command", &runCommandHandler{bundle: bundle})
	reg.Register("action.execute_workflow", &executeWorkflowHandler{})
	reg.Register("action.materialize_planner_tasks", &materializePlannerTasksHandler{bundle: bundle})
	reg.Register("action.build_task_prompt", &buildTaskPromptHandler{})
	reg.Register("action.resolve_executor", &resolveExecutorHandler{bundle: bundle})
}
