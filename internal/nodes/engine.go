package nodes

import "context"

// SubRunResult is what a sub-workflow dispatch returns to the parent node
// (spec §4.6 "Sub-workflow dispatch").
type SubRunResult struct {
	RunID       string                 `json:"runId"`
	Status      string                 `json:"status"`
	ChildOutput map[string]interface{} `json:"childOutput,omitempty"`
}

// Engine is the facade action.execute_workflow needs from the host engine.
// internal/engine.Engine satisfies this by method set, so this package
// never imports internal/engine (which would create an import cycle —
// the engine wires this package's handlers into its registry).
type Engine interface {
	RunSync(ctx context.Context, workflowID string, input map[string]interface{}, ancestry []string) (SubRunResult, error)
	Dispatch(ctx context.Context, workflowID string, input map[string]interface{}, ancestry []string) (runID string, err error)
}
