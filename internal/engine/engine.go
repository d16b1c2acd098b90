// Package engine wires the Workflow Store, Node Registry, DAG Scheduler,
// Run Archive, and Trigger Dispatcher into the single facade external
// callers (a CLI, a daemon, or another node handler dispatching a
// sub-workflow) drive a run through. Grounded in the teacher's top-level
// coordinator (cmd/workflow-runner/coordinator/coordinator.go) but reshaped
// from a Redis-stream-choreographed multi-process coordinator into a
// direct in-process facade, since the specification calls for an
// embeddable single-process engine (spec §2 "Data flow").
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/fleetengine/common/logger"
	"github.com/lyzr/fleetengine/common/telemetry"
	"github.com/lyzr/fleetengine/internal/archive"
	"github.com/lyzr/fleetengine/internal/execctx"
	"github.com/lyzr/fleetengine/internal/expr"
	"github.com/lyzr/fleetengine/internal/nodes"
	"github.com/lyzr/fleetengine/internal/registry"
	"github.com/lyzr/fleetengine/internal/scheduler"
	"github.com/lyzr/fleetengine/internal/services"
	"github.com/lyzr/fleetengine/internal/trigger"
	"github.com/lyzr/fleetengine/internal/workflow"
)

// Options bundles everything Engine needs at construction time.
type Options struct {
	StoreDir      string
	ArchiveDir    string
	Bundle        *services.Bundle
	SchedulerOpts scheduler.Options
	ArchiveOpts   archive.Options
	Logger        *logger.Logger
	// Telemetry records run-duration/event observability (spec ambient
	// stack); nil disables it entirely.
	Telemetry *telemetry.Telemetry
	// ArchiveBackend, when set, is used instead of constructing a plain
	// *archive.Archive from ArchiveDir/ArchiveOpts — the caller's hook for
	// wrapping the archive with archive.WithRedisMirror (spec §6
	// FeatureFlags.EnableRedisArchiveMirror).
	ArchiveBackend archive.Backend
}

// Engine is the facade that ties the Workflow Store, Node Registry, DAG
// Scheduler, Run Archive, and Trigger Dispatcher together (spec §2). It
// satisfies internal/nodes.Engine by method set, so action.execute_workflow
// can dispatch sub-workflows without internal/nodes importing this package
// (which would create an import cycle).
type Engine struct {
	store      *workflow.Store
	registry   *registry.Registry
	evaluator  *expr.Evaluator
	scheduler  *scheduler.Scheduler
	archive    archive.Backend
	dispatcher *trigger.Dispatcher
	bundle     *services.Bundle
	log        *logger.Logger
	telemetry  *telemetry.Telemetry
}

// New constructs every collaborator from opts and registers the built-in
// node pack exactly once (spec §9 "Global mutable state").
func New(opts Options) (*Engine, error) {
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}

	store, err := workflow.NewStore(opts.StoreDir, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create workflow store: %w", err)
	}

	var runArchive archive.Backend
	if opts.ArchiveBackend != nil {
		runArchive = opts.ArchiveBackend
	} else {
		plainArchive, err := archive.New(opts.ArchiveDir, opts.ArchiveOpts, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create run archive: %w", err)
		}
		runArchive = plainArchive
	}

	evaluator, err := expr.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("failed to create expression evaluator: %w", err)
	}

	reg := registry.New()
	bundle := opts.Bundle
	if bundle == nil {
		bundle = &services.Bundle{}
	}
	nodes.RegisterAll(reg, bundle, evaluator, log)

	sched := scheduler.New(reg, evaluator, opts.SchedulerOpts, log)
	dispatcher := trigger.New(store, reg, log)

	return &Engine{
		store:      store,
		registry:   reg,
		evaluator:  evaluator,
		scheduler:  sched,
		archive:    runArchive,
		dispatcher: dispatcher,
		bundle:     bundle,
		log:        log,
		telemetry:  opts.Telemetry,
	}, nil
}

// Store exposes the workflow store for external callers (import/export/CRUD).
func (e *Engine) Store() *workflow.Store { return e.store }

// Registry exposes the node registry (for hot-registering extension packs).
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Archive exposes the run archive (for history/stuck-run queries).
func (e *Engine) Archive() archive.Backend { return e.archive }

// Dispatcher exposes the trigger dispatcher (for event ingestion and ticks).
func (e *Engine) Dispatcher() *trigger.Dispatcher { return e.dispatcher }

// RunOptions carries the bookkeeping fields a run's RunSummary records.
type RunOptions struct {
	Input         map[string]interface{}
	Ancestry      []string
	TriggerEvent  string
	TriggerSource string
	TriggeredBy   string
	// RunID pins the run's id to a value the caller already committed to
	// (Dispatch hands this back before the run starts); empty lets
	// execctx.New generate one.
	RunID string
}

// RunSync loads workflowID, executes its DAG to completion against a fresh
// ExecutionContext, archives the terminal run, and returns its outcome
// (spec §2 "Data flow", §4.6). It is the method action.execute_workflow's
// sync mode calls recursively; the daemon in cmd/fleetengine starts its
// runs through RunWithCancel.
func (e *Engine) RunSync(ctx context.Context, workflowID string, input map[string]interface{}, ancestry []string) (nodes.SubRunResult, error) {
	return e.run(ctx, workflowID, RunOptions{Input: input, Ancestry: ancestry})
}

func (e *Engine) run(ctx context.Context, workflowID string, opts RunOptions) (nodes.SubRunResult, error) {
	runStart := time.Now()
	def, ok := e.store.Get(workflowID)
	if !ok {
		return nodes.SubRunResult{}, fmt.Errorf("workflow not found: %s", workflowID)
	}
	if !def.Enabled {
		return nodes.SubRunResult{}, fmt.Errorf("workflow %s is disabled", workflowID)
	}
	if err := def.ValidateTypes(e.registry.Known); err != nil {
		return nodes.SubRunResult{}, fmt.Errorf("workflow %s has unregistered node types: %w", workflowID, err)
	}

	ec := execctx.New(def.ID, def.Name, def.Variables, opts.Input)
	if opts.RunID != "" {
		ec.RunID = opts.RunID
	}
	if len(opts.Ancestry) > 0 {
		ec.SetAncestry(opts.Ancestry)
	}

	e.archive.RegisterActive(ec, def.ID, def.Name, len(def.Nodes), opts.TriggerEvent, opts.TriggerSource, opts.TriggeredBy)
	if e.telemetry != nil {
		e.telemetry.RecordEvent("run:start", map[string]any{"workflow_id": def.ID, "run_id": ec.RunID, "triggered_by": opts.TriggeredBy})
	}

	runErr := e.scheduler.Run(ctx, def, ec, e, nil)

	status := string(ec.Status())
	switch {
	case runErr == scheduler.ErrCancelled:
		status = string(execctx.WorkflowCancelled)
	case runErr != nil && status == string(execctx.WorkflowCompleted):
		status = string(execctx.WorkflowFailed)
	}

	if err := e.archive.Finalize(ec, def.ID, def.Name, len(def.Nodes), status, opts.TriggerEvent, opts.TriggerSource, opts.TriggeredBy); err != nil {
		e.log.Error("failed to finalize run", "run_id", ec.RunID, "error", err)
	}
	if e.telemetry != nil {
		e.telemetry.RecordDuration("workflow_run:"+def.ID, runStart)
		e.telemetry.RecordEvent("run:end", map[string]any{"workflow_id": def.ID, "run_id": ec.RunID, "status": status})
	}

	result := nodes.SubRunResult{RunID: ec.RunID, Status: status, ChildOutput: ec.NodeOutputs()}
	if runErr != nil {
		return result, fmt.Errorf("workflow %s run %s: %w", workflowID, ec.RunID, runErr)
	}
	return result, nil
}

// RunWithCancel is RunSync plus an external cancellation token (spec §5
// "Cancellation & timeout"), used by daemon callers that support aborting
// an in-flight run.
func (e *Engine) RunWithCancel(ctx context.Context, workflowID string, opts RunOptions, cancel *scheduler.CancelSignal) (nodes.SubRunResult, error) {
	runStart := time.Now()
	def, ok := e.store.Get(workflowID)
	if !ok {
		return nodes.SubRunResult{}, fmt.Errorf("workflow not found: %s", workflowID)
	}
	if !def.Enabled {
		return nodes.SubRunResult{}, fmt.Errorf("workflow %s is disabled", workflowID)
	}
	if err := def.ValidateTypes(e.registry.Known); err != nil {
		return nodes.SubRunResult{}, fmt.Errorf("workflow %s has unregistered node types: %w", workflowID, err)
	}

	ec := execctx.New(def.ID, def.Name, def.Variables, opts.Input)
	if opts.RunID != "" {
		ec.RunID = opts.RunID
	}
	if len(opts.Ancestry) > 0 {
		ec.SetAncestry(opts.Ancestry)
	}
	e.archive.RegisterActive(ec, def.ID, def.Name, len(def.Nodes), opts.TriggerEvent, opts.TriggerSource, opts.TriggeredBy)
	if e.telemetry != nil {
		e.telemetry.RecordEvent("run:start", map[string]any{"workflow_id": def.ID, "run_id": ec.RunID, "triggered_by": opts.TriggeredBy})
	}

	runErr := e.scheduler.Run(ctx, def, ec, e, cancel)

	status := string(ec.Status())
	if runErr == scheduler.ErrCancelled {
		status = string(execctx.WorkflowCancelled)
	} else if runErr != nil {
		status = string(execctx.WorkflowFailed)
	}
	if err := e.archive.Finalize(ec, def.ID, def.Name, len(def.Nodes), status, opts.TriggerEvent, opts.TriggerSource, opts.TriggeredBy); err != nil {
		e.log.Error("failed to finalize run", "run_id", ec.RunID, "error", err)
	}
	if e.telemetry != nil {
		e.telemetry.RecordDuration("workflow_run:"+def.ID, runStart)
		e.telemetry.RecordEvent("run:end", map[string]any{"workflow_id": def.ID, "run_id": ec.RunID, "status": status})
	}

	result := nodes.SubRunResult{RunID: ec.RunID, Status: status, ChildOutput: ec.NodeOutputs()}
	if runErr != nil {
		return result, fmt.Errorf("workflow %s run %s: %w", workflowID, ec.RunID, runErr)
	}
	return result, nil
}

// Dispatch fires workflowID asynchronously: it pre-allocates the child
// runId, starts the run on a background goroutine detached from ctx's
// caller (spec §4.6 "dispatch: enqueue and return immediately"), and
// returns the id right away.
func (e *Engine) Dispatch(ctx context.Context, workflowID string, input map[string]interface{}, ancestry []string) (string, error) {
	def, ok := e.store.Get(workflowID)
	if !ok {
		return "", fmt.Errorf("workflow not found: %s", workflowID)
	}

	runID := uuid.NewString()
	go func() {
		bgCtx := context.Background()
		opts := RunOptions{Input: input, Ancestry: ancestry, TriggeredBy: "action.execute_workflow", RunID: runID}
		if _, err := e.run(bgCtx, workflowID, opts); err != nil {
			e.log.Error("dispatched sub-workflow run failed", "workflow_id", def.ID, "run_id", runID, "error", err)
		}
	}()
	return runID, nil
}

// FireEvent evaluates the trigger dispatcher against (eventType, eventData)
// and runs every workflow it selects to fire, one after another and to
// completion before returning their run ids (spec §4.7, §2 "Data flow").
func (e *Engine) FireEvent(ctx context.Context, eventType string, eventData map[string]interface{}) ([]string, error) {
	fires, err := e.dispatcher.EvaluateTriggers(ctx, eventType, eventData)
	if err != nil {
		return nil, err
	}
	runIDs := make([]string, 0, len(fires))
	for _, f := range fires {
		result, runErr := e.run(ctx, f.WorkflowID, RunOptions{
			Input:         f.EventData,
			TriggerEvent:  eventType,
			TriggerSource: "event",
			TriggeredBy:   f.TriggeredBy,
		})
		if runErr != nil {
			e.log.Error("triggered run failed", "workflow_id", f.WorkflowID, "error", runErr)
		}
		runIDs = append(runIDs, result.RunID)
	}
	return runIDs, nil
}
