// Package scheduler implements the DAG Scheduler (spec §4.6): bounded-
// parallel execution of a workflow's node graph with in-degree tracking, a
// ready-set, per-node retry/backoff/timeout, source-port routing, edge-
// condition gating, and loop fan-out. Grounded in the teacher's control-flow
// logic (cmd/workflow-runner/operators/control_flow.go's BranchOperator /
// LoopOperator rule-evaluation order and cmd/workflow-runner/coordinator's
// routeToNextNodes / absorber-node handling) but reshaped from Redis-stream
// choreography across worker processes into one in-process bounded-parallel
// loop, since the specification calls for a single-process embeddable engine
// rather than a distributed worker fleet.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lyzr/fleetengine/common/logger"
	"github.com/lyzr/fleetengine/internal/execctx"
	"github.com/lyzr/fleetengine/internal/expr"
	"github.com/lyzr/fleetengine/internal/registry"
	"github.com/lyzr/fleetengine/internal/template"
	"github.com/lyzr/fleetengine/internal/workflow"
)

// Options bounds the scheduler's runtime behavior (spec §6 config table).
type Options struct {
	MaxConcurrentBranches int
	NodeMaxRetries        int
	NodeTimeoutMS         int
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrentBranches <= 0 {
		o.MaxConcurrentBranches = 8
	}
	if o.NodeMaxRetries < 0 {
		o.NodeMaxRetries = 3
	}
	if o.NodeTimeoutMS <= 0 {
		o.NodeTimeoutMS = 600_000
	}
	return o
}

// Scheduler runs one workflow.Definition's DAG to completion against an
// execctx.Context.
type Scheduler struct {
	registry  *registry.Registry
	evaluator *expr.Evaluator
	opts      Options
	log       *logger.Logger
}

// New creates a Scheduler bound to reg and evaluator, with opts clamped to
// sane defaults.
func New(reg *registry.Registry, evaluator *expr.Evaluator, opts Options, log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.Nop()
	}
	return &Scheduler{registry: reg, evaluator: evaluator, opts: opts.withDefaults(), log: log}
}

// CancelSignal is the cancellation-aware token a run observes (spec §5
// "Cancellation & timeout"): engine callers create one per run and fire
// Cancel() to request the run transition to cancelled.
type CancelSignal struct {
	mu   sync.Mutex
	ch   chan struct{}
	once bool
}

// NewCancelSignal creates an unfired cancellation token.
func NewCancelSignal() *CancelSignal {
	return &CancelSignal{ch: make(chan struct{})}
}

// Cancel fires the token; safe to call more than once.
func (c *CancelSignal) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.once {
		c.once = true
		close(c.ch)
	}
}

// Done returns a channel closed once Cancel has fired.
func (c *CancelSignal) Done() <-chan struct{} { return c.ch }

// Cancelled reports whether the token has fired.
func (c *CancelSignal) Cancelled() bool {
	select {
	case <-c.ch:
		return true
	default:
		return false
	}
}

// ErrAborted is returned by Run when the workflow finished with a hard node
// failure (or any node left in ec.Errors()); ErrCancelled when an external
// CancelSignal fired mid-run.
var (
	ErrAborted   = fmt.Errorf("workflow run aborted: one or more nodes failed")
	ErrCancelled = fmt.Errorf("workflow run cancelled")
)

type nodeResult struct {
	nodeID      string
	hardFailure bool
}

// Run executes def's DAG against ec. engine is threaded through to
// registry.ResolvedCall.Engine verbatim, opaque to the scheduler itself,
// for handlers that dispatch sub-workflows (action.execute_workflow).
// cancel may be nil for runs that never need external cancellation.
func (s *Scheduler) Run(ctx context.Context, def *workflow.Definition, ec *execctx.Context, engine interface{}, cancel *CancelSignal) error {
	entries := def.EntryNodes()
	if len(entries) == 0 {
		return fmt.Errorf("workflow %s has no entry node", def.ID)
	}

	inDegree := make(map[string]int, len(def.Nodes))
	for _, n := range def.Nodes {
		inDegree[n.ID] = 0
	}
	for _, e := range def.Edges {
		inDegree[e.Target]++
	}

	ready := make([]string, 0, len(entries))
	for _, n := range entries {
		ready = append(ready, n.ID)
	}
	sort.Strings(ready)

	// executed tracks every node the scheduler has stopped waiting on,
	// whether it actually ran (completed/failed) or was routed around
	// (skipped by port/condition gating).
	executed := make(map[string]bool, len(def.Nodes))
	aborted := false

	for len(ready) > 0 && !aborted {
		if cancel != nil && cancel.Cancelled() {
			s.skipRemaining(def, ec, executed)
			return ErrCancelled
		}

		batchSize := len(ready)
		if batchSize > s.opts.MaxConcurrentBranches {
			batchSize = s.opts.MaxConcurrentBranches
		}
		batch := ready[:batchSize]
		ready = ready[batchSize:]

		g, gctx := errgroup.WithContext(ctx)
		results := make([]nodeResult, len(batch))
		for i, nodeID := range batch {
			i, nodeID := i, nodeID
			g.Go(func() error {
				node, _ := def.NodeByID(nodeID)
				results[i] = s.executeNode(gctx, node, ec, engine, cancel)
				return nil // a single node's failure never aborts its siblings' errgroup
			})
		}
		_ = g.Wait()

		queue := make([]string, 0, len(results))
		for _, res := range results {
			executed[res.nodeID] = true
			if res.hardFailure {
				aborted = true
			}
			queue = append(queue, res.nodeID)
		}

		// Drain newly-completed nodes, including the synthetic
		// completions loop fan-out manufactures for its direct
		// downstream targets, cascading propagation until nothing
		// more unblocks (spec §4.6 "Loop fan-out").
		for len(queue) > 0 && !aborted {
			nodeID := queue[0]
			queue = queue[1:]

			node, _ := def.NodeByID(nodeID)
			if node != nil && node.Type == "loop.for_each" && ec.NodeStatus(nodeID) == execctx.StatusCompleted {
				synthetic, err := s.runLoopFanOut(ctx, def, node, ec, engine, cancel)
				if err != nil {
					ec.Error(nodeID, err)
					aborted = true
					break
				}
				for _, sid := range synthetic {
					if !executed[sid] {
						executed[sid] = true
						queue = append(queue, sid)
					}
				}
			}

			unblocked := s.propagate(def, ec, nodeID, inDegree, executed)
			for _, id := range unblocked {
				if !executed[id] {
					ready = append(ready, id)
				}
			}
		}
		sort.Strings(ready)
	}

	s.skipRemaining(def, ec, executed)

	if aborted || len(ec.Errors()) > 0 {
		return ErrAborted
	}
	return nil
}

// skipRemaining marks every node the scheduler never reached as skipped
// (spec I1: completed+failed+skipped must equal nodeCount at terminal
// state).
func (s *Scheduler) skipRemaining(def *workflow.Definition, ec *execctx.Context, executed map[string]bool) {
	for _, n := range def.Nodes {
		if !executed[n.ID] {
			ec.SetNodeStatus(n.ID, execctx.StatusSkipped)
			executed[n.ID] = true
		}
	}
}

// propagate applies source-port routing and edge-condition gating to
// nodeID's outgoing edges (spec §4.6 "Edge gating") and returns the ids of
// downstream nodes whose in-degree just reached zero.
func (s *Scheduler) propagate(def *workflow.Definition, ec *execctx.Context, nodeID string, inDegree map[string]int, executed map[string]bool) []string {
	output, _ := ec.GetNodeOutput(nodeID)
	status := ec.NodeStatus(nodeID)
	matchedPort, hasPort := matchedPortOf(output)

	var unblocked []string
	for _, e := range def.OutgoingEdges(nodeID) {
		if hasPort && e.EffectiveSourcePort() != matchedPort {
			continue // not taken, not skipped (spec: "others are ignored")
		}

		if e.Condition != "" {
			resolved := template.Resolve(e.Condition, ec)
			condStr, ok := resolved.(string)
			if !ok {
				condStr = e.Condition
			}
			passed := s.evaluator.EvaluateEdgeCondition(condStr, expr.Bindings{
				Output:        output,
				Data:          ec.Data(),
				Status:        string(status),
				GetNodeOutput: ec.GetNodeOutput,
			})
			if !passed {
				if !executed[e.Target] {
					ec.SetNodeStatus(e.Target, execctx.StatusSkipped)
					executed[e.Target] = true
				}
				continue
			}
		}

		if _, ok := inDegree[e.Target]; !ok {
			continue
		}
		inDegree[e.Target]--
		if inDegree[e.Target] == 0 {
			unblocked = append(unblocked, e.Target)
		}
	}
	return unblocked
}

// directTargets returns the deduplicated targets of nodeID's outgoing
// edges after source-port routing (no condition gating — loop fan-out
// executes its direct downstream body unconditionally, per spec §4.6).
func directTargets(def *workflow.Definition, nodeID string, output interface{}) []string {
	matchedPort, hasPort := matchedPortOf(output)
	seen := make(map[string]bool)
	var out []string
	for _, e := range def.OutgoingEdges(nodeID) {
		if hasPort && e.EffectiveSourcePort() != matchedPort {
			continue
		}
		if !seen[e.Target] {
			seen[e.Target] = true
			out = append(out, e.Target)
		}
	}
	return out
}

// runLoopFanOut implements spec §4.6 "Loop fan-out": for a completed
// loop.for_each node exposing items/variable, fork the context per item,
// run every direct downstream target within the fork, collect per-iteration
// data, merge fork logs/errors back, then mark each direct downstream
// completed in the parent with a synthetic output so the scheduler can
// continue past the loop body in normal order.
func (s *Scheduler) runLoopFanOut(ctx context.Context, def *workflow.Definition, node *workflow.Node, ec *execctx.Context, engine interface{}, cancel *CancelSignal) ([]string, error) {
	output, _ := ec.GetNodeOutput(node.ID)
	m, ok := output.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("loop node %s output is not an object", node.ID)
	}
	itemsRaw, _ := m["items"].([]interface{})
	variable, _ := m["variable"].(string)
	if variable == "" {
		return nil, fmt.Errorf("loop node %s output missing variable name", node.ID)
	}

	targets := directTargets(def, node.ID, output)
	if len(targets) == 0 {
		return nil, nil
	}

	results := make([]map[string]interface{}, 0, len(itemsRaw))
	for i, item := range itemsRaw {
		fork := ec.Fork(map[string]interface{}{
			variable:     item,
			"_loopIndex": i,
			"_loopTotal": len(itemsRaw),
		})
		ec.Log(node.ID, fmt.Sprintf("loop:iteration index=%d total=%d", i, len(itemsRaw)), "info")

		for _, targetID := range targets {
			tnode, ok := def.NodeByID(targetID)
			if !ok {
				continue
			}
			res := s.executeNode(ctx, tnode, fork, engine, cancel)
			if res.hardFailure {
				ec.MergeFrom(fork)
				return nil, fmt.Errorf("loop iteration %d failed at node %s", i, targetID)
			}
		}

		results = append(results, fork.Data())
		ec.MergeFrom(fork)
	}

	syntheticOutput := map[string]interface{}{"_loopResults": results, "iterations": len(itemsRaw)}
	for _, targetID := range targets {
		ec.SetNodeOutput(targetID, syntheticOutput)
		ec.SetNodeStatus(targetID, execctx.StatusCompleted)
	}
	return targets, nil
}

// matchedPortOf extracts a node output's matchedPort/port field, if any
// (spec §4.6 "Source-port routing").
func matchedPortOf(output interface{}) (string, bool) {
	m, ok := output.(map[string]interface{})
	if !ok {
		return "", false
	}
	if v, ok := m["matchedPort"]; ok {
		if s, ok := v.(string); ok {
			return s, true
		}
	}
	if v, ok := m["port"]; ok {
		if s, ok := v.(string); ok {
			return s, true
		}
	}
	return "", false
}

// executeNode runs node.ID's retry loop to a terminal status (spec §4.6
// "Per-node execution").
func (s *Scheduler) executeNode(ctx context.Context, node *workflow.Node, ec *execctx.Context, engine interface{}, cancel *CancelSignal) nodeResult {
	nodeID := node.ID
	ec.SetNodeStatus(nodeID, execctx.StatusRunning)
	ec.Log(nodeID, "node:start", "info")

	if !s.registry.Known(node.Type) {
		err := fmt.Errorf("no handler registered for node type %q", node.Type)
		ec.Error(nodeID, err)
		ec.SetNodeStatus(nodeID, execctx.StatusFailed)
		ec.Log(nodeID, "node:error", "error")
		return nodeResult{nodeID: nodeID, hardFailure: true}
	}

	resolved, _ := template.Resolve(node.Config, ec).(map[string]interface{})
	if resolved == nil {
		resolved = map[string]interface{}{}
	}

	maxRetries := s.resolveMaxRetries(resolved)
	retryDelayBase := resolveInt(resolved, workflow.ConfigRetryDelayMS, 1000)
	timeoutMs := s.resolveTimeoutMs(resolved)

	attempt := 0
	var lastErr error
	var output interface{}

	for {
		attempt++
		out, err := s.invokeWithTimeout(ctx, node, resolved, ec, engine, timeoutMs)
		if err == nil {
			output = out
			lastErr = nil
			break
		}
		lastErr = err

		retriesUsed := attempt - 1
		if retriesUsed >= maxRetries {
			break
		}

		ec.IncrementRetry(nodeID)
		backoff := backoffDelay(retryDelayBase, attempt)
		ec.Log(nodeID, fmt.Sprintf("node:retry attempt=%d maxRetries=%d backoffMs=%d", attempt, maxRetries, backoff), "warn")

		if !s.sleepOrCancel(backoff, cancel) {
			ec.SetNodeStatus(nodeID, execctx.StatusFailed)
			ec.Error(nodeID, fmt.Errorf("node %s cancelled during retry backoff", nodeID))
			return nodeResult{nodeID: nodeID, hardFailure: true}
		}
		ec.SetNodeStatus(nodeID, execctx.StatusRunning)
	}

	if lastErr == nil {
		ec.SetNodeOutput(nodeID, output)
		ec.SetNodeStatus(nodeID, execctx.StatusCompleted)
		ec.Log(nodeID, "node:complete", "info")
		return nodeResult{nodeID: nodeID}
	}

	ec.Error(nodeID, lastErr)
	ec.SetNodeStatus(nodeID, execctx.StatusFailed)
	ec.Log(nodeID, "node:error", "error")

	if continueOnError(resolved) {
		ec.SetNodeOutput(nodeID, map[string]interface{}{"error": lastErr.Error(), "_failed": true})
		return nodeResult{nodeID: nodeID}
	}
	return nodeResult{nodeID: nodeID, hardFailure: true}
}

// sleepOrCancel sleeps for ms milliseconds, returning false early if cancel
// fires first.
func (s *Scheduler) sleepOrCancel(ms int, cancel *CancelSignal) bool {
	if ms <= 0 {
		if cancel != nil && cancel.Cancelled() {
			return false
		}
		return true
	}
	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()
	if cancel == nil {
		<-timer.C
		return true
	}
	select {
	case <-timer.C:
		return true
	case <-cancel.Done():
		return false
	}
}

type invokeResult struct {
	out interface{}
	err error
}

// invokeWithTimeout races the node's handler against a timeout timer,
// always clearing the timer on completion (spec §4.6 step 4: "The timeout
// timer is always cleared on completion — leaking timers is a
// test-verifiable defect").
func (s *Scheduler) invokeWithTimeout(ctx context.Context, node *workflow.Node, resolved map[string]interface{}, ec *execctx.Context, engine interface{}, timeoutMs int) (interface{}, error) {
	rc := registry.ResolvedCall{
		NodeID:      node.ID,
		NodeType:    node.Type,
		Config:      resolved,
		ExecContext: ec,
		Engine:      engine,
	}

	hctx, cancel := context.WithCancel(ctx)
	defer cancel()

	resultCh := make(chan invokeResult, 1)
	go func() {
		out, err := s.registry.Execute(hctx, rc)
		resultCh <- invokeResult{out: out, err: err}
	}()

	timer := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
	defer timer.Stop()

	select {
	case res := <-resultCh:
		return res.out, res.err
	case <-timer.C:
		cancel()
		return nil, fmt.Errorf("node %s timed out after %dms", node.ID, timeoutMs)
	}
}

func (s *Scheduler) resolveMaxRetries(cfg map[string]interface{}) int {
	if v, ok := cfg[workflow.ConfigRetryable]; ok {
		if b, ok := v.(bool); ok && !b {
			return 0
		}
	}
	if n, ok := toInt(cfg[workflow.ConfigMaxRetries]); ok {
		return n
	}
	return s.opts.NodeMaxRetries
}

func (s *Scheduler) resolveTimeoutMs(cfg map[string]interface{}) int {
	for _, key := range []string{workflow.ConfigTimeout, workflow.ConfigTimeoutMS} {
		if n, ok := toInt(cfg[key]); ok && n > 0 {
			return n
		}
	}
	return s.opts.NodeTimeoutMS
}

func resolveInt(cfg map[string]interface{}, key string, fallback int) int {
	if n, ok := toInt(cfg[key]); ok {
		return n
	}
	return fallback
}

func continueOnError(cfg map[string]interface{}) bool {
	v, ok := cfg[workflow.ConfigContinueOnError]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// backoffDelay computes min(base * 2^(attempt-1), 30000) per spec §4.6
// step 3.
func backoffDelay(base, attempt int) int {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= 30000 {
			return 30000
		}
	}
	if d > 30000 {
		d = 30000
	}
	if d < 0 {
		d = 30000
	}
	return d
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}
