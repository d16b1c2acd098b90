package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lyzr/fleetengine/internal/execctx"
	"github.com/lyzr/fleetengine/internal/expr"
	"github.com/lyzr/fleetengine/internal/registry"
	"github.com/lyzr/fleetengine/internal/workflow"
)

func newTestScheduler(t *testing.T, reg *registry.Registry) *Scheduler {
	t.Helper()
	evaluator, err := expr.NewEvaluator()
	require.NoError(t, err)
	return New(reg, evaluator, Options{MaxConcurrentBranches: 8}, nil)
}

func manualWorkflow(id string, nodes []workflow.Node, edges []workflow.Edge) *workflow.Definition {
	return &workflow.Definition{ID: id, Name: id, Enabled: true, Nodes: nodes, Edges: edges}
}

// test.flaky_second_try fails once then succeeds (spec §8 scenario 1).
type flakySecondTry struct {
	mu    sync.Mutex
	calls map[string]int
}

func (h *flakySecondTry) Execute(ctx context.Context, rc registry.ResolvedCall) (interface{}, error) {
	h.mu.Lock()
	if h.calls == nil {
		h.calls = make(map[string]int)
	}
	h.calls[rc.NodeID]++
	n := h.calls[rc.NodeID]
	h.mu.Unlock()
	if n == 1 {
		return nil, fmt.Errorf("flaky failure on first attempt")
	}
	return map[string]interface{}{"ok": true}, nil
}

func (h *flakySecondTry) callCount(nodeID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[nodeID]
}

// test.always_fail always errors (spec §8 scenario 2).
type alwaysFail struct {
	mu    sync.Mutex
	calls int
}

func (h *alwaysFail) Execute(ctx context.Context, rc registry.ResolvedCall) (interface{}, error) {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()
	return nil, fmt.Errorf("always fails")
}

func execContextOf(rc registry.ResolvedCall) (*execctx.Context, error) {
	ec, ok := rc.ExecContext.(*execctx.Context)
	if !ok {
		return nil, fmt.Errorf("not an execctx.Context")
	}
	return ec, nil
}

type passThroughHandler struct {
	out map[string]interface{}
}

func (h *passThroughHandler) Execute(ctx context.Context, rc registry.ResolvedCall) (interface{}, error) {
	return h.out, nil
}

func TestRun_RetryUntilSuccess(t *testing.T) {
	reg := registry.New()
	reg.Register("trigger.manual", &passThroughHandler{out: map[string]interface{}{}})
	flaky := &flakySecondTry{}
	reg.Register("test.flaky_second_try", flaky)

	def := manualWorkflow("wf-retry", []workflow.Node{
		{ID: "start", Type: "trigger.manual"},
		{ID: "flaky", Type: "test.flaky_second_try", Config: map[string]interface{}{"maxRetries": 3, "retryDelayMs": 0}},
	}, []workflow.Edge{
		{ID: "e1", Source: "start", Target: "flaky"},
	})

	ec := execctx.New(def.ID, def.Name, nil, nil)
	s := newTestScheduler(t, reg)
	err := s.Run(context.Background(), def, ec, nil, nil)

	require.NoError(t, err)
	require.Equal(t, 2, flaky.callCount("flaky"))
	require.Empty(t, ec.Errors())
	require.Equal(t, execctx.StatusCompleted, ec.NodeStatus("flaky"))

	retryEvents := 0
	for _, l := range ec.Logs() {
		if l.NodeID == "flaky" && l.Level == "warn" {
			retryEvents++
		}
	}
	require.Equal(t, 1, retryEvents)
}

func TestRun_RetryExhaustion(t *testing.T) {
	reg := registry.New()
	reg.Register("trigger.manual", &passThroughHandler{out: map[string]interface{}{}})
	fail := &alwaysFail{}
	reg.Register("test.always_fail", fail)

	def := manualWorkflow("wf-fail", []workflow.Node{
		{ID: "start", Type: "trigger.manual"},
		{ID: "fail", Type: "test.always_fail", Config: map[string]interface{}{"maxRetries": 2, "retryDelayMs": 0}},
	}, []workflow.Edge{
		{ID: "e1", Source: "start", Target: "fail"},
	})

	ec := execctx.New(def.ID, def.Name, nil, nil)
	s := newTestScheduler(t, reg)
	err := s.Run(context.Background(), def, ec, nil, nil)

	require.ErrorIs(t, err, ErrAborted)
	require.Equal(t, 3, fail.calls)
	require.Equal(t, execctx.StatusFailed, ec.NodeStatus("fail"))
	require.Len(t, ec.Errors(), 1)
}

func TestRun_LoopFanOut(t *testing.T) {
	reg := registry.New()
	reg.Register("trigger.manual", &passThroughHandler{out: map[string]interface{}{}})
	reg.Register("loop.for_each", &forEachTestHandler{})

	var mu sync.Mutex
	var collected []interface{}
	reg.Register("test.collect_item", registry.HandlerFunc(func(ctx context.Context, rc registry.ResolvedCall) (interface{}, error) {
		ec, err := execContextOf(rc)
		if err != nil {
			return nil, err
		}
		v, _ := ec.Data()["item"]
		mu.Lock()
		collected = append(collected, v)
		mu.Unlock()
		return map[string]interface{}{"item": v}, nil
	}))

	def := manualWorkflow("wf-loop", []workflow.Node{
		{ID: "start", Type: "trigger.manual"},
		{ID: "loop", Type: "loop.for_each", Config: map[string]interface{}{"items": []interface{}{"a", "b", "c"}, "variable": "item"}},
		{ID: "collect", Type: "test.collect_item"},
	}, []workflow.Edge{
		{ID: "e1", Source: "start", Target: "loop"},
		{ID: "e2", Source: "loop", Target: "collect"},
	})

	ec := execctx.New(def.ID, def.Name, nil, nil)
	s := newTestScheduler(t, reg)
	err := s.Run(context.Background(), def, ec, nil, nil)

	require.NoError(t, err)
	require.Equal(t, []interface{}{"a", "b", "c"}, collected)

	iterationLogs := 0
	for _, l := range ec.Logs() {
		if l.NodeID == "loop" && strings.HasPrefix(l.Message, "loop:iteration") {
			iterationLogs++
		}
	}
	require.Equal(t, 3, iterationLogs)
}

// forEachTestHandler mirrors internal/nodes' loop.for_each so the
// scheduler package's tests stay self-contained and do not import
// internal/nodes.
type forEachTestHandler struct{}

func (h *forEachTestHandler) Execute(ctx context.Context, rc registry.ResolvedCall) (interface{}, error) {
	items, _ := rc.Config["items"].([]interface{})
	variable, _ := rc.Config["variable"].(string)
	return map[string]interface{}{"items": items, "variable": variable}, nil
}

func TestRun_SourcePortRouting(t *testing.T) {
	reg := registry.New()
	reg.Register("trigger.manual", &passThroughHandler{out: map[string]interface{}{}})
	reg.Register("condition.switch", registry.HandlerFunc(func(ctx context.Context, rc registry.ResolvedCall) (interface{}, error) {
		return map[string]interface{}{"value": "left", "matchedPort": "L"}, nil
	}))

	var mu sync.Mutex
	leftRan, rightRan := false, false
	reg.Register("test.left", registry.HandlerFunc(func(ctx context.Context, rc registry.ResolvedCall) (interface{}, error) {
		mu.Lock()
		leftRan = true
		mu.Unlock()
		return nil, nil
	}))
	reg.Register("test.right", registry.HandlerFunc(func(ctx context.Context, rc registry.ResolvedCall) (interface{}, error) {
		mu.Lock()
		rightRan = true
		mu.Unlock()
		return nil, nil
	}))

	def := manualWorkflow("wf-switch", []workflow.Node{
		{ID: "start", Type: "trigger.manual"},
		{ID: "switch", Type: "condition.switch", Config: map[string]interface{}{"value": "'left'", "cases": map[string]interface{}{"left": "L", "right": "R"}}},
		{ID: "leftNode", Type: "test.left"},
		{ID: "rightNode", Type: "test.right"},
	}, []workflow.Edge{
		{ID: "e1", Source: "start", Target: "switch"},
		{ID: "e2", Source: "switch", Target: "leftNode", SourcePort: "L"},
		{ID: "e3", Source: "switch", Target: "rightNode", SourcePort: "R"},
	})

	ec := execctx.New(def.ID, def.Name, nil, nil)
	s := newTestScheduler(t, reg)
	err := s.Run(context.Background(), def, ec, nil, nil)

	require.NoError(t, err)
	mu.Lock()
	require.True(t, leftRan)
	require.False(t, rightRan)
	mu.Unlock()
	// rightNode's in-degree never reaches zero (its only edge is ignored
	// by port routing), so the scheduler marks it skipped at terminal
	// state rather than ever running it (spec §8 I1).
	require.Equal(t, execctx.StatusSkipped, ec.NodeStatus("rightNode"))
}

func TestRun_TemplateWithTypedValue(t *testing.T) {
	reg := registry.New()
	reg.Register("trigger.manual", &passThroughHandler{out: map[string]interface{}{}})

	var received interface{}
	reg.Register("test.typed", registry.HandlerFunc(func(ctx context.Context, rc registry.ResolvedCall) (interface{}, error) {
		received = rc.Config["count"]
		return nil, nil
	}))

	def := &workflow.Definition{
		ID: "wf-typed", Name: "wf-typed", Enabled: true,
		Variables: map[string]interface{}{"n": 42},
		Nodes: []workflow.Node{
			{ID: "start", Type: "trigger.manual"},
			{ID: "typed", Type: "test.typed", Config: map[string]interface{}{"count": "{{n}}"}},
		},
		Edges: []workflow.Edge{{ID: "e1", Source: "start", Target: "typed"}},
	}

	ec := execctx.New(def.ID, def.Name, def.Variables, nil)
	s := newTestScheduler(t, reg)
	err := s.Run(context.Background(), def, ec, nil, nil)

	require.NoError(t, err)
	require.Equal(t, 42, received)
}

func TestRun_EveryNodeTerminal(t *testing.T) {
	// spec §8 I1: completed + failed + skipped == nodeCount at terminal state.
	reg := registry.New()
	reg.Register("trigger.manual", &passThroughHandler{out: map[string]interface{}{}})
	reg.Register("condition.switch", registry.HandlerFunc(func(ctx context.Context, rc registry.ResolvedCall) (interface{}, error) {
		return map[string]interface{}{"matchedPort": "L"}, nil
	}))
	reg.Register("test.noop", registry.HandlerFunc(func(ctx context.Context, rc registry.ResolvedCall) (interface{}, error) {
		return nil, nil
	}))

	def := manualWorkflow("wf-terminal", []workflow.Node{
		{ID: "start", Type: "trigger.manual"},
		{ID: "switch", Type: "condition.switch"},
		{ID: "leftNode", Type: "test.noop"},
		{ID: "rightNode", Type: "test.noop"},
	}, []workflow.Edge{
		{ID: "e1", Source: "start", Target: "switch"},
		{ID: "e2", Source: "switch", Target: "leftNode", SourcePort: "L"},
		{ID: "e3", Source: "switch", Target: "rightNode", SourcePort: "R"},
	})

	ec := execctx.New(def.ID, def.Name, nil, nil)
	s := newTestScheduler(t, reg)
	require.NoError(t, s.Run(context.Background(), def, ec, nil, nil))

	completed, failed, skipped := 0, 0, 0
	for _, n := range def.Nodes {
		switch ec.NodeStatus(n.ID) {
		case execctx.StatusCompleted:
			completed++
		case execctx.StatusFailed:
			failed++
		case execctx.StatusSkipped:
			skipped++
		}
	}
	require.Equal(t, len(def.Nodes), completed+failed+skipped)
}

func TestRun_TimerAlwaysCleared(t *testing.T) {
	// spec §4.6 step 4: the timeout timer must be cleared on every code
	// path. We can't observe the timer directly, but a node that completes
	// well inside its timeout must not leave the run waiting on it.
	reg := registry.New()
	reg.Register("trigger.manual", &passThroughHandler{out: map[string]interface{}{}})
	reg.Register("test.fast", registry.HandlerFunc(func(ctx context.Context, rc registry.ResolvedCall) (interface{}, error) {
		return map[string]interface{}{"done": true}, nil
	}))

	def := manualWorkflow("wf-timer", []workflow.Node{
		{ID: "start", Type: "trigger.manual"},
		{ID: "fast", Type: "test.fast", Config: map[string]interface{}{"timeoutMs": 50}},
	}, []workflow.Edge{{ID: "e1", Source: "start", Target: "fast"}})

	ec := execctx.New(def.ID, def.Name, nil, nil)
	s := newTestScheduler(t, reg)
	done := make(chan struct{})
	go func() {
		_ = s.Run(context.Background(), def, ec, nil, nil)
		close(done)
	}()
	select {
	case <-done:
	case <-ctxTimeout():
		t.Fatal("run did not complete promptly; a timer may have leaked")
	}
	require.Equal(t, execctx.StatusCompleted, ec.NodeStatus("fast"))
}

func ctxTimeout() <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		<-time.After(5 * time.Second)
		close(ch)
	}()
	return ch
}

func TestRun_PushBranchRefusesProtected(t *testing.T) {
	// spec §8 I8, scenario 6 — exercised here with a stand-in handler that
	// mirrors action.push_branch's protected-branch check (internal/nodes has
	// no tests of its own); it confirms a refused protected-branch push does
	// not abort the run, since the handler reports the refusal as output
	// rather than returning an error.
	reg := registry.New()
	reg.Register("trigger.manual", &passThroughHandler{out: map[string]interface{}{}})
	reg.Register("action.push_branch", registry.HandlerFunc(func(ctx context.Context, rc registry.ResolvedCall) (interface{}, error) {
		branch, _ := rc.Config["branch"].(string)
		protected := map[string]bool{"main": true, "master": true, "develop": true, "production": true}
		if protected[branch] {
			return map[string]interface{}{"success": false, "pushed": false, "error": "Protected branch"}, nil
		}
		return map[string]interface{}{"success": true, "pushed": true}, nil
	}))

	def := manualWorkflow("wf-push", []workflow.Node{
		{ID: "start", Type: "trigger.manual"},
		{ID: "push", Type: "action.push_branch", Config: map[string]interface{}{"branch": "main"}},
	}, []workflow.Edge{{ID: "e1", Source: "start", Target: "push"}})

	ec := execctx.New(def.ID, def.Name, nil, nil)
	s := newTestScheduler(t, reg)
	require.NoError(t, s.Run(context.Background(), def, ec, nil, nil))

	out, ok := ec.GetNodeOutput("push")
	require.True(t, ok)
	m := out.(map[string]interface{})
	require.Equal(t, false, m["success"])
	require.Equal(t, false, m["pushed"])
}

func TestRun_DeterministicReplay(t *testing.T) {
	// spec §8 L2: a workflow with no I/O nodes run twice with identical
	// input yields identical nodeOutputs (ignoring timestamps/runId).
	reg := registry.New()
	reg.Register("trigger.manual", &passThroughHandler{out: map[string]interface{}{}})
	reg.Register("test.pure", registry.HandlerFunc(func(ctx context.Context, rc registry.ResolvedCall) (interface{}, error) {
		return map[string]interface{}{"value": 7}, nil
	}))

	def := manualWorkflow("wf-pure", []workflow.Node{
		{ID: "start", Type: "trigger.manual"},
		{ID: "pure", Type: "test.pure"},
	}, []workflow.Edge{{ID: "e1", Source: "start", Target: "pure"}})

	s := newTestScheduler(t, reg)

	ec1 := execctx.New(def.ID, def.Name, nil, nil)
	require.NoError(t, s.Run(context.Background(), def, ec1, nil, nil))
	ec2 := execctx.New(def.ID, def.Name, nil, nil)
	require.NoError(t, s.Run(context.Background(), def, ec2, nil, nil))

	require.Equal(t, ec1.NodeOutputs(), ec2.NodeOutputs())
}
