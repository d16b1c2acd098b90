package execctx

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNew_SeedsDataFromVariablesThenInputThenReserved(t *testing.T) {
	vars := map[string]interface{}{"a": 1, "b": "from-var"}
	input := map[string]interface{}{"b": "from-input"}

	ec := New("wf-1", "Workflow One", vars, input)

	require.Equal(t, 1, ec.Data()["a"])
	require.Equal(t, "from-input", ec.Data()["b"], "input overrides workflow variable defaults")
	require.Equal(t, "wf-1", ec.Data()["_workflowId"])
	require.Equal(t, "Workflow One", ec.Data()["_workflowName"])
	require.NotEmpty(t, ec.RunID)
}

func TestSetNodeStatus_AppendsEvent(t *testing.T) {
	ec := New("wf-1", "w", nil, nil)
	ec.SetNodeStatus("n1", StatusRunning)
	ec.SetNodeStatus("n1", StatusCompleted)

	events := ec.StatusEvents()
	require.Len(t, events, 2)
	require.Equal(t, StatusRunning, events[0].Status)
	require.Equal(t, StatusCompleted, events[1].Status)
	require.Equal(t, StatusCompleted, ec.NodeStatus("n1"))
}

func TestNodeStatus_DefaultsToPending(t *testing.T) {
	ec := New("wf-1", "w", nil, nil)
	require.Equal(t, StatusPending, ec.NodeStatus("never-touched"))
}

func TestStatus_CompletedIffErrorsEmpty(t *testing.T) {
	ec := New("wf-1", "w", nil, nil)
	require.Equal(t, WorkflowCompleted, ec.Status())

	ec.Error("n1", fmt.Errorf("boom"))
	require.Equal(t, WorkflowFailed, ec.Status())
}

func TestFork_MutationsDoNotLeakToParentExceptViaMergeFrom(t *testing.T) {
	parent := New("wf-1", "w", map[string]interface{}{"n": 1}, nil)
	parent.SetNodeOutput("upstream", "upstream-output")

	fork := parent.Fork(map[string]interface{}{"item": "a", "_loopIndex": 0})

	require.Equal(t, "a", fork.Data()["item"])
	require.Equal(t, 1, fork.Data()["n"])
	out, ok := fork.GetNodeOutput("upstream")
	require.True(t, ok)
	require.Equal(t, "upstream-output", out)

	fork.SetData("item", "mutated-in-fork")
	fork.SetNodeOutput("child", "child-output")
	fork.Log("child", "did work", "info")
	fork.Error("child", fmt.Errorf("fork failure"))

	// Parent is untouched by the fork's mutations.
	require.NotContains(t, parent.Data(), "item")
	_, ok = parent.GetNodeOutput("child")
	require.False(t, ok)
	require.Empty(t, parent.Logs())
	require.Empty(t, parent.Errors())

	parent.MergeFrom(fork)
	require.Len(t, parent.Logs(), 1)
	require.Len(t, parent.Errors(), 1)
	require.Equal(t, WorkflowFailed, parent.Status())
}

func TestAncestry_ExtendsWithoutMutatingOriginal(t *testing.T) {
	ec := New("wf-1", "w", nil, nil)
	ec.SetAncestry([]string{"root"})

	extended := ec.WithAncestry("child")
	require.Equal(t, []string{"root", "child"}, extended)
	require.Equal(t, []string{"root"}, ec.Ancestry(), "WithAncestry must not mutate the receiver's own chain")
}

func TestLastLogAt_LastProgressAt_ZeroUntilRecorded(t *testing.T) {
	ec := New("wf-1", "w", nil, nil)
	require.True(t, ec.LastLogAt().IsZero())
	require.True(t, ec.LastProgressAt().IsZero())

	ec.SetNodeStatus("n1", StatusRunning)
	ec.Log("n1", "hello", "info")

	require.False(t, ec.LastLogAt().IsZero())
	require.False(t, ec.LastProgressAt().IsZero())
}

func TestToJSON_IncludesEndedAtOnlyWhenProvided(t *testing.T) {
	ec := New("wf-1", "w", nil, nil)
	live := ec.ToJSON(nil)
	_, hasEnded := live["endedAt"]
	require.False(t, hasEnded)

	ended := time.Now()
	final := ec.ToJSON(&ended)
	_, hasEnded = final["endedAt"]
	require.True(t, hasEnded)
}
