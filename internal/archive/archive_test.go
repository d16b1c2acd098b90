package archive

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lyzr/fleetengine/internal/execctx"
)

func newTestArchive(t *testing.T, opts Options) *Archive {
	t.Helper()
	dir := t.TempDir()
	a, err := New(dir, opts, nil)
	require.NoError(t, err)
	return a
}

// I6: reading index.json then <runId>.json produces a summary whose counts
// match the detail.
func TestFinalize_IndexAndDetailCountsMatch(t *testing.T) {
	a := newTestArchive(t, Options{})

	ec := execctx.New("wf-1", "Workflow One", nil, nil)
	ec.SetNodeStatus("a", execctx.StatusCompleted)
	ec.SetNodeStatus("b", execctx.StatusFailed)
	ec.Error("b", errString("boom"))
	ec.SetNodeStatus("c", execctx.StatusSkipped)

	a.RegisterActive(ec, "wf-1", "Workflow One", 3, "task", "kanban", "agent-1")
	require.NoError(t, a.Finalize(ec, "wf-1", "Workflow One", 3, "failed", "task", "kanban", "agent-1"))

	history, err := a.GetRunHistory("", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	summary := history[0]
	require.Equal(t, ec.RunID, summary.RunID)
	require.Equal(t, 1, summary.CompletedCount)
	require.Equal(t, 1, summary.FailedCount)
	require.Equal(t, 1, summary.SkippedCount)
	require.Equal(t, 1, summary.ErrorCount)
	require.Equal(t, "failed", summary.Status)

	detail, ok, err := a.GetRunDetail(ec.RunID)
	require.NoError(t, err)
	require.True(t, ok)
	statuses, _ := detail["nodeStatuses"].(map[string]interface{})
	require.Len(t, statuses, 3)
	errs, _ := detail["errors"].([]interface{})
	require.Len(t, errs, int(summary.ErrorCount))
}

// Stuck detection: a running run whose last activity predates the
// threshold reports isStuck=true; a freshly-active run reports false.
func TestGetRunHistory_StuckDetection(t *testing.T) {
	a := newTestArchive(t, Options{StuckThresholdMS: 1})

	ec := execctx.New("wf-stuck", "Stuck Workflow", nil, nil)
	ec.SetNodeStatus("a", execctx.StatusRunning)
	a.RegisterActive(ec, "wf-stuck", "Stuck Workflow", 1, "", "", "")

	time.Sleep(5 * time.Millisecond)

	history, err := a.GetRunHistory("", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.True(t, history[0].IsStuck)
	require.GreaterOrEqual(t, history[0].StuckMS, int64(1))
}

func TestGetRunHistory_NonRunningNeverStuck(t *testing.T) {
	a := newTestArchive(t, Options{StuckThresholdMS: 1})

	ec := execctx.New("wf-done", "Done Workflow", nil, nil)
	ec.SetNodeStatus("a", execctx.StatusCompleted)
	a.RegisterActive(ec, "wf-done", "Done Workflow", 1, "", "", "")
	require.NoError(t, a.Finalize(ec, "wf-done", "Done Workflow", 1, "completed", "", "", ""))

	history, err := a.GetRunHistory("", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.False(t, history[0].IsStuck)
	require.Zero(t, history[0].StuckMS)
}

// Index is capped at MaxPersistedRuns, evicting from the head.
func TestAppendIndex_EvictsOldestBeyondCap(t *testing.T) {
	a := newTestArchive(t, Options{MaxPersistedRuns: 2})

	var lastRunID string
	for i := 0; i < 3; i++ {
		ec := execctx.New("wf-cap", "Cap Workflow", nil, nil)
		ec.SetNodeStatus("a", execctx.StatusCompleted)
		a.RegisterActive(ec, "wf-cap", "Cap Workflow", 1, "", "", "")
		require.NoError(t, a.Finalize(ec, "wf-cap", "Cap Workflow", 1, "completed", "", "", ""))
		lastRunID = ec.RunID
	}

	history, err := a.GetRunHistory("", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, lastRunID, history[0].RunID)
}

// Active runs take precedence over persisted summaries for the same runId.
func TestGetRunHistory_DedupesActiveOverPersisted(t *testing.T) {
	a := newTestArchive(t, Options{})

	ec := execctx.New("wf-dup", "Dup Workflow", nil, nil)
	a.RegisterActive(ec, "wf-dup", "Dup Workflow", 1, "", "", "")
	require.NoError(t, a.Finalize(ec, "wf-dup", "Dup Workflow", 1, "completed", "", "", ""))

	// Re-register the same run id as active again (simulating a retry
	// dispatch reusing bookkeeping before the archive observes its end).
	a.RegisterActive(ec, "wf-dup", "Dup Workflow", 1, "", "", "")

	history, err := a.GetRunHistory("", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, "running", history[0].Status)
}

type errString string

func (e errString) Error() string { return string(e) }
