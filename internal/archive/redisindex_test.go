package archive

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/fleetengine/common/logger"
	"github.com/lyzr/fleetengine/internal/execctx"
)

func newTestRedisMirror(t *testing.T) *RedisMirror {
	t.Helper()
	srv := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: srv.Addr()})
	return NewRedisMirror(rdb, logger.Nop(), "test:run:", time.Minute)
}

func TestRedisMirror_MirrorThenGetRoundTrips(t *testing.T) {
	m := newTestRedisMirror(t)
	summary := RunSummary{RunID: "run-1", WorkflowID: "wf-1", Status: "completed", CompletedCount: 2}

	require.NoError(t, m.Mirror(context.Background(), summary))

	got, ok, err := m.Get(context.Background(), "run-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, summary.RunID, got.RunID)
	require.Equal(t, summary.Status, got.Status)
	require.Equal(t, summary.CompletedCount, got.CompletedCount)
}

func TestRedisMirror_GetMissingReturnsNotFound(t *testing.T) {
	m := newTestRedisMirror(t)

	_, ok, err := m.Get(context.Background(), "does-not-exist")
	require.NoError(t, err)
	require.False(t, ok)
}

// MirroringArchive.Finalize must both persist to disk (via the embedded
// Archive) and mirror the same summary into Redis; a bare call to the
// embedded Archive's Finalize would silently skip the mirror.
func TestMirroringArchive_FinalizeWritesDiskAndMirror(t *testing.T) {
	dir := t.TempDir()
	plain, err := New(dir, Options{}, nil)
	require.NoError(t, err)
	mirror := newTestRedisMirror(t)
	mirrored := WithRedisMirror(plain, mirror)

	ec := execctx.New("wf-mirror", "Mirrored Workflow", nil, nil)
	ec.SetNodeStatus("a", execctx.StatusCompleted)
	mirrored.RegisterActive(ec, "wf-mirror", "Mirrored Workflow", 1, "", "", "")
	require.NoError(t, mirrored.Finalize(ec, "wf-mirror", "Mirrored Workflow", 1, "completed", "", "", ""))

	history, err := plain.GetRunHistory("", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, ec.RunID, history[0].RunID)

	got, ok, err := mirror.Get(context.Background(), ec.RunID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "completed", got.Status)
	require.Equal(t, 1, got.CompletedCount)
}
