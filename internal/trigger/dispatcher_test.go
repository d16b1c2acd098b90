package trigger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lyzr/fleetengine/internal/nodes"
	"github.com/lyzr/fleetengine/internal/registry"
	"github.com/lyzr/fleetengine/internal/workflow"
)

type fakeDefs struct {
	defs []*workflow.Definition
}

func (f *fakeDefs) List() []*workflow.Definition { return f.defs }

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	nodes.RegisterTriggers(reg)
	return reg
}

func TestEvaluateTriggers_FiresOnMatchingEventType(t *testing.T) {
	def := &workflow.Definition{
		ID:      "wf-event",
		Name:    "Event Workflow",
		Enabled: true,
		Nodes: []workflow.Node{
			{ID: "t1", Type: "trigger.event", Config: map[string]interface{}{"eventType": "task.created"}},
		},
	}
	d := New(&fakeDefs{defs: []*workflow.Definition{def}}, newRegistry(t), nil)

	fires, err := d.EvaluateTriggers(context.Background(), "task.created", nil)
	require.NoError(t, err)
	require.Len(t, fires, 1)
	require.Equal(t, "wf-event", fires[0].WorkflowID)
	require.Equal(t, "t1", fires[0].TriggeredBy)
}

func TestEvaluateTriggers_SkipsNonMatchingEventType(t *testing.T) {
	def := &workflow.Definition{
		ID:      "wf-event",
		Enabled: true,
		Nodes: []workflow.Node{
			{ID: "t1", Type: "trigger.event", Config: map[string]interface{}{"eventType": "task.created"}},
		},
	}
	d := New(&fakeDefs{defs: []*workflow.Definition{def}}, newRegistry(t), nil)

	fires, err := d.EvaluateTriggers(context.Background(), "task.deleted", nil)
	require.NoError(t, err)
	require.Empty(t, fires)
}

func TestEvaluateTriggers_SkipsDisabledWorkflows(t *testing.T) {
	def := &workflow.Definition{
		ID:      "wf-disabled",
		Enabled: false,
		Nodes: []workflow.Node{
			{ID: "t1", Type: "trigger.event", Config: map[string]interface{}{"eventType": "task.created"}},
		},
	}
	d := New(&fakeDefs{defs: []*workflow.Definition{def}}, newRegistry(t), nil)

	fires, err := d.EvaluateTriggers(context.Background(), "task.created", nil)
	require.NoError(t, err)
	require.Empty(t, fires)
}

func TestEvaluateTriggers_IgnoresPollingTriggerTypes(t *testing.T) {
	def := &workflow.Definition{
		ID:      "wf-manual",
		Enabled: true,
		Nodes: []workflow.Node{
			{ID: "t1", Type: "trigger.manual"},
		},
	}
	d := New(&fakeDefs{defs: []*workflow.Definition{def}}, newRegistry(t), nil)

	fires, err := d.EvaluateTriggers(context.Background(), "anything", nil)
	require.NoError(t, err)
	require.Empty(t, fires, "trigger.manual is not event-capable, so EvaluateTriggers never fires it")
}

func TestTick_ScheduledOnceFiresExactlyOnce(t *testing.T) {
	fireAt := time.Now().Add(-time.Minute)
	def := &workflow.Definition{
		ID:      "wf-once",
		Enabled: true,
		Nodes: []workflow.Node{
			{ID: "t1", Type: "trigger.scheduled_once", Config: map[string]interface{}{"fireAt": fireAt.Format(time.RFC3339)}},
		},
	}
	d := New(&fakeDefs{defs: []*workflow.Definition{def}}, newRegistry(t), nil)

	fires := d.Tick(time.Now())
	require.Len(t, fires, 1)

	fires = d.Tick(time.Now())
	require.Empty(t, fires, "scheduled_once must not fire a second time")
	require.Contains(t, d.FiredOnceNodeIDs(), "t1")
}

func TestTick_ScheduledOnceFutureDoesNotFire(t *testing.T) {
	fireAt := time.Now().Add(time.Hour)
	def := &workflow.Definition{
		ID:      "wf-once-future",
		Enabled: true,
		Nodes: []workflow.Node{
			{ID: "t1", Type: "trigger.scheduled_once", Config: map[string]interface{}{"fireAt": fireAt.Format(time.RFC3339)}},
		},
	}
	d := New(&fakeDefs{defs: []*workflow.Definition{def}}, newRegistry(t), nil)

	fires := d.Tick(time.Now())
	require.Empty(t, fires)
}
