package workflow

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func validDefinition() *Definition {
	return &Definition{
		ID:      "template-simple",
		Name:    "simple",
		Enabled: true,
		Nodes: []Node{
			{ID: "A", Type: "trigger.manual"},
			{ID: "B", Type: "action.log"},
		},
		Edges: []Edge{
			{ID: "e1", Source: "A", Target: "B"},
		},
	}
}

func TestValidate_SimpleSequential(t *testing.T) {
	def := validDefinition()
	require.NoError(t, def.Validate())
}

func TestValidate_RejectsBadID(t *testing.T) {
	def := validDefinition()
	def.ID = "not-a-valid-id"
	require.Error(t, def.Validate())
}

func TestValidate_RejectsSelfLoop(t *testing.T) {
	def := validDefinition()
	def.Edges = append(def.Edges, Edge{ID: "e2", Source: "B", Target: "B"})
	require.Error(t, def.Validate())
}

func TestValidate_RejectsDuplicateNodeID(t *testing.T) {
	def := validDefinition()
	def.Nodes = append(def.Nodes, Node{ID: "A", Type: "action.log"})
	require.Error(t, def.Validate())
}

func TestValidate_RejectsDanglingEdge(t *testing.T) {
	def := validDefinition()
	def.Edges = append(def.Edges, Edge{ID: "e2", Source: "B", Target: "ghost"})
	require.Error(t, def.Validate())
}

func TestValidate_RejectsNoEntryNode(t *testing.T) {
	def := validDefinition()
	// Make every node have an incoming edge by adding a back edge B->A.
	def.Edges = append(def.Edges, Edge{ID: "e2", Source: "B", Target: "A"})
	require.Error(t, def.Validate())
}

func TestValidate_RejectsCycle(t *testing.T) {
	def := &Definition{
		ID: "template-cycle",
		Nodes: []Node{
			{ID: "A", Type: "action.log"},
			{ID: "B", Type: "action.log"},
			{ID: "C", Type: "action.log"},
		},
		Edges: []Edge{
			{ID: "e1", Source: "A", Target: "B"},
			{ID: "e2", Source: "B", Target: "C"},
			{ID: "e3", Source: "C", Target: "A"},
		},
	}
	require.Error(t, def.Validate())
}

func TestValidate_AcceptsUUIDLikeID(t *testing.T) {
	def := validDefinition()
	def.ID = "550e8400-e29b-41d4-a716-446655440000"
	require.NoError(t, def.Validate())
}

func TestEntryNodes(t *testing.T) {
	def := validDefinition()
	entries := def.EntryNodes()
	require.Len(t, entries, 1)
	require.Equal(t, "A", entries[0].ID)
}
