// Package workflow defines the workflow data model: definitions, nodes,
// edges, and the validation rules a stored definition must satisfy before
// it can be run (spec §3).
package workflow

import (
	"fmt"
	"regexp"
	"time"
)

// Position is the advisory x/y the builder UI uses to lay out a node.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is a typed unit of work in a workflow graph.
type Node struct {
	ID       string                 `json:"id"`
	Type     string                 `json:"type"` // dotted: category.subtype
	Label    string                 `json:"label,omitempty"`
	Position Position               `json:"position,omitempty"`
	Config   map[string]interface{} `json:"config,omitempty"`
}

// Reserved config keys the scheduler itself consumes (spec §3 WorkflowNode).
const (
	ConfigMaxRetries      = "maxRetries"
	ConfigRetryDelayMS    = "retryDelayMs"
	ConfigRetryable       = "retryable"
	ConfigTimeout         = "timeout"
	ConfigTimeoutMS       = "timeoutMs"
	ConfigContinueOnError = "continueOnError"
)

// Edge is a directed, optionally gated connection between two nodes.
type Edge struct {
	ID         string `json:"id"`
	Source     string `json:"source"`
	Target     string `json:"target"`
	SourcePort string `json:"sourcePort,omitempty"` // default "default"
	Condition  string `json:"condition,omitempty"`
}

// EffectiveSourcePort returns the edge's source port, defaulting to "default".
func (e *Edge) EffectiveSourcePort() string {
	if e.SourcePort == "" {
		return "default"
	}
	return e.SourcePort
}

// Metadata carries the bookkeeping fields on a WorkflowDefinition.
type Metadata struct {
	Author        string   `json:"author,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	Replaces      string   `json:"replaces,omitempty"`
	TemplateState string   `json:"templateState,omitempty"`
	CreatedAt     string   `json:"createdAt,omitempty"`
	UpdatedAt     string   `json:"updatedAt,omitempty"`
	Version       int      `json:"version,omitempty"`
}

// Definition is a named DAG of nodes with variables and metadata, the unit
// the Workflow Store persists as one JSON document (spec §3).
type Definition struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Category    string                 `json:"category,omitempty"`
	Enabled     bool                   `json:"enabled"`
	Trigger     string                 `json:"trigger,omitempty"`
	Nodes       []Node                 `json:"nodes"`
	Edges       []Edge                 `json:"edges"`
	Variables   map[string]interface{} `json:"variables,omitempty"`
	Metadata    Metadata               `json:"metadata"`
}

var idPattern = regexp.MustCompile(`^(template-.*|[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12})$`)

// NodeByID returns the node with the given id, if present.
func (d *Definition) NodeByID(id string) (*Node, bool) {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i], true
		}
	}
	return nil, false
}

// EntryNodes returns every node with zero incoming edges.
func (d *Definition) EntryNodes() []Node {
	hasIncoming := make(map[string]bool, len(d.Nodes))
	for _, e := range d.Edges {
		hasIncoming[e.Target] = true
	}
	var entries []Node
	for _, n := range d.Nodes {
		if !hasIncoming[n.ID] {
			entries = append(entries, n)
		}
	}
	return entries
}

// OutgoingEdges returns every edge whose source is nodeID.
func (d *Definition) OutgoingEdges(nodeID string) []Edge {
	var out []Edge
	for _, e := range d.Edges {
		if e.Source == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// IncomingEdges returns every edge whose target is nodeID.
func (d *Definition) IncomingEdges(nodeID string) []Edge {
	var in []Edge
	for _, e := range d.Edges {
		if e.Target == nodeID {
			in = append(in, e)
		}
	}
	return in
}

// TypeKnownFunc is a registry-membership predicate. Validate never checks
// node types against the registry itself (the engine does that at run
// start per spec §3's WorkflowNode invariant) — callers that want to
// pre-flight unknown types can supply one explicitly via ValidateTypes.
type TypeKnownFunc func(nodeType string) bool

// ValidateTypes additionally checks that every node's type is known to the
// caller-supplied predicate, surfacing unknown types before a run starts.
func (d *Definition) ValidateTypes(known TypeKnownFunc) error {
	for _, n := range d.Nodes {
		if !known(n.Type) {
			return fmt.Errorf("node %s: unknown type %q", n.ID, n.Type)
		}
	}
	return nil
}

// Validate checks the structural invariants from spec §3:
//   - id matches ^template-.*|uuid
//   - every node.id is unique within the workflow
//   - every edge references existing nodes
//   - at least one node has no incoming edge (entry)
//   - no self-loops
//   - the graph is a DAG, verified by Kahn's algorithm terminating with
//     every node visited
func (d *Definition) Validate() error {
	if d.ID == "" || !idPattern.MatchString(d.ID) {
		return fmt.Errorf("workflow id %q does not match ^template-.*|uuid", d.ID)
	}
	if len(d.Nodes) == 0 {
		return fmt.Errorf("workflow has no nodes")
	}

	seen := make(map[string]bool, len(d.Nodes))
	for _, n := range d.Nodes {
		if n.ID == "" {
			return fmt.Errorf("node has empty id")
		}
		if seen[n.ID] {
			return fmt.Errorf("duplicate node id: %s", n.ID)
		}
		seen[n.ID] = true
	}

	for _, e := range d.Edges {
		if e.Source == e.Target {
			return fmt.Errorf("edge %s is a self-loop on node %s", e.ID, e.Source)
		}
		if !seen[e.Source] {
			return fmt.Errorf("edge %s references unknown source node %s", e.ID, e.Source)
		}
		if !seen[e.Target] {
			return fmt.Errorf("edge %s references unknown target node %s", e.ID, e.Target)
		}
	}

	if len(d.EntryNodes()) == 0 {
		return fmt.Errorf("workflow has no entry node (every node has an incoming edge)")
	}

	if err := verifyDAG(d); err != nil {
		return err
	}

	return nil
}

// verifyDAG runs Kahn's algorithm: if it cannot visit every node, a cycle
// exists (spec §3 WorkflowEdge invariant, §9 "Cyclic graphs are forbidden
// at validation time").
func verifyDAG(d *Definition) error {
	inDegree := make(map[string]int, len(d.Nodes))
	adj := make(map[string][]string, len(d.Nodes))
	for _, n := range d.Nodes {
		inDegree[n.ID] = 0
	}
	for _, e := range d.Edges {
		inDegree[e.Target]++
		adj[e.Source] = append(adj[e.Source], e.Target)
	}

	queue := make([]string, 0, len(d.Nodes))
	for _, n := range d.Nodes {
		if inDegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range adj[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited != len(d.Nodes) {
		return fmt.Errorf("workflow graph contains a cycle: Kahn's algorithm only visited %d of %d nodes", visited, len(d.Nodes))
	}
	return nil
}

// Touch stamps metadata.updatedAt, ensures createdAt, and bumps version.
// Called by the Store on every Save (spec §4.4).
func (d *Definition) Touch(now time.Time) {
	ts := now.UTC().Format(time.RFC3339Nano)
	if d.Metadata.CreatedAt == "" {
		d.Metadata.CreatedAt = ts
	}
	d.Metadata.UpdatedAt = ts
	d.Metadata.Version++
}

// Clone returns a deep-enough copy for safe mutation (nodes/edges slices
// and config maps are copied; node IDs/types are value types).
func (d *Definition) Clone() *Definition {
	out := *d
	out.Nodes = make([]Node, len(d.Nodes))
	for i, n := range d.Nodes {
		nc := n
		if n.Config != nil {
			nc.Config = make(map[string]interface{}, len(n.Config))
			for k, v := range n.Config {
				nc.Config[k] = v
			}
		}
		out.Nodes[i] = nc
	}
	out.Edges = append([]Edge(nil), d.Edges...)
	if d.Variables != nil {
		out.Variables = make(map[string]interface{}, len(d.Variables))
		for k, v := range d.Variables {
			out.Variables[k] = v
		}
	}
	return &out
}
