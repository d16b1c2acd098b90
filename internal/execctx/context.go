// Package execctx implements the per-run ExecutionContext (spec §3, §4.5):
// data, node outputs, statuses, retry counts, logs, errors, and the
// status-change event timeline a single workflow run carries.
package execctx

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// NodeStatus is one of the states a node passes through during a run.
type NodeStatus string

const (
	StatusPending   NodeStatus = "pending"
	StatusRunning   NodeStatus = "running"
	StatusCompleted NodeStatus = "completed"
	StatusFailed    NodeStatus = "failed"
	StatusSkipped   NodeStatus = "skipped"
	StatusWaiting   NodeStatus = "waiting"
)

// IsTerminal reports whether status ends a node's lifecycle.
func (s NodeStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped:
		return true
	default:
		return false
	}
}

// WorkflowStatus is the run-level status derived once at the end of a run.
type WorkflowStatus string

const (
	WorkflowIdle      WorkflowStatus = "idle"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
	WorkflowPaused    WorkflowStatus = "paused"
)

// LogEntry is one line in the context's ordered log sequence.
type LogEntry struct {
	NodeID    string    `json:"nodeId"`
	Message   string    `json:"message"`
	Level     string    `json:"level"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorEntry is one entry in the context's ordered error sequence.
type ErrorEntry struct {
	NodeID    string    `json:"nodeId"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusEvent is one entry in the node-status-change timeline.
type StatusEvent struct {
	NodeID    string     `json:"nodeId"`
	Status    NodeStatus `json:"status"`
	Timestamp time.Time  `json:"timestamp"`
}

// Context is the live, mutable state of one workflow run. All mutating
// methods are safe for concurrent use by multiple node handlers, since the
// DAG Scheduler executes up to MAX_CONCURRENT_BRANCHES nodes in parallel
// (spec §5).
type Context struct {
	mu sync.Mutex

	RunID     string
	StartedAt time.Time

	data      map[string]interface{}
	variables map[string]interface{}

	nodeOutputs   map[string]interface{}
	nodeStatuses  map[string]NodeStatus
	retryAttempts map[string]int

	logs             []LogEntry
	errs             []ErrorEntry
	nodeStatusEvents []StatusEvent

	// ancestry tracks sub-workflow dispatch for cycle prevention (spec §4.6).
	ancestry []string
}

// New creates a fresh execution context. data is seeded from
// (workflow variables < input < reserved keys), per spec §4.5.
func New(workflowID, workflowName string, variables, input map[string]interface{}) *Context {
	data := make(map[string]interface{}, len(variables)+len(input)+2)
	for k, v := range variables {
		data[k] = v
	}
	for k, v := range input {
		data[k] = v
	}
	data["_workflowId"] = workflowID
	data["_workflowName"] = workflowName

	varsCopy := make(map[string]interface{}, len(variables))
	for k, v := range variables {
		varsCopy[k] = v
	}

	return &Context{
		RunID:         uuid.NewString(),
		StartedAt:     time.Now(),
		data:          data,
		variables:     varsCopy,
		nodeOutputs:   make(map[string]interface{}),
		nodeStatuses:  make(map[string]NodeStatus),
		retryAttempts: make(map[string]int),
	}
}

// WithAncestry returns a copy of the context's ancestry chain with
// workflowID appended, leaving the context's own chain unchanged; used by
// sub-workflow dispatch to detect cycles (spec §4.6).
func (c *Context) WithAncestry(workflowID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.ancestry), len(c.ancestry)+1)
	copy(out, c.ancestry)
	return append(out, workflowID)
}

// Ancestry returns the current ancestry chain.
func (c *Context) Ancestry() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.ancestry))
	copy(out, c.ancestry)
	return out
}

// SetAncestry installs an ancestry chain on a freshly-created child context.
func (c *Context) SetAncestry(chain []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ancestry = chain
}

// Data returns a snapshot copy of context data.
func (c *Context) Data() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]interface{}, len(c.data))
	for k, v := range c.data {
		out[k] = v
	}
	return out
}

// SetData merges key/value pairs into context data (used by
// action.set_variable and loop fan-out).
func (c *Context) SetData(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
}

// Variables returns a copy of the workflow's variables.
func (c *Context) Variables() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]interface{}, len(c.variables))
	for k, v := range c.variables {
		out[k] = v
	}
	return out
}

// SetNodeOutput records a node's handler return value.
func (c *Context) SetNodeOutput(nodeID string, output interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodeOutputs[nodeID] = output
}

// GetNodeOutput returns a node's recorded output, if any.
func (c *Context) GetNodeOutput(nodeID string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.nodeOutputs[nodeID]
	return v, ok
}

// NodeOutputs returns a shallow copy of every recorded node output.
func (c *Context) NodeOutputs() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]interface{}, len(c.nodeOutputs))
	for k, v := range c.nodeOutputs {
		out[k] = v
	}
	return out
}

// SetNodeStatus records a node's status and appends a status-change event
// (spec §3 ExecutionContext invariant: "each setNodeStatus appends an event").
func (c *Context) SetNodeStatus(nodeID string, status NodeStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodeStatuses[nodeID] = status
	c.nodeStatusEvents = append(c.nodeStatusEvents, StatusEvent{
		NodeID:    nodeID,
		Status:    status,
		Timestamp: time.Now(),
	})
}

// NodeStatus returns a node's current status, defaulting to pending.
func (c *Context) NodeStatus(nodeID string) NodeStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.nodeStatuses[nodeID]; ok {
		return s
	}
	return StatusPending
}

// NodeStatuses returns a copy of every recorded node status.
func (c *Context) NodeStatuses() map[string]NodeStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]NodeStatus, len(c.nodeStatuses))
	for k, v := range c.nodeStatuses {
		out[k] = v
	}
	return out
}

// IncrementRetry increments and returns a node's retry counter.
func (c *Context) IncrementRetry(nodeID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retryAttempts[nodeID]++
	return c.retryAttempts[nodeID]
}

// RetryAttempts returns how many retries a node has used so far.
func (c *Context) RetryAttempts(nodeID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retryAttempts[nodeID]
}

// Log appends a log entry for nodeID at the given level.
func (c *Context) Log(nodeID, message, level string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logs = append(c.logs, LogEntry{NodeID: nodeID, Message: message, Level: level, Timestamp: time.Now()})
}

// Error appends an error entry for nodeID and logs it at level error
// (spec §4.5).
func (c *Context) Error(nodeID string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	c.mu.Lock()
	ts := time.Now()
	c.errs = append(c.errs, ErrorEntry{NodeID: nodeID, Error: msg, Timestamp: ts})
	c.logs = append(c.logs, LogEntry{NodeID: nodeID, Message: msg, Level: "error", Timestamp: ts})
	c.mu.Unlock()
}

// Errors returns a copy of the accumulated error sequence.
func (c *Context) Errors() []ErrorEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ErrorEntry(nil), c.errs...)
}

// Logs returns a copy of the accumulated log sequence.
func (c *Context) Logs() []LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]LogEntry(nil), c.logs...)
}

// StatusEvents returns a copy of the status-change event timeline.
func (c *Context) StatusEvents() []StatusEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]StatusEvent(nil), c.nodeStatusEvents...)
}

// LastLogAt returns the timestamp of the most recent log entry, or zero.
func (c *Context) LastLogAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.logs) == 0 {
		return time.Time{}
	}
	return c.logs[len(c.logs)-1].Timestamp
}

// LastProgressAt returns the timestamp of the most recent status event, or zero.
func (c *Context) LastProgressAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.nodeStatusEvents) == 0 {
		return time.Time{}
	}
	return c.nodeStatusEvents[len(c.nodeStatusEvents)-1].Timestamp
}

// Status derives the run-level WorkflowStatus: completed iff errors is
// empty, failed otherwise (spec §3 WorkflowStatus, invariant I4).
func (c *Context) Status() WorkflowStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.errs) == 0 {
		return WorkflowCompleted
	}
	return WorkflowFailed
}

// Fork returns a new context that snapshots data, variables, and node
// outputs, for use by a loop iteration. Mutations inside the fork never
// leak back to the parent except through explicit MergeFrom after the
// forked subgraph completes (spec §3, §4.5, §4.6 "Loop fan-out").
func (c *Context) Fork(overrides map[string]interface{}) *Context {
	c.mu.Lock()
	dataCopy := make(map[string]interface{}, len(c.data)+len(overrides))
	for k, v := range c.data {
		dataCopy[k] = v
	}
	varsCopy := make(map[string]interface{}, len(c.variables))
	for k, v := range c.variables {
		varsCopy[k] = v
	}
	outputsCopy := make(map[string]interface{}, len(c.nodeOutputs))
	for k, v := range c.nodeOutputs {
		outputsCopy[k] = v
	}
	ancestryCopy := append([]string(nil), c.ancestry...)
	c.mu.Unlock()

	for k, v := range overrides {
		dataCopy[k] = v
	}

	return &Context{
		RunID:         uuid.NewString(),
		StartedAt:     time.Now(),
		data:          dataCopy,
		variables:     varsCopy,
		nodeOutputs:   outputsCopy,
		nodeStatuses:  make(map[string]NodeStatus),
		retryAttempts: make(map[string]int),
		ancestry:      ancestryCopy,
	}
}

// MergeFrom folds a forked context's logs and errors back into the parent,
// after the forked subgraph completes (spec §3, §4.6).
func (c *Context) MergeFrom(fork *Context) {
	fork.mu.Lock()
	logs := append([]LogEntry(nil), fork.logs...)
	errs := append([]ErrorEntry(nil), fork.errs...)
	fork.mu.Unlock()

	c.mu.Lock()
	c.logs = append(c.logs, logs...)
	c.errs = append(c.errs, errs...)
	c.mu.Unlock()
}

// ToJSON renders the persisted shape of the context (spec §3 RunDetail).
func (c *Context) ToJSON(endedAt *time.Time) map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	statuses := make(map[string]NodeStatus, len(c.nodeStatuses))
	for k, v := range c.nodeStatuses {
		statuses[k] = v
	}
	outputs := make(map[string]interface{}, len(c.nodeOutputs))
	for k, v := range c.nodeOutputs {
		outputs[k] = v
	}

	out := map[string]interface{}{
		"runId":            c.RunID,
		"startedAt":        c.StartedAt,
		"data":             c.data,
		"variables":        c.variables,
		"nodeOutputs":      outputs,
		"nodeStatuses":     statuses,
		"retryAttempts":    c.retryAttempts,
		"logs":             c.logs,
		"errors":           c.errs,
		"nodeStatusEvents": c.nodeStatusEvents,
	}
	if endedAt != nil {
		out["endedAt"] = *endedAt
	}
	return out
}
