// Package services declares the opaque capability interfaces node handlers
// consume (spec §6 "Service interfaces consumed by built-in node handlers").
// The engine itself never implements these — they are supplied by the
// out-of-scope collaborators named in spec §1 (kanban adapter, git/worktree
// manager, agent SDK adapters, Telegram notifier, CLI/daemon config). Node
// handlers receive a *Bundle and read only the members they need, so
// a caller wiring the engine into a smaller host can leave any field nil and
// only the node types that touch it will fail at run time.
package services

import "context"

// Task is the kanban adapter's task shape, narrowed to what node handlers
// read or write.
type Task struct {
	ID        string                 `json:"id"`
	ProjectID string                 `json:"projectId,omitempty"`
	Title     string                 `json:"title,omitempty"`
	Status    string                 `json:"status,omitempty"`
	Assignee  string                 `json:"assignee,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// TaskFilter narrows Kanban.ListTasks.
type TaskFilter struct {
	ProjectID string
	Status    string
	Assignee  string
}

// Kanban is the task-board collaborator (spec §6).
type Kanban interface {
	ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error)
	GetTask(ctx context.Context, id string) (Task, error)
	CreateTask(ctx context.Context, projectID string, task Task) (string, error)
	UpdateTask(ctx context.Context, id string, patch map[string]interface{}) (Task, error)
	ArchiveTask(ctx context.Context, id string) error
}

// Worktree describes a checked-out working copy.
type Worktree struct {
	Path   string `json:"path"`
	Branch string `json:"branch"`
}

// Git is the repository collaborator (spec §6).
type Git interface {
	GetCurrentBranch(ctx context.Context, path string) (string, error)
	HasPendingChanges(ctx context.Context, path string) (bool, error)
	Push(ctx context.Context, branch string) error
	Checkout(ctx context.Context, branch string) error
	CreateBranch(ctx context.Context, name string) error
}

// WorktreeManager is the worktree-pool collaborator (spec §6).
type WorktreeManager interface {
	Acquire(ctx context.Context, branch string) (Worktree, error)
	Release(ctx context.Context, path string) error
	List(ctx context.Context) ([]Worktree, error)
}

// AgentEvent is one streamed event from a running agent thread.
type AgentEvent struct {
	Type    string
	Payload interface{}
}

// AgentResult is what an ephemeral agent thread returns.
type AgentResult struct {
	Success  bool
	Output   string
	ThreadID string
}

// AgentPool is the agent-SDK-adapter collaborator (spec §6): Codex, Copilot,
// Claude, Gemini, OpenCode threads are all reached through this one opaque
// surface.
type AgentPool interface {
	LaunchEphemeralThread(ctx context.Context, prompt, cwd string, timeoutMs int, onEvent func(AgentEvent)) (AgentResult, error)
	ExecWithRetry(ctx context.Context, prompt, cwd string, timeoutMs, maxRetries int) (AgentResult, error)
	ContinueSession(ctx context.Context, sessionID, prompt string) (AgentResult, error)
}

// Claims is the task-claim/lease collaborator (spec §6).
type Claims interface {
	Claim(ctx context.Context, taskID, agentID string) (token string, err error)
	Release(ctx context.Context, taskID string) error
	IsClaimed(ctx context.Context, taskID string) (bool, error)
}

// Telegram is the notifier collaborator (spec §6).
type Telegram interface {
	Send(ctx context.Context, message string) error
}

// ConfigSource is a narrow view over the host's configuration, used for the
// "auto" SDK fallback-chain (SPEC_FULL.md "Open Questions carried from
// spec.md") and anything else handlers resolve indirectly rather than via
// hard-coded defaults.
type ConfigSource interface {
	Get(key string, fallback interface{}) interface{}
}

// Bundle groups every collaborator a built-in handler might need. Handlers
// take a *Bundle rather than each interface individually so new services can
// be added without changing every handler constructor's signature.
type Bundle struct {
	Kanban    Kanban
	Git       Git
	Worktree  WorktreeManager
	AgentPool AgentPool
	Claims    Claims
	Telegram  Telegram
	Config    ConfigSource
}
