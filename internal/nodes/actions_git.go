package nodes

import (
	"context"
	"fmt"
	"strings"

	"github.com/lyzr/fleetengine/internal/registry"
	"github.com/lyzr/fleetengine/internal/services"
)

// protectedBranches is the hard-coded safety set action.push_branch
// refuses to target (spec §6 "Action.push_branch safety contract", §8 I8).
var protectedBranches = map[string]bool{
	"main":       true,
	"master":     true,
	"develop":    true,
	"production": true,
}

// isProtectedBranch reports whether branch (or its origin/<name> form)
// names a protected branch.
func isProtectedBranch(branch string) bool {
	name := strings.TrimPrefix(branch, "origin/")
	return protectedBranches[name]
}

// pushBranchHandler implements action.push_branch: refuses any push
// targeting a protected branch without ever invoking git (spec §6, §8 I8,
// scenario 6).
type pushBranchHandler struct {
	bundle *services.Bundle
}

func (h *pushBranchHandler) Execute(ctx context.Context, rc registry.ResolvedCall) (interface{}, error) {
	branch := cfgString(rc.Config, "branch", "")
	if isProtectedBranch(branch) {
		return map[string]interface{}{
			"success": false,
			"pushed":  false,
			"error":   fmt.Sprintf("Protected branch %q may not be pushed to directly", branch),
		}, nil
	}
	if h.bundle == nil || h.bundle.Git == nil {
		return nil, fmt.Errorf("action.push_branch %s: no git collaborator configured", rc.NodeID)
	}
	if err := h.bundle.Git.Push(ctx, branch); err != nil {
		return nil, fmt.Errorf("action.push_branch %s: %w", rc.NodeID, err)
	}
	return map[string]interface{}{"success": true, "pushed": true, "branch": branch}, nil
}

func (h *pushBranchHandler) Describe() string {
	return "pushes config.branch, refusing main/master/develop/production and their origin/ forms"
}

// gitOperationsHandler implements action.git_operations: a small dispatch
// over the Git collaborator's primitives, selected by config.operation.
type gitOperationsHandler struct {
	bundle *services.Bundle
}

func (h *gitOperationsHandler) Execute(ctx context.Context, rc registry.ResolvedCall) (interface{}, error) {
	if h.bundle == nil || h.bundle.Git == nil {
		return nil, fmt.Errorf("action.git_operations %s: no git collaborator configured", rc.NodeID)
	}
	op := cfgString(rc.Config, "operation", "")
	path := cfgString(rc.Config, "path", "")

	switch op {
	case "getCurrentBranch":
		branch, err := h.bundle.Git.GetCurrentBranch(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("action.git_operations %s: %w", rc.NodeID, err)
		}
		return map[string]interface{}{"branch": branch}, nil
	case "hasPendingChanges":
		pending, err := h.bundle.Git.HasPendingChanges(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("action.git_operations %s: %w", rc.NodeID, err)
		}
		return map[string]interface{}{"pending": pending}, nil
	case "checkout":
		branch := cfgString(rc.Config, "branch", "")
		if err := h.bundle.Git.Checkout(ctx, branch); err != nil {
			return nil, fmt.Errorf("action.git_operations %s: %w", rc.NodeID, err)
		}
		return map[string]interface{}{"checkedOut": branch}, nil
	case "createBranch":
		name := cfgString(rc.Config, "name", "")
		if err := h.bundle.Git.CreateBranch(ctx, name); err != nil {
			return nil, fmt.Errorf("action.git_operations %s: %w", rc.NodeID, err)
		}
		return map[string]interface{}{"created": name}, nil
	default:
		return nil, fmt.Errorf("action.git_operations %s: unknown operation %q", rc.NodeID, op)
	}
}

func (h *gitOperationsHandler) Describe() string {
	return "dispatches config.operation (getCurrentBranch/hasPendingChanges/checkout/createBranch) to the git collaborator"
}

// detectNewCommitsHandler implements action.detect_new_commits: reports
// the worktree's pending-changes flag as hasNewCommits, together with its
// current branch, as the signal a poller uses to decide whether an agent
// made progress. No comparison against another branch is made.
type detectNewCommitsHandler struct {
	bundle *services.Bundle
}

func (h *detectNewCommitsHandler) Execute(ctx context.Context, rc registry.ResolvedCall) (interface{}, error) {
	if h.bundle == nil || h.bundle.Git == nil {
		return nil, fmt.Errorf("action.detect_new_commits %s: no git collaborator configured", rc.NodeID)
	}
	path := cfgString(rc.Config, "worktreePath", "")
	pending, err := h.bundle.Git.HasPendingChanges(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("action.detect_new_commits %s: %w", rc.NodeID, err)
	}
	branch, err := h.bundle.Git.GetCurrentBranch(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("action.detect_new_commits %s: %w", rc.NodeID, err)
	}
	return map[string]interface{}{"hasNewCommits": pending, "branch": branch}, nil
}

func (h *detectNewCommitsHandler) Describe() string {
	return "reports whether config.worktreePath has pending changes since its last known state"
}

// acquireWorktreeHandler implements action.acquire_worktree.
type acquireWorktreeHandler struct {
	bundle *services.Bundle
}

func (h *acquireWorktreeHandler) Execute(ctx context.Context, rc registry.ResolvedCall) (interface{}, error) {
	if h.bundle == nil || h.bundle.Worktree == nil {
		return nil, fmt.Errorf("action.acquire_worktree %s: no worktree manager configured", rc.NodeID)
	}
	branch := cfgString(rc.Config, "branch", "")
	wt, err := h.bundle.Worktree.Acquire(ctx, branch)
	if err != nil {
		return nil, fmt.Errorf("action.acquire_worktree %s: %w", rc.NodeID, err)
	}
	return map[string]interface{}{"path": wt.Path, "branch": wt.Branch}, nil
}

func (h *acquireWorktreeHandler) Describe() string {
	return "acquires a worktree checked out to config.branch via the worktree manager"
}

// releaseWorktreeHandler implements action.release_worktree.
type releaseWorktreeHandler struct {
	bundle *services.Bundle
}

func (h *releaseWorktreeHandler) Execute(ctx context.Context, rc registry.ResolvedCall) (interface{}, error) {
	if h.bundle == nil || h.bundle.Worktree == nil {
		return nil, fmt.Errorf("action.release_worktree %s: no worktree manager configured", rc.NodeID)
	}
	path := cfgString(rc.Config, "path", "")
	if err := h.bundle.Worktree.Release(ctx, path); err != nil {
		return nil, fmt.Errorf("action.release_worktree %s: %w", rc.NodeID, err)
	}
	return map[string]interface{}{"released": path}, nil
}

func (h *releaseWorktreeHandler) Describe() string {
	return "releases the worktree at config.path back to the pool"
}

// createPRHandler implements action.create_pr: a thin wrapper over the git
// collaborator's push plus a kanban status update, since PR creation
// itself is an out-of-scope collaborator concern (spec §1) reached here
// only through the Kanban/Git interfaces the engine already has.
type createPRHandler struct {
	bundle *services.Bundle
}

func (h *createPRHandler) Execute(ctx context.Context, rc registry.ResolvedCall) (interface{}, error) {
	branch := cfgString(rc.Config, "branch", "")
	if isProtectedBranch(branch) {
		return map[string]interface{}{
			"success": false,
			"error":   fmt.Sprintf("Protected branch %q may not back a PR source branch push", branch),
		}, nil
	}
	if h.bundle == nil || h.bundle.Git == nil {
		return nil, fmt.Errorf("action.create_pr %s: no git collaborator configured", rc.NodeID)
	}
	if err := h.bundle.Git.Push(ctx, branch); err != nil {
		return nil, fmt.Errorf("action.create_pr %s: %w", rc.NodeID, err)
	}
	title := cfgString(rc.Config, "title", "")
	return map[string]interface{}{"success": true, "branch": branch, "title": title}, nil
}

func (h *createPRHandler) Describe() string {
	return "pushes config.branch (refusing protected branches) ahead of PR creation by an external collaborator"
}

// RegisterGitActions installs every git/worktree/PR action node type.
func RegisterGitActions(reg *registry.Registry, bundle *services.Bundle) {
	reg.Register("action.push_branch", &pushBranchHandler{bundle: bundle})
	reg.Register("action.git_operations", &gitOperationsHandler{bundle: bundle})
	reg.Register("action.detect_new_commits", &detectNewCommitsHandler{bundle: bundle})
	reg.Register("action.acquire_worktree", &acquireWorktreeHandler{bundle: bundle})
	reg.Register("action.release_worktree", &releaseWorktreeHandler{bundle: bundle})
	reg.Register("action.create_pr", &createPRHandler{bundle: bundle})
}
