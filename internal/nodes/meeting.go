package nodes

import (
	"context"
	"fmt"
	"strings"

	"github.com/lyzr/fleetengine/internal/registry"
	"github.com/lyzr/fleetengine/internal/services"
)

// meetingStartHandler implements meeting.start: launches an ephemeral
// agent thread scoped to a live meeting transcript session, reusing the
// AgentPool collaborator rather than a separate meeting service (spec §6
// meeting category; no dedicated meeting collaborator is named, so this
// rides the same agent-pool surface action.run_agent uses).
type meetingStartHandler struct {
	bundle *services.Bundle
}

func (h *meetingStartHandler) Execute(ctx context.Context, rc registry.ResolvedCall) (interface{}, error) {
	if h.bundle == nil || h.bundle.AgentPool == nil {
		return nil, fmt.Errorf("meeting.start %s: no agent pool configured", rc.NodeID)
	}
	prompt := cfgString(rc.Config, "prompt", "Observe the meeting and respond to wake phrases.")
	cwd := cfgString(rc.Config, "cwd", "")
	result, err := h.bundle.AgentPool.LaunchEphemeralThread(ctx, prompt, cwd, 0, nil)
	if err != nil {
		return nil, fmt.Errorf("meeting.start %s: %w", rc.NodeID, err)
	}
	return map[string]interface{}{"sessionId": result.ThreadID, "started": result.Success}, nil
}

func (h *meetingStartHandler) Describe() string {
	return "opens a meeting session thread via the agent pool"
}

// meetingSendHandler implements meeting.send: continues an existing
// meeting session with config.message.
type meetingSendHandler struct {
	bundle *services.Bundle
}

func (h *meetingSendHandler) Execute(ctx context.Context, rc registry.ResolvedCall) (interface{}, error) {
	if h.bundle == nil || h.bundle.AgentPool == nil {
		return nil, fmt.Errorf("meeting.send %s: no agent pool configured", rc.NodeID)
	}
	sessionID := cfgString(rc.Config, "sessionId", "")
	message := cfgString(rc.Config, "message", "")
	result, err := h.bundle.AgentPool.ContinueSession(ctx, sessionID, message)
	if err != nil {
		return nil, fmt.Errorf("meeting.send %s: %w", rc.NodeID, err)
	}
	return map[string]interface{}{"success": result.Success, "output": result.Output}, nil
}

func (h *meetingSendHandler) Describe() string {
	return "sends config.message into an open meeting session via the agent pool"
}

// meetingTranscriptHandler implements meeting.transcript: a pure
// accumulator appending config.line to the running transcript kept in
// context data, no external collaborator needed.
type meetingTranscriptHandler struct{}

func (h *meetingTranscriptHandler) Execute(ctx context.Context, rc registry.ResolvedCall) (interface{}, error) {
	ec, err := execContext(rc.ExecContext)
	if err != nil {
		return nil, err
	}
	line := cfgString(rc.Config, "line", "")
	key := "_meetingTranscript:" + cfgString(rc.Config, "sessionId", "default")

	var transcript []string
	if v, ok := ec.GetNodeOutput(key); ok {
		if lines, ok := v.([]string); ok {
			transcript = lines
		}
	}
	if line != "" {
		transcript = append(transcript, line)
	}
	ec.SetNodeOutput(key, transcript)
	return map[string]interface{}{"transcript": strings.Join(transcript, "\n"), "lineCount": len(transcript)}, nil
}

func (h *meetingTranscriptHandler) Describe() string {
	return "appends config.line to the session's running transcript"
}

// meetingVisionHandler implements meeting.vision: forwards a screen/video
// frame description to the agent pool for interpretation.
type meetingVisionHandler struct {
	bundle *services.Bundle
}

func (h *meetingVisionHandler) Execute(ctx context.Context, rc registry.ResolvedCall) (interface{}, error) {
	if h.bundle == nil || h.bundle.AgentPool == nil {
		return nil, fmt.Errorf("meeting.vision %s: no agent pool configured", rc.NodeID)
	}
	sessionID := cfgString(rc.Config, "sessionId", "")
	description := cfgString(rc.Config, "frameDescription", "")
	result, err := h.bundle.AgentPool.ContinueSession(ctx, sessionID, "vision frame: "+description)
	if err != nil {
		return nil, fmt.Errorf("meeting.vision %s: %w", rc.NodeID, err)
	}
	return map[string]interface{}{"success": result.Success, "output": result.Output}, nil
}

func (h *meetingVisionHandler) Describe() string {
	return "forwards config.frameDescription to the meeting session for interpretation"
}

// meetingFinalizeHandler implements meeting.finalize: closes out a meeting
// session and returns its accumulated transcript summary.
type meetingFinalizeHandler struct{}

func (h *meetingFinalizeHandler) Execute(ctx context.Context, rc registry.ResolvedCall) (interface{}, error) {
	ec, err := execContext(rc.ExecContext)
	if err != nil {
		return nil, err
	}
	key := "_meetingTranscript:" + cfgString(rc.Config, "sessionId", "default")
	var transcript []string
	if v, ok := ec.GetNodeOutput(key); ok {
		if lines, ok := v.([]string); ok {
			transcript = lines
		}
	}
	return map[string]interface{}{"finalized": true, "lineCount": len(transcript), "transcript": strings.Join(transcript, "\n")}, nil
}

func (h *meetingFinalizeHandler) Describe() string {
	return "closes the meeting session, returning its accumulated transcript"
}

// RegisterMeetingActions installs every meeting.* node type.
func RegisterMeetingActions(reg *registry.Registry, bundle *services.Bundle) {
	reg.Register("meeting.start", &meetingStartHandler{bundle: bundle})
	reg.Register("meeting.send", &meetingSendHandler{bundle: bundle})
	reg.Register("meeting.transcript", &meetingTranscriptHandler{})
	reg.Register("meeting.vision", &meetingVisionHandler{bundle: bundle})
	reg.Register("meeting.finalize", &meetingFinalizeHandler{})
}
