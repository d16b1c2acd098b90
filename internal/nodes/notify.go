package nodes

import (
	"context"
	"fmt"

	"github.com/lyzr/fleetengine/common/logger"
	"github.com/lyzr/fleetengine/internal/registry"
	"github.com/lyzr/fleetengine/internal/services"
)

// notifyLogHandler implements notify.log: writes config.message to the
// execution context's log and, when one is configured, to the engine's own
// structured logger — this is for a workflow author to deliberately
// surface a message at a chosen level.
type notifyLogHandler struct {
	log *logger.Logger
}

func (h *notifyLogHandler) Execute(ctx context.Context, rc registry.ResolvedCall) (interface{}, error) {
	ec, err := execContext(rc.ExecContext)
	if err != nil {
		return nil, err
	}
	message := cfgString(rc.Config, "message", "")
	level := cfgString(rc.Config, "level", "info")
	ec.Log(rc.NodeID, message, level)
	if h.log != nil {
		switch level {
		case "error":
			h.log.Error(message, "node_id", rc.NodeID)
		case "warn":
			h.log.Warn(message, "node_id", rc.NodeID)
		default:
			h.log.Info(message, "node_id", rc.NodeID)
		}
	}
	return map[string]interface{}{"logged": true}, nil
}

func (h *notifyLogHandler) Describe() string {
	return "logs config.message at config.level through the engine logger"
}

// notifyTelegramHandler implements notify.telegram.
type notifyTelegramHandler struct {
	bundle *services.Bundle
}

func (h *notifyTelegramHandler) Execute(ctx context.Context, rc registry.ResolvedCall) (interface{}, error) {
	if h.bundle == nil || h.bundle.Telegram == nil {
		return nil, fmt.Errorf("notify.telegram %s: no telegram collaborator configured", rc.NodeID)
	}
	message := cfgString(rc.Config, "message", "")
	if err := h.bundle.Telegram.Send(ctx, message); err != nil {
		return nil, fmt.Errorf("notify.telegram %s: %w", rc.NodeID, err)
	}
	return map[string]interface{}{"sent": true}, nil
}

func (h *notifyTelegramHandler) Describe() string {
	return "sends config.message via the telegram collaborator"
}

// RegisterNotifyActions installs every notify.* node type.
func RegisterNotifyActions(reg *registry.Registry, bundle *services.Bundle, log *logger.Logger) {
	reg.Register("notify.log", &notifyLogHandler{log: log})
	reg.Register("notify.telegram", &notifyTelegramHandler{bundle: bundle})
}
