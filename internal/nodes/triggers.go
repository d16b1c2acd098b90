package nodes

import (
	"context"
	"strings"

	"github.com/lyzr/fleetengine/internal/registry"
)

// triggerHandler adapts a plain match function to registry.Handler. Every
// trigger node returns {"triggered": bool, ...} — the contract the Trigger
// Dispatcher (internal/trigger) reads (spec §4.7). When a trigger node runs
// as a workflow's entry node, the scheduler stores that output like any
// other node's and does not act on "triggered".
type triggerHandler struct {
	describe string
	match    func(cfg map[string]interface{}, ec *execContextFacade) (bool, map[string]interface{})
}

// execContextFacade is a tiny read-only view so trigger matchers don't need
// the full *execctx.Context surface; Execute builds it from the context's
// data.
type execContextFacade struct {
	data map[string]interface{}
}

func (f *execContextFacade) get(key string) (interface{}, bool) {
	v, ok := f.data[key]
	return v, ok
}

func (h *triggerHandler) Execute(ctx context.Context, rc registry.ResolvedCall) (interface{}, error) {
	ec, err := execContext(rc.ExecContext)
	if err != nil {
		return nil, err
	}
	facade := &execContextFacade{data: ec.Data()}
	triggered, extra := h.match(rc.Config, facade)
	out := map[string]interface{}{"triggered": triggered}
	for k, v := range extra {
		out[k] = v
	}
	return out, nil
}

func (h *triggerHandler) Describe() string { return h.describe }

// RegisterTriggers installs every trigger.* and meeting.wake_phrase node
// type (spec §6 built-in node categories table).
func RegisterTriggers(reg *registry.Registry) {
	reg.Register("trigger.manual", &triggerHandler{
		describe: "fires immediately; the entry point for a user-initiated run",
		match: func(cfg map[string]interface{}, ec *execContextFacade) (bool, map[string]interface{}) {
			return true, nil
		},
	})

	reg.Register("trigger.schedule", &triggerHandler{
		describe: "fires on a cron schedule (evaluated by the dispatcher's tick path, not here)",
		match: func(cfg map[string]interface{}, ec *execContextFacade) (bool, map[string]interface{}) {
			return true, nil
		},
	})

	reg.Register("trigger.scheduled_once", &triggerHandler{
		describe: "fires once at config.fireAt (evaluated by the dispatcher's tick path, not here)",
		match: func(cfg map[string]interface{}, ec *execContextFacade) (bool, map[string]interface{}) {
			return true, nil
		},
	})

	reg.Register("trigger.event", &triggerHandler{
		describe: "fires when the incoming event's type matches config.eventType",
		match: func(cfg map[string]interface{}, ec *execContextFacade) (bool, map[string]interface{}) {
			want := cfgString(cfg, "eventType", "")
			got, _ := ec.get("_eventType")
			gotStr, _ := got.(string)
			return want == "" || want == gotStr, nil
		},
	})

	reg.Register("trigger.pr_event", &triggerHandler{
		describe: "fires when a PR webhook action matches config.prAction",
		match: func(cfg map[string]interface{}, ec *execContextFacade) (bool, map[string]interface{}) {
			want := cfgString(cfg, "prAction", "")
			got, _ := ec.get("action")
			gotStr, _ := got.(string)
			return want == "" || want == gotStr, nil
		},
	})

	reg.Register("trigger.task_assigned", &triggerHandler{
		describe: "fires when a kanban task is assigned, optionally scoped to config.projectId",
		match: func(cfg map[string]interface{}, ec *execContextFacade) (bool, map[string]interface{}) {
			wantProject := cfgString(cfg, "projectId", "")
			gotProject, _ := ec.get("projectId")
			gotProjectStr, _ := gotProject.(string)
			if wantProject != "" && wantProject != gotProjectStr {
				return false, nil
			}
			wantAssignee := cfgString(cfg, "assignee", "")
			gotAssignee, _ := ec.get("assignee")
			gotAssigneeStr, _ := gotAssignee.(string)
			return wantAssignee == "" || wantAssignee == gotAssigneeStr, nil
		},
	})

	reg.Register("trigger.task_available", &triggerHandler{
		describe: "fires when the run's data carries _available=true",
		match: func(cfg map[string]interface{}, ec *execContextFacade) (bool, map[string]interface{}) {
			// Neither the dispatcher's event path nor its tick path
			// evaluates this type, and nothing in the engine sets
			// _available; it is read from the run's data as given.
			v, _ := ec.get("_available")
			b, _ := v.(bool)
			return b, nil
		},
	})

	reg.Register("trigger.anomaly", &triggerHandler{
		describe: "fires on an anomaly event unless the external cooldown says not to",
		match: func(cfg map[string]interface{}, ec *execContextFacade) (bool, map[string]interface{}) {
			// Alert-cooldown scoping lives outside the engine (spec §9
			// second Open Question, SPEC_FULL.md decision): the analyzer
			// collaborator precomputes cooldownOk and hands it in via
			// resolved config.
			if ok, present := cfg["cooldownOk"]; present {
				if okBool, isBool := ok.(bool); isBool && !okBool {
					return false, nil
				}
			}
			wantType := cfgString(cfg, "anomalyType", "")
			gotType, _ := ec.get("anomalyType")
			gotTypeStr, _ := gotType.(string)
			return wantType == "" || wantType == gotTypeStr, nil
		},
	})

	reg.Register("trigger.webhook", &triggerHandler{
		describe: "fires when an inbound webhook matches config.path/config.method",
		match: func(cfg map[string]interface{}, ec *execContextFacade) (bool, map[string]interface{}) {
			wantPath := cfgString(cfg, "path", "")
			gotPath, _ := ec.get("path")
			gotPathStr, _ := gotPath.(string)
			if wantPath != "" && wantPath != gotPathStr {
				return false, nil
			}
			wantMethod := cfgString(cfg, "method", "")
			gotMethod, _ := ec.get("method")
			gotMethodStr, _ := gotMethod.(string)
			return wantMethod == "" || strings.EqualFold(wantMethod, gotMethodStr), nil
		},
	})

	reg.Register("meeting.wake_phrase", &triggerHandler{
		describe: "fires when a live meeting transcript contains config.wakePhrase",
		match: func(cfg map[string]interface{}, ec *execContextFacade) (bool, map[string]interface{}) {
			phrase := strings.ToLower(cfgString(cfg, "wakePhrase", ""))
			if phrase == "" {
				return false, nil
			}
			heard, _ := ec.get("phrase")
			heardStr, _ := heard.(string)
			return strings.Contains(strings.ToLower(heardStr), phrase), nil
		},
	})
}
