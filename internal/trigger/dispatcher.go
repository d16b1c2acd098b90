// Package trigger implements the Trigger Dispatcher (spec §4.7):
// evaluating event-driven trigger nodes against incoming events, and a
// separate tick path for trigger.schedule / trigger.scheduled_once.
// trigger.manual and the polling trigger.task_available are evaluated by
// neither path. New relative to
// the teacher — the teacher's IR arrives with triggers already resolved by
// the kanban/webhook layer upstream of its compiler, so there is no
// teacher file to adapt; the cron scheduling for trigger.schedule /
// trigger.scheduled_once is grounded in the pack's
// github.com/robfig/cron/v3 dependency (SPEC_FULL.md "Trigger Dispatcher
// extras").
package trigger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lyzr/fleetengine/common/logger"
	"github.com/lyzr/fleetengine/internal/execctx"
	"github.com/lyzr/fleetengine/internal/registry"
	"github.com/lyzr/fleetengine/internal/template"
	"github.com/lyzr/fleetengine/internal/workflow"
)

// eventCapable is the set of trigger subtypes that participate in
// EvaluateTriggers; schedule/manual/polling triggers never do (spec §4.7).
var eventCapable = map[string]bool{
	"trigger.event":         true,
	"trigger.pr_event":      true,
	"trigger.task_assigned": true,
	"trigger.anomaly":       true,
	"trigger.webhook":       true,
}

// Fire is one workflow the dispatcher decided should run.
type Fire struct {
	WorkflowID  string
	TriggeredBy string // the trigger node id that fired
	EventData   map[string]interface{}
}

// DefinitionSource supplies the enabled-workflow set to scan. Satisfied
// directly by *internal/workflow.Store.
type DefinitionSource interface {
	List() []*workflow.Definition
}

// Dispatcher evaluates trigger nodes against events and schedule ticks.
type Dispatcher struct {
	defs DefinitionSource
	reg  *registry.Registry
	log  *logger.Logger

	parser cron.Parser

	mu        sync.Mutex
	lastTick  time.Time
	firedOnce map[string]bool // nodeID -> fired, for trigger.scheduled_once
}

// New creates a Dispatcher over defs (the workflow store) and reg (the
// node registry, used to invoke event-capable trigger handlers).
func New(defs DefinitionSource, reg *registry.Registry, log *logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.Nop()
	}
	return &Dispatcher{
		defs:      defs,
		reg:       reg,
		log:       log,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		lastTick:  time.Now(),
		firedOnce: make(map[string]bool),
	}
}

// EvaluateTriggers scans every enabled workflow's event-capable trigger
// nodes against (eventType, eventData) and returns the set of workflows to
// fire (spec §4.7).
func (d *Dispatcher) EvaluateTriggers(ctx context.Context, eventType string, eventData map[string]interface{}) ([]Fire, error) {
	var fires []Fire
	for _, def := range d.defs.List() {
		if !def.Enabled {
			continue
		}
		for _, node := range def.Nodes {
			if !eventCapable[node.Type] {
				continue
			}
			triggered, err := d.invokeTrigger(ctx, def, &node, eventType, eventData)
			if err != nil {
				d.log.Warn("trigger evaluation failed", "workflow_id", def.ID, "node_id", node.ID, "error", err)
				continue
			}
			if triggered {
				fires = append(fires, Fire{WorkflowID: def.ID, TriggeredBy: node.ID, EventData: eventData})
			}
		}
	}
	return fires, nil
}

// invokeTrigger resolves the node's config against an ephemeral context
// seeded with eventData and invokes its registered handler, treating
// output["triggered"] == true as the fire decision (spec §4.7).
func (d *Dispatcher) invokeTrigger(ctx context.Context, def *workflow.Definition, node *workflow.Node, eventType string, eventData map[string]interface{}) (bool, error) {
	handler, ok := d.reg.Lookup(node.Type)
	if !ok {
		return false, fmt.Errorf("no handler registered for trigger type %q", node.Type)
	}

	input := make(map[string]interface{}, len(eventData)+1)
	for k, v := range eventData {
		input[k] = v
	}
	input["_eventType"] = eventType

	ec := execctx.New(def.ID, def.Name, def.Variables, input)
	resolved, _ := template.Resolve(node.Config, ec).(map[string]interface{})
	if resolved == nil {
		resolved = map[string]interface{}{}
	}

	out, err := handler.Execute(ctx, registry.ResolvedCall{
		NodeID:      node.ID,
		NodeType:    node.Type,
		Config:      resolved,
		ExecContext: ec,
	})
	if err != nil {
		return false, err
	}

	m, ok := out.(map[string]interface{})
	if !ok {
		return false, nil
	}
	triggered, _ := m["triggered"].(bool)
	return triggered, nil
}

// Tick evaluates trigger.schedule and trigger.scheduled_once nodes across
// every enabled workflow against now, firing those whose cron expression
// has elapsed since the dispatcher's last tick (or, for scheduled_once,
// whose fireAt has passed and has not already fired). This is the
// dispatcher's own tick path, never driven by EvaluateTriggers (spec §4.7,
// SPEC_FULL.md "Trigger Dispatcher extras").
func (d *Dispatcher) Tick(now time.Time) []Fire {
	d.mu.Lock()
	lastTick := d.lastTick
	d.lastTick = now
	d.mu.Unlock()

	var fires []Fire
	for _, def := range d.defs.List() {
		if !def.Enabled {
			continue
		}
		for _, node := range def.Nodes {
			switch node.Type {
			case "trigger.schedule":
				if d.scheduleDue(node.Config, lastTick, now) {
					fires = append(fires, Fire{WorkflowID: def.ID, TriggeredBy: node.ID, EventData: map[string]interface{}{"_tick": now}})
				}
			case "trigger.scheduled_once":
				if d.onceDue(node.ID, node.Config, now) {
					fires = append(fires, Fire{WorkflowID: def.ID, TriggeredBy: node.ID, EventData: map[string]interface{}{"_tick": now}})
				}
			}
		}
	}
	return fires
}

func (d *Dispatcher) scheduleDue(cfg map[string]interface{}, lastTick, now time.Time) bool {
	expr, _ := cfg["cron"].(string)
	if expr == "" {
		return false
	}
	schedule, err := d.parser.Parse(expr)
	if err != nil {
		d.log.Warn("invalid cron expression on trigger.schedule node", "cron", expr, "error", err)
		return false
	}
	next := schedule.Next(lastTick)
	return !next.After(now)
}

func (d *Dispatcher) onceDue(nodeID string, cfg map[string]interface{}, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.firedOnce[nodeID] {
		return false
	}
	fireAtStr, _ := cfg["fireAt"].(string)
	if fireAtStr == "" {
		return false
	}
	fireAt, err := time.Parse(time.RFC3339, fireAtStr)
	if err != nil {
		d.log.Warn("invalid fireAt on trigger.scheduled_once node", "fireAt", fireAtStr, "error", err)
		return false
	}
	if now.Before(fireAt) {
		return false
	}
	d.firedOnce[nodeID] = true
	return true
}

// FiredOnceNodeIDs returns, for diagnostics/tests, the node ids whose
// trigger.scheduled_once has already fired.
func (d *Dispatcher) FiredOnceNodeIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.firedOnce))
	for id := range d.firedOnce {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
