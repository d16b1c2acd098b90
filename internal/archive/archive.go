// Package archive implements the Run Archive (spec §4.8): one JSON blob per
// run plus a bounded summary index, exposing history, active runs, and
// stuck-run computation. Grounded in the teacher's repository-over-storage
// pattern (common/repository/run.go, cmd/orchestrator/repository) but
// reshaped from a Postgres-backed RunRepository into the file-backed,
// atomic-write-then-rename persistence the spec calls for (§4.8, §6
// "Persisted state layout"), matching internal/workflow/store.go's idiom.
package archive

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/lyzr/fleetengine/common/logger"
	"github.com/lyzr/fleetengine/internal/execctx"
)

// Backend is the subset of Archive's API internal/engine drives against,
// satisfied by both *Archive and *MirroringArchive — the engine runs
// against either without knowing which one it was handed (spec §6
// FeatureFlags.EnableRedisArchiveMirror).
type Backend interface {
	RegisterActive(ec *execctx.Context, workflowID, workflowName string, nodeCount int, triggerEvent, triggerSource, triggeredBy string)
	Finalize(ec *execctx.Context, workflowID, workflowName string, nodeCount int, status string, triggerEvent, triggerSource, triggeredBy string) error
	GetRunHistory(workflowID string, limit int) ([]RunSummary, error)
	GetRunDetail(runID string) (map[string]interface{}, bool, error)
	ActiveRunIDs() []string
}

// RunSummary is the persisted index entry (spec §3).
type RunSummary struct {
	RunID            string     `json:"runId"`
	WorkflowID       string     `json:"workflowId"`
	WorkflowName     string     `json:"workflowName"`
	StartedAt        time.Time  `json:"startedAt"`
	EndedAt          *time.Time `json:"endedAt"`
	DurationMS       int64      `json:"duration"`
	Status           string     `json:"status"`
	NodeCount        int        `json:"node"`
	CompletedCount   int        `json:"completed"`
	FailedCount      int        `json:"failed"`
	SkippedCount     int        `json:"skipped"`
	ActiveCount      int        `json:"active"`
	ErrorCount       int        `json:"errorCount"`
	LogCount         int        `json:"logCount"`
	LastLogAt        *time.Time `json:"lastLogAt"`
	LastProgressAt   *time.Time `json:"lastProgressAt"`
	IsStuck          bool       `json:"isStuck"`
	StuckMS          int64      `json:"stuckMs"`
	StuckThresholdMS int64      `json:"stuckThresholdMs"`
	TriggerEvent     string     `json:"triggerEvent,omitempty"`
	TriggerSource    string     `json:"triggerSource,omitempty"`
	TriggeredBy      string     `json:"triggeredBy,omitempty"`
}

type indexFile struct {
	Runs []RunSummary `json:"runs"`
}

// activeRun is the live bookkeeping entry for a run still in flight.
type activeRun struct {
	ctx           *execctx.Context
	workflowID    string
	workflowName  string
	nodeCount     int
	triggerEvent  string
	triggerSource string
	triggeredBy   string
}

// Archive persists run summaries and details under <dir>/ (typically
// <root>/workflow-runs), and tracks runs currently executing.
type Archive struct {
	dir              string
	log              *logger.Logger
	maxPersisted     int
	stuckThresholdMS int64

	indexMu sync.Mutex // index-level lock: concurrent finalizations serialize here (spec §5)

	activeMu sync.RWMutex
	active   map[string]*activeRun
}

// Options configures an Archive (spec §6 config table).
type Options struct {
	MaxPersistedRuns int
	StuckThresholdMS int
}

func (o Options) withDefaults() Options {
	if o.MaxPersistedRuns <= 0 {
		o.MaxPersistedRuns = 200
	}
	if o.StuckThresholdMS <= 0 {
		o.StuckThresholdMS = 300_000
	}
	return o
}

// New creates an Archive rooted at dir (created if absent).
func New(dir string, opts Options, log *logger.Logger) (*Archive, error) {
	if log == nil {
		log = logger.Nop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create run archive dir: %w", err)
	}
	opts = opts.withDefaults()
	return &Archive{
		dir:              dir,
		log:              log,
		maxPersisted:     opts.MaxPersistedRuns,
		stuckThresholdMS: int64(opts.StuckThresholdMS),
		active:           make(map[string]*activeRun),
	}, nil
}

func (a *Archive) indexPath() string              { return filepath.Join(a.dir, "index.json") }
func (a *Archive) detailPath(runID string) string { return filepath.Join(a.dir, runID+".json") }

// RegisterActive records a run as in-flight so GetRunHistory/GetRunDetail
// can compute its live state. Callers must call Finalize when the run ends.
func (a *Archive) RegisterActive(ec *execctx.Context, workflowID, workflowName string, nodeCount int, triggerEvent, triggerSource, triggeredBy string) {
	a.activeMu.Lock()
	defer a.activeMu.Unlock()
	a.active[ec.RunID] = &activeRun{
		ctx:           ec,
		workflowID:    workflowID,
		workflowName:  workflowName,
		nodeCount:     nodeCount,
		triggerEvent:  triggerEvent,
		triggerSource: triggerSource,
		triggeredBy:   triggeredBy,
	}
}

// Finalize computes the terminal RunSummary, appends it to the bounded
// index, writes the full RunDetail, and unregisters the run as active
// (spec §4.8 "On every terminal run transition").
func (a *Archive) Finalize(ec *execctx.Context, workflowID, workflowName string, nodeCount int, status string, triggerEvent, triggerSource, triggeredBy string) error {
	_, err := a.finalizeSummary(ec, workflowID, workflowName, nodeCount, status, triggerEvent, triggerSource, triggeredBy)
	return err
}

// finalizeSummary is Finalize's implementation, also returning the computed
// RunSummary so MirroringArchive.Finalize can mirror it without recomputing
// or re-reading it from disk.
func (a *Archive) finalizeSummary(ec *execctx.Context, workflowID, workflowName string, nodeCount int, status string, triggerEvent, triggerSource, triggeredBy string) (RunSummary, error) {
	endedAt := time.Now()
	summary := a.summarize(ec, workflowID, workflowName, nodeCount, status, &endedAt, triggerEvent, triggerSource, triggeredBy)

	a.activeMu.Lock()
	delete(a.active, ec.RunID)
	a.activeMu.Unlock()

	if err := a.appendIndex(summary); err != nil {
		// Persistence failures are logged, never fatal (spec §7 "Persistence" kind).
		a.log.Error("failed to append run summary to index", "run_id", ec.RunID, "error", err)
	}

	detail := ec.ToJSON(&endedAt)
	if err := a.writeDetail(ec.RunID, detail); err != nil {
		a.log.Error("failed to write run detail", "run_id", ec.RunID, "error", err)
	}
	return summary, nil
}

func (a *Archive) writeDetail(runID string, detail map[string]interface{}) error {
	data, err := json.MarshalIndent(detail, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run detail %s: %w", runID, err)
	}
	tmp, err := os.CreateTemp(a.dir, runID+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file for run %s: %w", runID, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write run detail %s: %w", runID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file for run %s: %w", runID, err)
	}
	if err := os.Rename(tmpName, a.detailPath(runID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to finalize run detail %s: %w", runID, err)
	}
	return nil
}

// appendIndex appends summary to index.json, evicting the oldest entries
// once the index exceeds maxPersisted (spec §4.8 "evicted from the head").
func (a *Archive) appendIndex(summary RunSummary) error {
	a.indexMu.Lock()
	defer a.indexMu.Unlock()

	idx, err := a.readIndexLocked()
	if err != nil {
		return err
	}
	idx.Runs = append(idx.Runs, summary)
	if len(idx.Runs) > a.maxPersisted {
		idx.Runs = idx.Runs[len(idx.Runs)-a.maxPersisted:]
	}
	return a.writeIndexLocked(idx)
}

func (a *Archive) readIndexLocked() (indexFile, error) {
	data, err := os.ReadFile(a.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return indexFile{}, nil
		}
		return indexFile{}, fmt.Errorf("failed to read run index: %w", err)
	}
	var idx indexFile
	if err := json.Unmarshal(data, &idx); err != nil {
		a.log.Warn("discarding malformed run index, starting fresh", "error", err)
		return indexFile{}, nil
	}
	return idx, nil
}

func (a *Archive) writeIndexLocked(idx indexFile) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run index: %w", err)
	}
	tmp, err := os.CreateTemp(a.dir, "index.*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp index file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp index file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp index file: %w", err)
	}
	if err := os.Rename(tmpName, a.indexPath()); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to finalize run index: %w", err)
	}
	return nil
}

// summarize computes a RunSummary from ec's live or terminal state,
// including stuck-run detection (spec §4.8 "Stuck detection").
func (a *Archive) summarize(ec *execctx.Context, workflowID, workflowName string, nodeCount int, status string, endedAt *time.Time, triggerEvent, triggerSource, triggeredBy string) RunSummary {
	statuses := ec.NodeStatuses()
	completed, failed, skipped, active := 0, 0, 0, 0
	for _, st := range statuses {
		switch st {
		case execctx.StatusCompleted:
			completed++
		case execctx.StatusFailed:
			failed++
		case execctx.StatusSkipped:
			skipped++
		case execctx.StatusRunning, execctx.StatusWaiting, execctx.StatusPending:
			active++
		}
	}

	running := endedAt == nil
	lastLogAt := ec.LastLogAt()
	lastProgressAt := ec.LastProgressAt()

	var lastLogPtr, lastProgressPtr *time.Time
	if !lastLogAt.IsZero() {
		lastLogPtr = &lastLogAt
	}
	if !lastProgressAt.IsZero() {
		lastProgressPtr = &lastProgressAt
	}

	var duration int64
	now := time.Now()
	if endedAt != nil {
		duration = endedAt.Sub(ec.StartedAt).Milliseconds()
	} else {
		duration = now.Sub(ec.StartedAt).Milliseconds()
	}

	var stuckMS int64
	isStuck := false
	if running {
		lastActivity := ec.StartedAt
		if lastLogAt.After(lastActivity) {
			lastActivity = lastLogAt
		}
		if lastProgressAt.After(lastActivity) {
			lastActivity = lastProgressAt
		}
		stuckMS = now.Sub(lastActivity).Milliseconds()
		isStuck = stuckMS >= a.stuckThresholdMS
	}

	return RunSummary{
		RunID:            ec.RunID,
		WorkflowID:       workflowID,
		WorkflowName:     workflowName,
		StartedAt:        ec.StartedAt,
		EndedAt:          endedAt,
		DurationMS:       duration,
		Status:           status,
		NodeCount:        nodeCount,
		CompletedCount:   completed,
		FailedCount:      failed,
		SkippedCount:     skipped,
		ActiveCount:      active,
		ErrorCount:       len(ec.Errors()),
		LogCount:         len(ec.Logs()),
		LastLogAt:        lastLogPtr,
		LastProgressAt:   lastProgressPtr,
		IsStuck:          isStuck,
		StuckMS:          stuckMS,
		StuckThresholdMS: a.stuckThresholdMS,
		TriggerEvent:     triggerEvent,
		TriggerSource:    triggerSource,
		TriggeredBy:      triggeredBy,
	}
}

// liveSummaries computes a RunSummary for every currently-active run.
func (a *Archive) liveSummaries(workflowID string) []RunSummary {
	a.activeMu.RLock()
	defer a.activeMu.RUnlock()

	var out []RunSummary
	for _, r := range a.active {
		if workflowID != "" && r.workflowID != workflowID {
			continue
		}
		out = append(out, a.summarize(r.ctx, r.workflowID, r.workflowName, r.nodeCount, "running", nil, r.triggerEvent, r.triggerSource, r.triggeredBy))
	}
	return out
}

// GetRunHistory merges active runs with persisted summaries, deduplicates
// by runId preferring active, and sorts by startedAt descending (spec
// §4.8). workflowID filters when non-empty; limit <= 0 means unbounded.
func (a *Archive) GetRunHistory(workflowID string, limit int) ([]RunSummary, error) {
	active := a.liveSummaries(workflowID)
	activeIDs := make(map[string]bool, len(active))
	for _, r := range active {
		activeIDs[r.RunID] = true
	}

	a.indexMu.Lock()
	idx, err := a.readIndexLocked()
	a.indexMu.Unlock()
	if err != nil {
		return nil, err
	}

	out := append([]RunSummary(nil), active...)
	for _, r := range idx.Runs {
		if activeIDs[r.RunID] {
			continue
		}
		if workflowID != "" && r.WorkflowID != workflowID {
			continue
		}
		out = append(out, r)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetRunDetail returns the serialized detail for runID, synthesizing it
// live if the run is still active, otherwise reading the persisted file.
func (a *Archive) GetRunDetail(runID string) (map[string]interface{}, bool, error) {
	a.activeMu.RLock()
	r, ok := a.active[runID]
	a.activeMu.RUnlock()
	if ok {
		return r.ctx.ToJSON(nil), true, nil
	}

	data, err := os.ReadFile(a.detailPath(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read run detail %s: %w", runID, err)
	}
	var detail map[string]interface{}
	if err := json.Unmarshal(data, &detail); err != nil {
		return nil, false, fmt.Errorf("run detail %s is not valid JSON: %w", runID, err)
	}
	return detail, true, nil
}

// ActiveRunIDs returns the run ids currently tracked as in-flight.
func (a *Archive) ActiveRunIDs() []string {
	a.activeMu.RLock()
	defer a.activeMu.RUnlock()
	out := make([]string, 0, len(a.active))
	for id := range a.active {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
