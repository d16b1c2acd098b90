package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"

	"github.com/lyzr/fleetengine/common/logger"
)

// Store loads, validates, saves, deletes, imports, and exports workflow
// definitions as JSON documents on disk, one file per id (spec §4.4).
//
// Write-write contention on the same workflow id is serialized by a
// per-id mutex; readers never block on each other (spec §5 "Shared-resource
// policy").
type Store struct {
	dir    string
	log    *logger.Logger
	mu     sync.RWMutex // guards index and idLocks map membership
	index  map[string]*Definition
	idLock map[string]*sync.Mutex
}

// NewStore creates a store rooted at dir (created if absent) and loads any
// existing definitions found there.
func NewStore(dir string, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.Nop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workflow store dir: %w", err)
	}
	s := &Store{
		dir:    dir,
		log:    log,
		index:  make(map[string]*Definition),
		idLock: make(map[string]*sync.Mutex),
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// reload reads every .json file, parses it, and discards malformed entries
// with a warning (spec §4.4 "load").
func (s *Store) reload() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to read workflow store dir: %w", err)
	}

	index := make(map[string]*Definition, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			s.log.Warn("failed to read workflow file", "file", e.Name(), "error", err)
			continue
		}
		var def Definition
		if err := json.Unmarshal(data, &def); err != nil {
			s.log.Warn("discarding malformed workflow file", "file", e.Name(), "error", err)
			continue
		}
		index[def.ID] = &def
	}

	s.mu.Lock()
	s.index = index
	s.mu.Unlock()
	return nil
}

func (s *Store) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.idLock[id]
	if !ok {
		m = &sync.Mutex{}
		s.idLock[id] = m
	}
	return m
}

// Get returns the indexed definition by id.
func (s *Store) Get(id string) (*Definition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.index[id]
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

// List returns every indexed definition, sorted by id for determinism.
func (s *Store) List() []*Definition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Definition, 0, len(s.index))
	for _, d := range s.index {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Save validates def, stamps metadata, and writes it atomically
// (write-to-temp + rename) to prevent torn reads (spec §4.4).
func (s *Store) Save(def *Definition) (*Definition, error) {
	if def.ID == "" {
		def.ID = "template-" + uuid.NewString()
	}
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("workflow validation failed: %w", err)
	}

	lock := s.lockFor(def.ID)
	lock.Lock()
	defer lock.Unlock()

	out := def.Clone()
	out.Touch(now())

	if err := s.writeAtomic(out); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.index[out.ID] = out
	s.mu.Unlock()

	return out.Clone(), nil
}

func (s *Store) writeAtomic(def *Definition) error {
	data, err := json.MarshalIndent(def, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal workflow %s: %w", def.ID, err)
	}

	tmp, err := os.CreateTemp(s.dir, def.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file for workflow %s: %w", def.ID, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write workflow %s: %w", def.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file for workflow %s: %w", def.ID, err)
	}
	if err := os.Rename(tmpName, s.path(def.ID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to finalize workflow %s: %w", def.ID, err)
	}
	return nil
}

// Delete removes the file and the index entry.
func (s *Store) Delete(id string) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete workflow %s: %w", id, err)
	}

	s.mu.Lock()
	delete(s.index, id)
	s.mu.Unlock()
	return nil
}

// Import mints a fresh id regardless of the payload's id, to avoid
// collisions (spec §4.4).
func (s *Store) Import(raw []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("failed to parse imported workflow: %w", err)
	}
	def.ID = "template-" + uuid.NewString()
	def.Metadata.Version = 0
	def.Metadata.CreatedAt = ""
	def.Metadata.UpdatedAt = ""
	return s.Save(&def)
}

// Export serializes the indexed form of a definition.
func (s *Store) Export(id string) ([]byte, error) {
	def, ok := s.Get(id)
	if !ok {
		return nil, fmt.Errorf("workflow not found: %s", id)
	}
	return json.MarshalIndent(def, "", "  ")
}

// Patch applies an RFC 6902 JSON Patch to the stored definition's JSON
// form, re-validates the result, and re-saves it with a bumped version.
// This is the store-level analogue of the teacher's run-patch
// materialization, scoped to definitions instead of live execution IR
// (see SPEC_FULL.md "Workflow Store extras").
func (s *Store) Patch(id string, patch jsonpatch.Patch) (*Definition, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	current, ok := s.index[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("workflow not found: %s", id)
	}

	currentJSON, err := json.Marshal(current)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal workflow %s: %w", id, err)
	}

	patchedJSON, err := patch.Apply(currentJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to apply patch to workflow %s: %w", id, err)
	}

	var patched Definition
	if err := json.Unmarshal(patchedJSON, &patched); err != nil {
		return nil, fmt.Errorf("patched workflow %s is not valid JSON: %w", id, err)
	}
	patched.ID = id

	if err := patched.Validate(); err != nil {
		return nil, fmt.Errorf("patched workflow %s failed validation: %w", id, err)
	}

	patched.Touch(now())
	if err := s.writeAtomic(&patched); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.index[id] = &patched
	s.mu.Unlock()

	return patched.Clone(), nil
}

var now = time.Now
