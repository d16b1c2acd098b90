package workflow

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// StoreEvent reports a filesystem-level change observed by Watch.
type StoreEvent struct {
	WorkflowID string
	Op         string // "write", "remove"
}

// Watch tails the store directory for external changes (e.g. an operator
// hand-editing a definition file) and reloads the in-memory index when
// they occur, mirroring the hot-reload idiom the pack's conductor repo
// uses fsnotify for. This is optional infrastructure — the store is fully
// functional without ever calling Watch (spec §4.4 "Workflow Store
// extras").
func (s *Store) Watch(ctx context.Context) (<-chan StoreEvent, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return nil, err
	}

	out := make(chan StoreEvent, 16)
	go func() {
		defer watcher.Close()
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Ext(ev.Name) != ".json" {
					continue
				}
				id := filepath.Base(ev.Name)
				id = id[:len(id)-len(".json")]

				switch {
				case ev.Op&(fsnotify.Write|fsnotify.Create) != 0:
					if err := s.reload(); err == nil {
						select {
						case out <- StoreEvent{WorkflowID: id, Op: "write"}:
						default:
						}
					}
				case ev.Op&fsnotify.Remove != 0:
					s.mu.Lock()
					delete(s.index, id)
					s.mu.Unlock()
					select {
					case out <- StoreEvent{WorkflowID: id, Op: "remove"}:
					default:
					}
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return out, nil
}
