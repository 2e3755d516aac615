// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package placement supplies the deployed-process mapping consumed by the
// sampling loop. The mapping itself is owned externally; this package only
// mirrors a manifest file maintained by the deployment machinery and serves
// it as a trusted, possibly-stale view.
package placement

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/antimetal/resmon/pkg/sampling"
	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
)

// Compile-time interface check
var _ sampling.Placement = (*ManifestWatcher)(nil)

// ManifestWatcher serves the process placement mapping from a JSON manifest
// file of the form {"serviceId": pid, ...}. The file is loaded at startup and
// reloaded when the deployment machinery rewrites it; between rewrites the
// cached mapping is returned as-is. A manifest that is missing or momentarily
// unparsable keeps the last good mapping rather than failing lookups.
type ManifestWatcher struct {
	path    string
	logger  logr.Logger
	watcher *fsnotify.Watcher

	mu      sync.RWMutex
	mapping map[int32]string
}

func NewManifestWatcher(path string, logger logr.Logger) (*ManifestWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating manifest watcher: %w", err)
	}
	// Watch the directory, not the file: editors and deployers replace the
	// file atomically via rename, which drops a file-level watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching manifest directory: %w", err)
	}

	w := &ManifestWatcher{
		path:    path,
		logger:  logger.WithName("placement"),
		watcher: watcher,
		mapping: make(map[int32]string),
	}
	if err := w.load(); err != nil {
		w.logger.Info("placement manifest not loaded yet", "path", path, "reason", err)
	}
	return w, nil
}

// Start processes manifest file events until ctx is cancelled.
func (w *ManifestWatcher) Start(ctx context.Context) error {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != w.path {
				continue
			}
			if event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) {
				if err := w.load(); err != nil {
					w.logger.Error(err, "failed to reload placement manifest", "path", w.path)
				}
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error(err, "placement watcher error")
		}
	}
}

// ListDeployedProcesses returns a copy of the cached mapping.
func (w *ManifestWatcher) ListDeployedProcesses(ctx context.Context, nodeName string) (map[int32]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	mapping := make(map[int32]string, len(w.mapping))
	for pid, service := range w.mapping {
		mapping[pid] = service
	}
	return mapping, nil
}

func (w *ManifestWatcher) load() error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return err
	}
	var byService map[string]int32
	if err := json.Unmarshal(data, &byService); err != nil {
		return fmt.Errorf("parsing %s: %w", w.path, err)
	}

	mapping := make(map[int32]string, len(byService))
	for service, pid := range byService {
		mapping[pid] = service
	}

	w.mu.Lock()
	w.mapping = mapping
	w.mu.Unlock()
	w.logger.V(1).Info("placement manifest loaded", "path", w.path, "processes", len(mapping))
	return nil
}
