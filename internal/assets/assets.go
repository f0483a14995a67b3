// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package assets resolves overlay assets to absolute local paths for the
// compositor and owns the uploads directory. Resolved records are cached
// until the backing file changes on disk; an fsnotify watcher on the
// uploads dir invalidates entries so out-of-band refreshers (api_image
// fetchers, operator scp) take effect on the next cue.
package assets

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vistter/vistterstream/internal/log"
	"github.com/vistter/vistterstream/internal/model"
)

// Extensions the compositor can feed to the encoder as overlay inputs.
var allowedExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".webp": true,
	".bmp":  true,
	".mp4":  true,
	".mov":  true,
	".webm": true,
}

// Catalog is the record source, implemented by the store.
type Catalog interface {
	Asset(ctx context.Context, id int64) (model.Asset, error)
}

// Manager owns the uploads directory and the resolution cache.
type Manager struct {
	dir     string
	catalog Catalog
	logger  zerolog.Logger

	mu      sync.Mutex
	byID    map[int64]model.Asset
	byPath  map[string][]int64
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewManager creates the uploads directory if needed and starts the
// change watcher.
func NewManager(uploadsDir string, catalog Catalog) (*Manager, error) {
	if !filepath.IsAbs(uploadsDir) {
		return nil, fmt.Errorf("%w: uploads dir %q must be absolute", model.ErrConfigInvalid, uploadsDir)
	}
	if err := os.MkdirAll(uploadsDir, 0o750); err != nil {
		return nil, fmt.Errorf("create uploads dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("start uploads watcher: %w", err)
	}
	if err := watcher.Add(uploadsDir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch uploads dir: %w", err)
	}

	m := &Manager{
		dir:     uploadsDir,
		catalog: catalog,
		logger:  log.WithComponent("assets"),
		byID:    make(map[int64]model.Asset),
		byPath:  make(map[string][]int64),
		watcher: watcher,
		done:    make(chan struct{}),
	}
	go m.watch()
	return m, nil
}

// Close stops the watcher.
func (m *Manager) Close() error {
	err := m.watcher.Close()
	<-m.done
	return err
}

// Dir returns the absolute uploads directory.
func (m *Manager) Dir() string { return m.dir }

// SaveUpload stores the payload under a fresh UUID filename, keeping
// only the validated extension from the client-supplied name.
func (m *Manager) SaveUpload(originalName string, src io.Reader) (string, error) {
	ext := strings.ToLower(filepath.Ext(originalName))
	if !allowedExtensions[ext] {
		return "", fmt.Errorf("%w: file extension %q not allowed", model.ErrConfigInvalid, ext)
	}

	name := uuid.NewString() + ext
	path := filepath.Join(m.dir, name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640) // #nosec G304 -- uuid filename under our dir
	if err != nil {
		return "", fmt.Errorf("create upload: %w", err)
	}
	if _, err := io.Copy(f, src); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("write upload: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("close upload: %w", err)
	}
	return path, nil
}

// Remove deletes an uploaded file. Paths outside the uploads dir are
// rejected, not deleted.
func (m *Manager) Remove(path string) error {
	rel, err := filepath.Rel(m.dir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("%w: path %q outside uploads dir", model.ErrConfigInvalid, path)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Resolve returns the asset with its local path verified: absolute and
// present on disk. Results are cached until the file changes.
func (m *Manager) Resolve(ctx context.Context, id int64) (model.Asset, error) {
	m.mu.Lock()
	if a, ok := m.byID[id]; ok {
		m.mu.Unlock()
		return a, nil
	}
	m.mu.Unlock()

	a, err := m.catalog.Asset(ctx, id)
	if err != nil {
		return model.Asset{}, err
	}
	if a.LocalPath == "" {
		return model.Asset{}, fmt.Errorf("%w: asset %d has no local file", model.ErrNotFound, id)
	}
	if !filepath.IsAbs(a.LocalPath) {
		return model.Asset{}, fmt.Errorf("%w: asset %d path %q is not absolute", model.ErrConfigInvalid, id, a.LocalPath)
	}
	if _, err := os.Stat(a.LocalPath); err != nil {
		return model.Asset{}, fmt.Errorf("%w: asset %d file %s: %v", model.ErrNotFound, id, a.LocalPath, err)
	}

	m.mu.Lock()
	m.byID[id] = a
	m.byPath[a.LocalPath] = append(m.byPath[a.LocalPath], id)
	m.mu.Unlock()
	return a, nil
}

// Invalidate drops the cache entry for one asset, e.g. after a record
// update.
func (m *Manager) Invalidate(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.byID[id]; ok {
		delete(m.byID, id)
		m.dropPathRef(a.LocalPath, id)
	}
}

func (m *Manager) watch() {
	defer close(m.done)
	for {
		select {
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				m.invalidatePath(ev.Name)
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn().Err(err).Msg("uploads watcher error")
		}
	}
}

func (m *Manager) invalidatePath(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.byPath[path]
	if len(ids) == 0 {
		return
	}
	for _, id := range ids {
		delete(m.byID, id)
	}
	delete(m.byPath, path)
	m.logger.Debug().Str("path", path).Int("entries", len(ids)).Msg("asset cache invalidated")
}

func (m *Manager) dropPathRef(path string, id int64) {
	ids := m.byPath[path]
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		delete(m.byPath, path)
	} else {
		m.byPath[path] = out
	}
}
