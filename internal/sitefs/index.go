// Package sitefs indexes site directories on disk by their normalized site ID.
//
// An Index scans its root directory lazily. Once Start has attached an
// fsnotify watcher the listing is cached and invalidated on change events;
// without a watcher every lookup rescans. A missing root has no entries.
package sitefs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/logen-app/logen/internal/siteid"
)

// ManifestName is the optional per-bundle manifest file.
const ManifestName = "site.yaml"

// Manifest is the subset of site.yaml the index reads.
type Manifest struct {
	SiteID   string `yaml:"site_id"`
	SiteName string `yaml:"site_name"`
}

// Option configures an Index.
type Option func(*Index)

// WithManifests makes the index also honor site_id from each bundle's site.yaml.
func WithManifests() Option {
	return func(ix *Index) { ix.manifests = true }
}

// WithMaxLength sets the site ID length used when normalizing directory names.
func WithMaxLength(n int) Option {
	return func(ix *Index) { ix.maxLen = n }
}

// Index maps normalized site IDs to the directory that claims them.
type Index struct {
	root      string
	maxLen    int
	manifests bool

	mu       sync.RWMutex
	entries  map[string]string
	valid    bool
	gen      uint64
	watcher  *fsnotify.Watcher
	watching bool
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New returns an index over root.
func New(root string, opts ...Option) *Index {
	ix := &Index{root: root, maxLen: siteid.DefaultMaxLength}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// Root returns the indexed directory.
func (ix *Index) Root() string { return ix.root }

// Start attaches a filesystem watcher to the root. It is a no-op when
// already started. If the root does not exist yet the index keeps
// rescanning on every lookup.
func (ix *Index) Start(ctx context.Context) error {
	ix.mu.Lock()
	if ix.watcher != nil {
		ix.mu.Unlock()
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		ix.mu.Unlock()
		return fmt.Errorf("create watcher for %s: %w", ix.root, err)
	}
	ix.watcher = w
	ix.stopCh = make(chan struct{})
	ix.doneCh = make(chan struct{})

	if err := w.Add(ix.root); err != nil {
		slog.Warn("Site index not watching root, falling back to rescans", "root", ix.root, "error", err)
	} else {
		ix.watching = true
	}
	// A scan already in flight predates the watch and must not be cached.
	ix.valid = false
	ix.gen++
	stopCh, doneCh := ix.stopCh, ix.doneCh
	ix.mu.Unlock()

	go ix.run(ctx, w, stopCh, doneCh)
	return nil
}

// Stop detaches the watcher and waits for its goroutine to exit.
func (ix *Index) Stop() {
	ix.mu.Lock()
	w := ix.watcher
	if w == nil {
		ix.mu.Unlock()
		return
	}
	ix.watcher = nil
	ix.watching = false
	ix.valid = false
	stopCh, doneCh := ix.stopCh, ix.doneCh
	ix.mu.Unlock()

	close(stopCh)
	<-doneCh
	if err := w.Close(); err != nil {
		slog.Warn("Failed to close site index watcher", "root", ix.root, "error", err)
	}
}

// Invalidate drops the cached listing.
func (ix *Index) Invalidate() {
	ix.mu.Lock()
	ix.valid = false
	ix.gen++
	ix.mu.Unlock()
}

// Contains reports whether any directory claims siteID.
func (ix *Index) Contains(ctx context.Context, siteID string) (bool, error) {
	entries, err := ix.Entries(ctx)
	if err != nil {
		return false, err
	}
	_, ok := entries[siteID]
	return ok, nil
}

// Entries returns site ID -> directory name. The map must not be modified.
func (ix *Index) Entries(ctx context.Context) (map[string]string, error) {
	ix.mu.RLock()
	if ix.valid {
		entries := ix.entries
		ix.mu.RUnlock()
		return entries, nil
	}
	gen := ix.gen
	ix.mu.RUnlock()

	entries, err := ix.scan(ctx)
	if err != nil {
		return nil, err
	}

	ix.cache(gen, entries)
	return entries, nil
}

// cache keeps a listing scanned at generation gen, unless the index is
// not watching or something invalidated it since.
func (ix *Index) cache(gen uint64, entries map[string]string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if !ix.watching || ix.gen != gen {
		return false
	}
	ix.entries = entries
	ix.valid = true
	return true
}

func (ix *Index) scan(ctx context.Context) (map[string]string, error) {
	dirents, err := os.ReadDir(ix.root)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read site directory %s: %w", ix.root, err)
	}

	entries := make(map[string]string, len(dirents))
	for _, d := range dirents {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !d.IsDir() || d.Name()[0] == '.' {
			continue
		}
		if id, err := siteid.Normalize(d.Name(), ix.maxLen); err == nil {
			entries[id] = d.Name()
		}
		if !ix.manifests {
			continue
		}
		ix.watchBundle(filepath.Join(ix.root, d.Name()))
		m, err := readManifest(filepath.Join(ix.root, d.Name(), ManifestName))
		if err != nil {
			slog.Warn("Skipping unreadable site manifest", "bundle", d.Name(), "error", err)
			continue
		}
		if m == nil || m.SiteID == "" {
			continue
		}
		if id, err := siteid.Normalize(m.SiteID, ix.maxLen); err == nil {
			entries[id] = d.Name()
		}
	}
	return entries, nil
}

// watchBundle adds a bundle directory to the watcher so manifest edits
// invalidate the cache.
func (ix *Index) watchBundle(dir string) {
	ix.mu.RLock()
	w, watching := ix.watcher, ix.watching
	ix.mu.RUnlock()
	if w == nil || !watching {
		return
	}
	if err := w.Add(dir); err != nil {
		slog.Debug("Failed to watch site bundle", "dir", dir, "error", err)
	}
}

func (ix *Index) run(ctx context.Context, w *fsnotify.Watcher, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	for {
		select {
		case <-ctx.Done():
			ix.mu.Lock()
			ix.watching = false
			ix.valid = false
			ix.mu.Unlock()
			return
		case <-stopCh:
			return
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if event.Op == fsnotify.Chmod {
				continue
			}
			slog.Debug("Site index invalidated", "root", ix.root, "path", event.Name, "op", event.Op.String())
			ix.Invalidate()
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			slog.Warn("Site index watcher error", "root", ix.root, "error", err)
			ix.Invalidate()
		}
	}
}

func readManifest(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &m, nil
}
