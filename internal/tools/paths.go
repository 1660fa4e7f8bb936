package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// PathTable resolves tool names to binary paths. Static overrides from
// config take precedence, then entries from an optional YAML file that
// can be edited while the worker runs, then the bare binary name for
// PATH lookup by the supervisor.
type PathTable struct {
	mu     sync.RWMutex
	static map[string]string
	file   string
	loaded map[string]string
	log    *zap.Logger
}

// NewPathTable builds a table from config overrides and an optional
// override file. A missing file is not an error; it may appear later.
func NewPathTable(static map[string]string, file string, log *zap.Logger) *PathTable {
	if log == nil {
		log = zap.NewNop()
	}
	p := &PathTable{
		static: static,
		file:   file,
		loaded: map[string]string{},
		log:    log.Named("toolpaths"),
	}
	if file != "" {
		if err := p.Load(); err != nil {
			p.log.Warn("failed to load tool path file", zap.String("file", file), zap.Error(err))
		}
	}
	return p
}

// Resolve returns the path to launch for a spec. Unresolved names fall
// back to the binary name; the supervisor reports missing binaries as a
// run status, not an error.
func (p *PathTable) Resolve(spec *Spec) string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if path, ok := p.static[spec.Name]; ok && path != "" {
		return path
	}
	if path, ok := p.loaded[spec.Name]; ok && path != "" {
		return path
	}
	return spec.Binary
}

// Load reads the override file, a YAML map of tool name to path.
func (p *PathTable) Load() error {
	if p.file == "" {
		return nil
	}
	data, err := os.ReadFile(p.file)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	loaded := map[string]string{}
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("failed to parse tool path file: %w", err)
	}

	p.mu.Lock()
	p.loaded = loaded
	p.mu.Unlock()

	p.log.Debug("tool paths loaded", zap.String("file", p.file), zap.Int("entries", len(loaded)))
	return nil
}

// Watch reloads the override file when it changes, until ctx is done.
// The watch is on the directory because editors replace files rather
// than writing them in place.
func (p *PathTable) Watch(ctx context.Context) error {
	if p.file == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	dir := filepath.Dir(p.file)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		target := filepath.Clean(p.file)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if err := p.Load(); err != nil {
					p.log.Warn("tool path reload failed", zap.Error(err))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				p.log.Warn("tool path watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}
