package mcp

import (
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/latticehq/lattice/internal/config"
)

// overridesWatcher invalidates cached minion-local override files when they
// change on disk, so the next GetToolsForMinion re-reads them.
type overridesWatcher struct {
	w    *fsnotify.Watcher
	done chan struct{}

	mu      sync.Mutex
	watched map[string]bool // .lattice dirs under watch
}

func newOverridesWatcher(onChange func(projectPath string)) (*overridesWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	ow := &overridesWatcher{
		w:       w,
		done:    make(chan struct{}),
		watched: make(map[string]bool),
	}
	go func() {
		defer close(ow.done)
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				base := filepath.Base(ev.Name)
				if !strings.HasPrefix(base, "mcp.local.") {
					continue
				}
				project := filepath.Dir(filepath.Dir(ev.Name))
				slog.Debug("mcp.overrides.changed", "project", project, "op", ev.Op.String())
				onChange(project)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("mcp.overrides.watch_error", "error", err)
			}
		}
	}()
	return ow, nil
}

func (ow *overridesWatcher) watch(projectPath string) {
	dir := filepath.Join(projectPath, ".lattice")
	ow.mu.Lock()
	defer ow.mu.Unlock()
	if ow.watched[dir] {
		return
	}
	if err := ow.w.Add(dir); err != nil {
		// Directory may not exist yet; retried on the next load.
		slog.Debug("mcp.overrides.watch_failed", "dir", dir, "error", err)
		return
	}
	ow.watched[dir] = true
}

func (ow *overridesWatcher) close() {
	_ = ow.w.Close()
	<-ow.done
}

// loadOverrides returns the minion-local overrides for a project, reading
// the file at most once until the watcher reports a change.
func (p *Pool) loadOverrides(projectPath string) *config.MinionMCPOverrides {
	if projectPath == "" {
		return nil
	}
	p.watchMu.Lock()
	if o, ok := p.overrides[projectPath]; ok {
		p.watchMu.Unlock()
		return o
	}
	p.watchMu.Unlock()

	o, err := p.cfg.LoadMinionOverrides(projectPath)
	if err != nil {
		slog.Warn("mcp.overrides.load_failed", "project", projectPath, "error", err)
		o = nil
	}

	p.watchMu.Lock()
	defer p.watchMu.Unlock()
	if p.watcher == nil {
		w, werr := newOverridesWatcher(p.invalidateOverrides)
		if werr != nil {
			slog.Warn("mcp.overrides.watcher_unavailable", "error", werr)
		} else {
			p.watcher = w
		}
	}
	if p.watcher != nil {
		p.watcher.watch(projectPath)
	}
	p.overrides[projectPath] = o
	return o
}

func (p *Pool) invalidateOverrides(projectPath string) {
	p.watchMu.Lock()
	delete(p.overrides, projectPath)
	p.watchMu.Unlock()
}

func (p *Pool) closeWatcher() {
	p.watchMu.Lock()
	w := p.watcher
	p.watcher = nil
	p.watchMu.Unlock()
	if w != nil {
		w.close()
	}
}
