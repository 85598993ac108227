package config

import (
	"context"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/haasonsaas/weft/internal/observability"
)

// Resolver merges global settings, project settings, and runtime overrides,
// in that order, and notifies subscribers when any layer changes.
type Resolver struct {
	mu          sync.RWMutex
	globalPath  string
	projectPath string
	overrides   map[string]any
	current     Settings

	subs    []func(Settings)
	watcher *fsnotify.Watcher
	done    chan struct{}
	log     *observability.Logger
}

// NewResolver builds a resolver over the given file paths. Missing files
// are not an error; their layer contributes nothing. Watch starts file
// watching; without it the resolver is static apart from overrides.
func NewResolver(globalPath, projectPath string, log *observability.Logger) (*Resolver, error) {
	r := &Resolver{
		globalPath:  globalPath,
		projectPath: projectPath,
		overrides:   map[string]any{},
		log:         log.Or(),
	}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Current returns the merged settings snapshot.
func (r *Resolver) Current() Settings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Subscribe registers a callback invoked with the new settings after every
// change. The callback must not block.
func (r *Resolver) Subscribe(fn func(Settings)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, fn)
}

// SetOverride applies a runtime override at a dotted key path, e.g.
// "retry.max_retries". Overrides win over both files.
func (r *Resolver) SetOverride(key string, value any) error {
	r.mu.Lock()
	setPath(r.overrides, key, value)
	r.mu.Unlock()
	return r.reload()
}

// ClearOverrides drops all runtime overrides.
func (r *Resolver) ClearOverrides() error {
	r.mu.Lock()
	r.overrides = map[string]any{}
	r.mu.Unlock()
	return r.reload()
}

// reload recomputes the merged settings and notifies subscribers.
func (r *Resolver) reload() error {
	merged := map[string]any{}
	for _, path := range []string{r.globalPath, r.projectPath} {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			continue
		}
		raw, err := LoadRaw(path)
		if err != nil {
			return err
		}
		merged = mergeRaw(merged, raw)
	}

	r.mu.Lock()
	merged = mergeRaw(merged, r.overrides)
	settings, err := decodeSettings(merged)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.current = settings
	subs := make([]func(Settings), len(r.subs))
	copy(subs, r.subs)
	r.mu.Unlock()

	for _, fn := range subs {
		fn(settings)
	}
	return nil
}

// Watch begins watching both settings files for changes until ctx ends.
func (r *Resolver) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	r.watcher = watcher
	r.done = make(chan struct{})

	for _, path := range []string{r.globalPath, r.projectPath} {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err == nil {
			if err := watcher.Add(path); err != nil {
				r.log.Warn(ctx, "settings watch failed", "path", path, "error", err.Error())
			}
		}
	}

	go func() {
		defer close(r.done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := r.reload(); err != nil {
					r.log.Warn(ctx, "settings reload failed", "path", ev.Name, "error", err.Error())
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.log.Warn(ctx, "settings watcher error", "error", err.Error())
			}
		}
	}()
	return nil
}

// Close stops the watcher if one is running.
func (r *Resolver) Close() error {
	if r.watcher == nil {
		return nil
	}
	err := r.watcher.Close()
	<-r.done
	return err
}

// setPath writes value at a dotted key path, creating maps along the way.
func setPath(m map[string]any, key string, value any) {
	parts := splitPath(key)
	for i := 0; i < len(parts)-1; i++ {
		next, ok := m[parts[i]].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[parts[i]] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = value
}

func splitPath(key string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(key); i++ {
		if key[i] == '.' {
			parts = append(parts, key[start:i])
			start = i + 1
		}
	}
	return append(parts, key[start:])
}
