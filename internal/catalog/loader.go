package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/linnemanlabs/go-core/log"
)

// Loader holds the current catalog and reloads it when the file changes.
type Loader struct {
	path     string
	logger   log.Logger
	mu       sync.RWMutex
	current  *Catalog
	onChange []func(*Catalog)
}

// NewLoader creates a Loader and performs the initial load.
func NewLoader(path string, logger log.Logger) (*Loader, error) {
	if logger == nil {
		logger = log.Nop()
	}
	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Loader{path: path, logger: logger, current: c}, nil
}

// Catalog returns the current catalog.
func (l *Loader) Catalog() *Catalog {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers a callback invoked after every successful reload.
func (l *Loader) OnChange(fn func(*Catalog)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Reload re-reads the file. On error the current catalog is kept.
func (l *Loader) Reload() (*Catalog, error) {
	c, err := Load(l.path)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = c
	callbacks := make([]func(*Catalog), len(l.onChange))
	copy(callbacks, l.onChange)
	l.mu.Unlock()
	for _, fn := range callbacks {
		fn(c)
	}
	return c, nil
}

// Watch reloads the catalog whenever its file is written or replaced. The parent
// directory is watched so editors that save by rename are picked up. Call the returned
// stop function to clean up.
func (l *Loader) Watch() (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("catalog watcher: %w", err)
	}
	dir := filepath.Dir(l.path)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("catalog watcher add %s: %w", dir, err)
	}

	target := filepath.Clean(l.path)
	ctx := context.Background()
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
					continue
				}
				c, err := l.Reload()
				if err != nil {
					l.logger.Warn(ctx, "catalog reload failed, keeping previous catalog", "path", l.path, "error", err)
					continue
				}
				l.logger.Info(ctx, "catalog reloaded", "path", l.path, "rules", len(c.Enabled()))
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				l.logger.Warn(ctx, "catalog watcher error", "error", err)
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}, nil
}
