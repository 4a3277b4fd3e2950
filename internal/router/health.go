package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/relay/pkg/models"
)

// HealthUpdate is one model health signal.
type HealthUpdate struct {
	// Model is the provider/model key.
	Model  string        `yaml:"model" json:"model"`
	Health models.Health `yaml:"health" json:"health"`
}

// ApplyHealth applies a batch of updates. Unknown models and invalid values
// are reported but do not stop the rest of the batch.
func (r *Router) ApplyHealth(updates []HealthUpdate) error {
	var errs []error
	for _, u := range updates {
		if err := r.SetHealth(u.Model, u.Health); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Consume applies health batches from ch until ctx is done or ch is closed.
func (r *Router) Consume(ctx context.Context, ch <-chan []HealthUpdate) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-ch:
			if !ok {
				return
			}
			if err := r.ApplyHealth(batch); err != nil {
				r.logger.Warn("health update rejected", "error", err)
			}
		}
	}
}

// healthFile is the layout of the health feedback file.
type healthFile struct {
	Models []HealthUpdate `yaml:"models"`
}

// LoadHealthFile reads a health feedback file.
func LoadHealthFile(path string) ([]HealthUpdate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read health file: %w", err)
	}
	var f healthFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse health file: %w", err)
	}
	return f.Models, nil
}

// HealthWatcher applies a health file to the router whenever it changes.
type HealthWatcher struct {
	path    string
	router  *Router
	logger  *slog.Logger
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	applied int
	done    chan struct{}
	stopped chan struct{}
}

// NewHealthWatcher creates a watcher for path. Call Start to begin watching.
func NewHealthWatcher(path string, r *Router, logger *slog.Logger) *HealthWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthWatcher{
		path:    path,
		router:  r,
		logger:  logger,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Start applies the current file, if present, and watches its directory for
// changes. The directory is watched rather than the file so that editors that
// replace the file are still observed.
func (w *HealthWatcher) Start(ctx context.Context) error {
	if _, err := os.Stat(w.path); err == nil {
		w.reload()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create health watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	w.watcher = watcher

	go w.loop(ctx)
	return nil
}

func (w *HealthWatcher) loop(ctx context.Context) {
	defer close(w.stopped)
	defer w.watcher.Close()

	target := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.reload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("health watcher error", "error", err)
		}
	}
}

func (w *HealthWatcher) reload() {
	updates, err := LoadHealthFile(w.path)
	if err != nil {
		// Partially written files fail to parse; the next write event retries.
		w.logger.Debug("health file not applied", "path", w.path, "error", err)
		return
	}
	if err := w.router.ApplyHealth(updates); err != nil {
		w.logger.Warn("health file contains invalid entries", "path", w.path, "error", err)
	}
	w.mu.Lock()
	w.applied++
	w.mu.Unlock()
}

// Applied returns how many times the file has been applied.
func (w *HealthWatcher) Applied() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.applied
}

// Close stops watching and waits for the loop to exit.
func (w *HealthWatcher) Close() error {
	if w.watcher == nil {
		return nil
	}
	select {
	case <-w.done:
	default:
		close(w.done)
	}
	<-w.stopped
	return nil
}
