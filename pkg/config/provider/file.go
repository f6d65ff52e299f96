package provider

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// defaultDebounce is how long a burst of write events settles before
	// one change signal fires. Editors write several times per save.
	defaultDebounce = 100 * time.Millisecond

	rewatchInterval = 500 * time.Millisecond
	rewatchDeadline = 5 * time.Second
)

// FileOption tweaks a FileProvider.
type FileOption func(*FileProvider)

// WithDebounce overrides the settle window for change signals.
func WithDebounce(d time.Duration) FileOption {
	return func(p *FileProvider) {
		if d > 0 {
			p.debounce = d
		}
	}
}

// FileProvider loads config from a local file and watches it for changes.
type FileProvider struct {
	path     string
	debounce time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	closed  bool
}

// NewFileProvider creates a provider reading from the given path.
func NewFileProvider(path string, opts ...FileOption) (*FileProvider, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}
	p := &FileProvider{path: abs, debounce: defaultDebounce}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *FileProvider) Type() Type { return TypeFile }

// Load reads the config file.
func (p *FileProvider) Load(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", p.path, err)
	}
	return data, nil
}

// Watch emits one signal per settled burst of changes to the file. The
// parent directory is watched rather than the file itself: editors and
// tools replace files on save, which would silently drop a direct watch.
func (p *FileProvider) Watch(ctx context.Context) (<-chan struct{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, fmt.Errorf("provider is closed")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory %s: %w", filepath.Dir(p.path), err)
	}
	p.watcher = watcher

	ch := make(chan struct{}, 1)
	go p.watchLoop(ctx, watcher, ch)

	slog.Info("Watching config file", "path", p.path)
	return ch, nil
}

func (p *FileProvider) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, ch chan<- struct{}) {
	defer close(ch)
	defer watcher.Close()

	// settle stays idle until the first relevant event; every further
	// event inside the window pushes the signal out again.
	settle := time.NewTimer(p.debounce)
	if !settle.Stop() {
		<-settle.C
	}
	armed := false

	for {
		select {
		case <-ctx.Done():
			settle.Stop()
			return

		case <-settle.C:
			armed = false
			select {
			case ch <- struct{}{}:
				slog.Debug("Config file changed", "path", p.path)
			default:
				// A change is already pending.
			}

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(p.path) {
				continue
			}
			switch {
			case event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create):
				if armed && !settle.Stop() {
					<-settle.C
				}
				settle.Reset(p.debounce)
				armed = true
			case event.Op.Has(fsnotify.Remove):
				slog.Warn("Config file was deleted", "path", p.path)
				go p.rewatch(ctx, watcher, ch)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Error("File watcher error", "error", err)
		}
	}
}

// rewatch polls for the file to reappear after a delete, re-arms the
// directory watch, and signals once for the recreated file.
func (p *FileProvider) rewatch(ctx context.Context, watcher *fsnotify.Watcher, ch chan<- struct{}) {
	deadline := time.After(rewatchDeadline)
	ticker := time.NewTicker(rewatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			slog.Warn("Gave up waiting for config file to reappear", "path", p.path)
			return
		case <-ticker.C:
			if _, err := os.Stat(p.path); err != nil {
				continue
			}
			if err := watcher.Add(filepath.Dir(p.path)); err != nil {
				continue
			}
			slog.Info("Re-established watch on config file", "path", p.path)
			select {
			case ch <- struct{}{}:
			default:
			}
			return
		}
	}
}

// Close stops watching and releases resources.
func (p *FileProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	if p.watcher != nil {
		err := p.watcher.Close()
		p.watcher = nil
		return err
	}
	return nil
}

var _ Provider = (*FileProvider)(nil)
