// Package checkoutwatch imports checkout files dropped into an inbox directory.
//
// Files are debounced so a checkout still being copied is not read half
// written. After an import attempt the file is moved to the imported/ or
// rejected/ subdirectory so it is never attempted twice.
package checkoutwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"entitlecli/internal/infrastructure"
	"entitlecli/internal/license"
	"entitlecli/internal/validation"
)

// DefaultDebounce is how long a file must be quiet before it is imported
const DefaultDebounce = 500 * time.Millisecond

// Subdirectories of the inbox that receive processed files
const (
	ImportedDir = "imported"
	RejectedDir = "rejected"
)

// Importer stores a checkout file. *license.Session implements it.
type Importer interface {
	ImportCheckout(ctx context.Context, path string) (license.ImportResult, error)
}

var _ Importer = (*license.Session)(nil)

// Result describes one import attempt
type Result struct {
	Path   string
	Moved  string
	Result license.ImportResult
	Err    error
}

// Watcher imports checkout files as they appear in a directory
type Watcher struct {
	dir      string
	importer Importer
	debounce time.Duration
	files    *validation.FileValidator
	logger   *slog.Logger
	onResult func(Result)

	watcher *fsnotify.Watcher
	mu      sync.Mutex
	pending map[string]time.Time
}

// Option customises a Watcher
type Option func(*Watcher)

// WithDebounce overrides DefaultDebounce
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(w *Watcher) { w.logger = logger }
}

// OnResult registers a callback invoked after every import attempt
func OnResult(fn func(Result)) Option {
	return func(w *Watcher) { w.onResult = fn }
}

// New creates a watcher for dir. The directory and its processed
// subdirectories are created if missing.
func New(dir string, importer Importer, opts ...Option) (*Watcher, error) {
	if dir == "" {
		return nil, errors.New("checkout inbox directory is required")
	}
	w := &Watcher{
		dir:      dir,
		importer: importer,
		debounce: DefaultDebounce,
		logger:   slog.Default(),
		pending:  make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = infrastructure.WithComponent(w.logger, "checkout_watch").With(slog.String("inbox", dir))
	w.files = validation.NewFileValidator(w.logger)

	for _, sub := range []string{dir, filepath.Join(dir, ImportedDir), filepath.Join(dir, RejectedDir)} {
		if err := os.MkdirAll(sub, 0755); err != nil {
			return nil, fmt.Errorf("failed to create checkout inbox: %w", err)
		}
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	w.watcher = fw
	return w, nil
}

// Run imports files already in the inbox, then processes new ones until ctx
// is cancelled. It closes the underlying watcher on return.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	existing, err := w.files.CheckoutFiles(w.dir)
	if err != nil {
		return err
	}
	for _, path := range existing {
		w.process(ctx, path)
	}

	tick := w.debounce / 4
	if tick <= 0 {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	w.logger.Info("Watching checkout inbox", slog.Int("existing", len(existing)))
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !validation.IsCheckoutFile(event.Name) {
				continue
			}
			w.mu.Lock()
			w.pending[event.Name] = time.Now()
			w.mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("File watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			for _, path := range w.due(time.Now()) {
				w.process(ctx, path)
			}
		}
	}
}

func (w *Watcher) due(now time.Time) []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	var ready []string
	for path, changed := range w.pending {
		if now.Sub(changed) >= w.debounce {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	return ready
}

func (w *Watcher) process(ctx context.Context, path string) {
	if _, err := os.Stat(path); err != nil {
		// moved away by someone else between event and import
		return
	}

	result, err := w.importer.ImportCheckout(ctx, path)
	target := RejectedDir
	if result == license.ImportOK && err == nil {
		target = ImportedDir
	}

	moved := filepath.Join(w.dir, target, filepath.Base(path))
	if rerr := os.Rename(path, moved); rerr != nil {
		w.logger.Error("Failed to move processed checkout",
			slog.String("path", path), slog.String("error", rerr.Error()))
		moved = ""
	}

	attrs := []any{slog.String("path", path), slog.String("result", result.String())}
	if err != nil {
		w.logger.Warn("Checkout rejected", append(attrs, slog.String("error", err.Error()))...)
	} else {
		w.logger.Info("Checkout imported", attrs...)
	}

	if w.onResult != nil {
		w.onResult(Result{Path: path, Moved: moved, Result: result, Err: err})
	}
}
