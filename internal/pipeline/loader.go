package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Loader reads validated pipeline definitions from a directory of yaml
// documents and can watch that directory for changes.
type Loader struct {
	dir      string
	logger   *zap.Logger
	debounce time.Duration

	mu   sync.RWMutex
	defs map[string]*Definition // keyed by definition name

	onReload func(*Definition)
}

func NewLoader(dir string, logger *zap.Logger) *Loader {
	return &Loader{
		dir:      dir,
		logger:   logger,
		debounce: 500 * time.Millisecond,
		defs:     make(map[string]*Definition),
	}
}

// OnReload registers a callback invoked for each definition (re)loaded by
// the watcher. Must be set before Watch starts.
func (l *Loader) OnReload(fn func(*Definition)) {
	l.onReload = fn
}

// LoadDir parses and validates every *.yaml/*.yml file in the directory.
// Invalid definitions are skipped with a logged error so one bad file does
// not take down the rest.
func (l *Loader) LoadDir() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("read definitions dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !isYAML(entry.Name()) {
			continue
		}
		path := filepath.Join(l.dir, entry.Name())
		if err := l.loadFile(path); err != nil {
			l.logger.Error("skipping invalid pipeline definition",
				zap.String("path", path), zap.Error(err))
		}
	}
	return nil
}

func (l *Loader) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read definition: %w", err)
	}
	def, err := Parse(data)
	if err != nil {
		return err
	}
	if err := def.Validate(); err != nil {
		return err
	}

	l.mu.Lock()
	l.defs[def.Name] = def
	l.mu.Unlock()

	l.logger.Info("loaded pipeline definition",
		zap.String("pipeline", def.Name),
		zap.String("version", def.Version),
		zap.Int("tasks", len(def.Tasks)))

	if l.onReload != nil {
		l.onReload(def)
	}
	return nil
}

// Get returns the definition by name, or nil.
func (l *Loader) Get(name string) *Definition {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.defs[name]
}

// All returns the loaded definitions in no particular order.
func (l *Loader) All() []*Definition {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Definition, 0, len(l.defs))
	for _, d := range l.defs {
		out = append(out, d)
	}
	return out
}

// Watch re-loads definition files as they change until ctx is cancelled.
// Events are debounced per path since editors fire write bursts.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(l.dir); err != nil {
		return fmt.Errorf("watch definitions dir: %w", err)
	}

	timers := make(map[string]*time.Timer)
	var timersMu sync.Mutex

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isYAML(event.Name) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			path := event.Name
			timersMu.Lock()
			if t, ok := timers[path]; ok {
				t.Stop()
			}
			timers[path] = time.AfterFunc(l.debounce, func() {
				if err := l.loadFile(path); err != nil {
					l.logger.Error("reload failed",
						zap.String("path", path), zap.Error(err))
				}
			})
			timersMu.Unlock()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Error("definition watcher error", zap.Error(err))
		}
	}
}

func isYAML(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
