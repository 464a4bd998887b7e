package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/pressbox/pressbox/pkg/telemetry"
)

// ReloadFunc receives the freshly loaded configuration on every change.
// Only the mutable settings (default environment, health policy) should be
// applied; structural settings require a restart.
type ReloadFunc func(cfg *Config)

// Watcher hot-reloads the configuration file on change.
type Watcher struct {
	path    string
	log     *telemetry.Logger
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewWatcher creates a watcher for the given config file.
func NewWatcher(path string, log *telemetry.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:    path,
		log:     log.NewComponentLogger("config-watcher"),
		watcher: fw,
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching. Editors replace files rather than write in place,
// so the parent directory is watched and events are filtered to the config
// file itself.
func (w *Watcher) Start(ctx context.Context, reload ReloadFunc) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	go w.processEvents(ctx, reload)

	w.log.WithField("path", w.path).Info("watching configuration file")
	return nil
}

func (w *Watcher) processEvents(ctx context.Context, reload ReloadFunc) {
	defer close(w.done)

	// Debounce: editors emit bursts of write/rename events per save.
	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(250*time.Millisecond, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case <-fire:
			cfg, err := Load(w.path)
			if err != nil {
				w.log.WithError(err).Warn("config reload failed, keeping previous configuration")
				continue
			}
			w.log.Info("configuration reloaded")
			reload(cfg)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("config watcher error")
		}
	}
}

// Close stops the watcher and waits for the event loop to exit.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}
