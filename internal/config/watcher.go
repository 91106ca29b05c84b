package config

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchTargets holds callbacks that fire when specific config files change.
// Used for hot reload without restarting the server.
type WatchTargets struct {
	// TokensFile is the base name of the tokens file, e.g. "tokens.yaml".
	TokensFile string

	// OnTokensChange fires when the tokens file is written or created.
	// The server reloads its TokenStore, so `chainlog token add` and
	// `chainlog token revoke` take effect immediately.
	OnTokensChange func()
}

// Watcher monitors a directory for changes to the files named in
// WatchTargets, firing the matching callback.
//
// The watcher runs a background goroutine that processes fsnotify events.
// Call Close() to stop the watcher and release resources.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	done      chan struct{}
}

// NewWatcher creates a file watcher on dir. Watching the directory rather
// than the file itself survives editors that replace files by rename.
func NewWatcher(dir string, targets WatchTargets) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	w := &Watcher{
		fsWatcher: fw,
		done:      make(chan struct{}),
	}

	go w.processEvents(targets)

	slog.Info("file watcher started", "dir", dir)
	return w, nil
}

func (w *Watcher) processEvents(targets WatchTargets) {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			// Removal or rename means the file is gone; keep the last
			// good state.
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			if targets.TokensFile != "" && filepath.Base(event.Name) == targets.TokensFile {
				slog.Info("tokens file changed, triggering reload", "file", targets.TokensFile)
				if targets.OnTokensChange != nil {
					targets.OnTokensChange()
				}
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Error("file watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// Close stops the file watcher goroutine and releases the underlying
// fsnotify watcher. Safe to call multiple times.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.fsWatcher.Close()
}
