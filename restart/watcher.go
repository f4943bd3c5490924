// Package restart implements the manual-restart hook: with MANUAL_RESTART
// set, the node does not self-exit after a training; instead an operator
// touches a file below <data>/restart/ to trigger a process restart.
package restart

import (
	"context"
	"os"

	"github.com/fsnotify/fsnotify"

	"github.com/zauberzeug/loopnode/errors"
	"github.com/zauberzeug/loopnode/logger"
)

// Watch blocks until a file below dir changes, the watcher fails, or the
// context ends. It returns nil exactly when a restart was requested.
func Watch(ctx context.Context, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create restart folder %s", dir)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create restart watcher")
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return errors.Wrapf(err, "failed to watch %s", dir)
	}

	log := logger.Named("restart")
	log.Infow("watching for manual restart", "dir", dir)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("restart watcher closed")
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				log.Infow("manual restart requested", "file", event.Name)
				return nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("restart watcher closed")
			}
			log.Warnw("restart watcher error", "error", err)
		}
	}
}
