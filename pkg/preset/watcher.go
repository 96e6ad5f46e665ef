package preset

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceInterval batches bursts of filesystem events (editors typically
// fire several per save) into a single reload.
const debounceInterval = 100 * time.Millisecond

// Watch starts a filesystem watcher that reloads the store whenever the
// presets document is modified externally. It returns once the watcher is
// registered; the watch loop runs until ctx is cancelled.
//
// The directory is watched rather than the file itself: atomic writes
// replace the file by rename, which would silently detach a file-level
// watch.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return err
	}

	go s.watchLoop(ctx, watcher)
	return nil
}

func (s *Store) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer func() {
		if err := watcher.Close(); err != nil {
			s.logger.Warn("Preset watcher close failed", "error", err)
		}
	}()

	// debounce is started on the first relevant event and reset on each
	// subsequent one; the reload runs only after the burst settles.
	var debounce *time.Timer
	var debounceC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != FileName {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(debounceInterval)
				debounceC = debounce.C
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(debounceInterval)
			}

		case <-debounceC:
			debounce = nil
			debounceC = nil
			if err := s.Reload(); err != nil {
				s.logger.Warn("Preset reload failed", "path", s.path, "error", err)
			} else {
				s.logger.Debug("Presets reloaded", "path", s.path)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("Preset watcher error", "error", err)
		}
	}
}
