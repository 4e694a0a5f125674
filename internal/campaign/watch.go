package campaign

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchStateFile observes the backing JSON file for out-of-band rewrites (a
// DM editing it by hand, a replica restore) and invokes onChange after the
// edits settle. The parent directory is watched because saves land via
// rename. Runs until ctx is cancelled.
func WatchStateFile(ctx context.Context, path string, debounce time.Duration, onChange func(), logger Logger) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("%w: watch path is required", ErrInvalidInput)
	}
	if onChange == nil {
		return fmt.Errorf("%w: onChange is required", ErrInvalidInput)
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return err
	}
	base := filepath.Base(path)

	go func() {
		defer watcher.Close()
		var pending *time.Timer
		var pendingC <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if pending != nil {
					pending.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if pending == nil {
					pending = time.NewTimer(debounce)
					pendingC = pending.C
				} else {
					if !pending.Stop() {
						select {
						case <-pending.C:
						default:
						}
					}
					pending.Reset(debounce)
				}
			case <-pendingC:
				pending = nil
				pendingC = nil
				onChange()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if logger != nil {
					logger.Printf("state file watcher error: %v", err)
				}
			}
		}
	}()
	return nil
}
