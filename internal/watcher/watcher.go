// Package watcher calls back when a file changes on disk.
package watcher

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("apisession.watcher")

const DefaultDebounce = 500 * time.Millisecond

// Watcher reports changes to one file. For sqlite databases the -wal and
// -journal siblings count as the file too.
type Watcher struct {
	fs       *fsnotify.Watcher
	name     string
	debounce time.Duration
}

// New starts watching path; changes made after New returns are seen by Run.
func New(path string, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// watch the directory; sqlite and editors replace files rather than
	// writing them in place
	if err := fs.Add(filepath.Dir(path)); err != nil {
		fs.Close()
		return nil, err
	}

	return &Watcher{
		fs:       fs,
		name:     filepath.Base(path),
		debounce: debounce,
	}, nil
}

// Run calls callback once a burst of changes has been quiet for the
// debounce interval. It blocks until ctx is done, then releases the watch.
func (w *Watcher) Run(ctx context.Context, callback func()) {
	defer w.fs.Close()

	reload := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		scheduleReload(ctx, reload, w.debounce, callback)
	}()

	handleWatcher(ctx, w.fs, w.name, reload)
	<-done
}

func handleWatcher(
	ctx context.Context,
	watcher *fsnotify.Watcher,
	name string,
	reload chan<- struct{},
) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !strings.HasPrefix(filepath.Base(event.Name), name) {
				continue
			}
			if event.Has(fsnotify.Write | fsnotify.Remove | fsnotify.Create | fsnotify.Rename) {
				select {
				case reload <- struct{}{}:
				default:
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warningf("watcher error: %v", err)
		}
	}
}

func scheduleReload(
	ctx context.Context,
	reload <-chan struct{},
	duration time.Duration,
	callback func(),
) {
	var timer *time.Timer = nil
	var c <-chan time.Time = nil
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case <-reload:
			if timer != nil {
				timer.Reset(duration)
			} else {
				timer = time.NewTimer(duration)
				c = timer.C
			}

		case <-c:
			c = nil
			timer = nil
			callback()
		}
	}
}
