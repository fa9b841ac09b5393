package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tonimelisma/diceware-go/internal/tokenfile"
)

// tokenWatchDebounce collapses the create+write+rename burst of one atomic
// token save into a single notification.
const tokenWatchDebounce = 250 * time.Millisecond

// FsWatcher is the subset of fsnotify.Watcher used here, so tests can inject
// events without touching the filesystem.
type FsWatcher interface {
	Add(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

type fsnotifyWatcher struct {
	w *fsnotify.Watcher
}

func newFsnotifyWatcher() (FsWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &fsnotifyWatcher{w: w}, nil
}

func (f *fsnotifyWatcher) Add(name string) error         { return f.w.Add(name) }
func (f *fsnotifyWatcher) Close() error                  { return f.w.Close() }
func (f *fsnotifyWatcher) Events() <-chan fsnotify.Event { return f.w.Events }
func (f *fsnotifyWatcher) Errors() <-chan error          { return f.w.Errors }

// WatchTokenFile calls onChange whenever the token file is created, rewritten
// or removed, for example by `diceware login` in another terminal. It watches
// the parent directory because atomic saves replace the file's inode. Blocks
// until ctx is done, then returns nil.
func (s *Session) WatchTokenFile(ctx context.Context, onChange func()) error {
	return s.watchTokenFile(ctx, newFsnotifyWatcher, onChange)
}

func (s *Session) watchTokenFile(
	ctx context.Context, factory func() (FsWatcher, error), onChange func(),
) error {
	target := filepath.Clean(s.cfg.TokenPath)
	dir := filepath.Dir(target)

	if err := os.MkdirAll(dir, tokenfile.DirPerms); err != nil {
		return fmt.Errorf("session: creating token directory: %w", err)
	}

	watcher, err := factory()
	if err != nil {
		return fmt.Errorf("session: creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("session: watching %s: %w", dir, err)
	}

	s.logger.Debug("watching token file", slog.String("path", target))

	timer := time.NewTimer(tokenWatchDebounce)
	timer.Stop() // idle until the first event
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events():
			if !ok {
				return nil
			}

			if filepath.Clean(ev.Name) != target || ev.Op == fsnotify.Chmod {
				continue
			}

			s.logger.Debug("token file event", slog.String("op", ev.Op.String()))
			timer.Reset(tokenWatchDebounce)

		case werr, ok := <-watcher.Errors():
			if !ok {
				return nil
			}

			s.logger.Warn("token file watcher error", slog.String("error", werr.Error()))

		case <-timer.C:
			s.logger.Info("token file changed", slog.String("path", target))
			onChange()
		}
	}
}
