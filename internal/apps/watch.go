package apps

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// startWatch reloads apps after config changes below sourceDir until ctx is
// done or stopWatch is called.
func (c *Coordinator) startWatch(ctx context.Context, sourceDir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := addTree(watcher, sourceDir); err != nil {
		_ = watcher.Close()
		return err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.watchMu.Lock()
	c.watchCancel = cancel
	c.watchDone = done
	c.watchMu.Unlock()

	go func() {
		defer close(done)
		defer watcher.Close()
		c.watchLoop(watchCtx, watcher, sourceDir)
	}()
	return nil
}

func (c *Coordinator) stopWatch() {
	c.watchMu.Lock()
	cancel, done := c.watchCancel, c.watchDone
	c.watchCancel, c.watchDone = nil, nil
	c.watchMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Coordinator) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, sourceDir string) {
	debounce := time.NewTimer(c.opts.Debounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()
	pending := false

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if !hidden(sourceDir, event.Name) {
						_ = addTree(watcher, event.Name)
					}
					continue
				}
			}
			if !isConfigFile(event.Name) || hidden(sourceDir, event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			pending = true
			debounce.Reset(c.opts.Debounce)

		case <-debounce.C:
			if !pending {
				continue
			}
			pending = false
			c.reload(ctx, sourceDir)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			c.log.Warn().Err(err).Msg("app config watcher error")
		}
	}
}

func addTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}

// hidden reports whether path sits below a dot-directory of root.
func hidden(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if strings.HasPrefix(part, ".") && part != "." && part != ".." {
			return true
		}
	}
	return false
}
