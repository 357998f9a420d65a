package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// RunLoop ticks on a fixed interval, and immediately (debounced) when a
// worker drops an evidence file, so approvals land without waiting out the
// interval. Blocks until ctx is cancelled.
func (o *Orchestrator) RunLoop(ctx context.Context) error {
	if err := o.layout.EnsureDirs(); err != nil {
		return err
	}

	wake := make(chan struct{}, 1)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		// Polling alone still makes progress.
		o.logf("crewd: evidence watcher unavailable, polling only: %v", err)
	} else {
		defer watcher.Close()
		if err := watcher.Add(o.layout.EvidenceDir()); err != nil {
			o.logf("crewd: watch evidence dir: %v", err)
		}
		go o.forwardEvidenceEvents(ctx, watcher, wake)
	}

	ticker := time.NewTicker(o.cfg.TickInterval())
	defer ticker.Stop()

	for {
		if _, err := o.Tick(ctx); err != nil {
			o.logf("crewd: tick: %v", err)
		}

		// New task directories appear as evidence/<taskId>/; watch them
		// as they show up so per-run files wake the loop too.
		if watcher != nil {
			o.watchTaskDirs(watcher)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-wake:
		}
	}
}

// forwardEvidenceEvents collapses watcher events into wake signals,
// debounced so a worker writing a file in chunks triggers one tick.
func (o *Orchestrator) forwardEvidenceEvents(ctx context.Context, watcher *fsnotify.Watcher, wake chan<- struct{}) {
	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					select {
					case wake <- struct{}{}:
					default:
					}
				})
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			o.logf("crewd: evidence watcher: %v", err)
		}
	}
}

func (o *Orchestrator) watchTaskDirs(watcher *fsnotify.Watcher) {
	entries, err := os.ReadDir(o.layout.EvidenceDir())
	if err != nil {
		return
	}
	watched := map[string]bool{}
	for _, w := range watcher.WatchList() {
		watched[w] = true
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(o.layout.EvidenceDir(), entry.Name())
		if !watched[dir] {
			if err := watcher.Add(dir); err != nil {
				o.logf("crewd: watch %s: %v", dir, err)
			}
		}
	}
}
