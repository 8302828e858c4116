// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"context"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// defaultDebounce batches rapid editor write bursts into one reload.
const defaultDebounce = 250 * time.Millisecond

// Watcher reloads a configuration file when it changes on disk.
//
// Uses fsnotify on the file's parent directory (editors often replace the
// file via rename, which drops a watch placed on the file itself) and
// debounces bursts of events into a single reload.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(*Config)
	fw       *fsnotify.Watcher
	cancel   context.CancelFunc
	done     chan struct{}
}

// Watch starts watching path and invokes onChange with the freshly loaded
// config after each change. Reloads that fail validation are logged and
// dropped; the previous config stays in effect.
func Watch(path string, debounce time.Duration, onChange func(*Config)) (*Watcher, error) {
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		path:     path,
		debounce: debounce,
		onChange: onChange,
		fw:       fw,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	go w.loop(ctx)
	log.Printf("CONFIG_WATCH_START | path=%s debounce=%s", path, debounce)
	return w, nil
}

// Stop stops the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.cancel()
	w.fw.Close()
	<-w.done
}

// loop consumes filesystem events, coalescing them with a debounce ticker.
func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	var pending bool
	target := filepath.Clean(w.path)

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				pending = true
			}

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			log.Printf("CONFIG_WATCH_ERROR | path=%s error=%v", w.path, err)

		case <-ticker.C:
			if !pending {
				continue
			}
			pending = false
			w.reload()
		}
	}
}

// reload re-reads the config file and hands the result to the callback.
func (w *Watcher) reload() {
	cfg, err := LoadFromPath(w.path)
	if err != nil {
		log.Printf("CONFIG_RELOAD_FAIL | path=%s error=%v", w.path, err)
		return
	}
	log.Printf("CONFIG_RELOADED | path=%s", w.path)
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
