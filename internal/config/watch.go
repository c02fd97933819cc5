package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ScriptWatcher monitors the worker script descriptor and invokes the supplied
// callback whenever its bytes change. Stop must be called to release
// filesystem resources.
type ScriptWatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for the underlying goroutine to exit.
func (w *ScriptWatcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// WatchScript loads the descriptor at path, hands it to onChange, then keeps
// watching. A change is only reported when the descriptor digest differs from
// the last one delivered, so touching the file without editing it is a no-op.
// A positive poll interval re-reads the file on a ticker as well and always
// delivers it: the receiver compares it against the registered version, which
// is how a failed install gets retried.
func WatchScript(ctx context.Context, path string, poll time.Duration, onChange func(Script), onError func(error)) (*ScriptWatcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf("config: watch script requires a change callback")
	}
	if path == "" {
		return nil, fmt.Errorf("config: no script path configured for watching")
	}

	resolved := path
	if abs, err := filepath.Abs(path); err == nil {
		resolved = abs
	}
	target := filepath.Clean(resolved)

	initial, err := LoadScript(target)
	if err != nil {
		return nil, err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("config: watch script: %w", err)
	}
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		_ = watcher.Close()
		cancel()
		return nil, fmt.Errorf("config: watch add %s: %w", filepath.Dir(target), err)
	}

	onChange(initial)
	lastDigest := initial.Digest

	done := make(chan struct{})
	watch := &ScriptWatcher{cancel: cancel, done: done}

	go func() {
		defer close(done)
		defer func() {
			if err := watcher.Close(); err != nil && onError != nil {
				onError(fmt.Errorf("config: watch script close: %w", err))
			}
		}()

		reload := func(force bool) {
			raw, err := os.ReadFile(target)
			if err != nil {
				if onError != nil && !errors.Is(err, context.Canceled) {
					onError(fmt.Errorf("config: read script %s: %w", target, err))
				}
				return
			}
			digest := Digest(raw)
			if digest == lastDigest && !force {
				return
			}
			script, err := ParseScript(raw)
			if err != nil {
				if onError != nil {
					onError(err)
				}
				return
			}
			lastDigest = digest
			onChange(script)
		}

		var pollSignal <-chan time.Time
		if poll > 0 {
			ticker := time.NewTicker(poll)
			defer ticker.Stop()
			pollSignal = ticker.C
		}

		const debounce = 25 * time.Millisecond
		var reloadTimer *time.Timer
		var reloadSignal <-chan time.Time
		scheduleReload := func() {
			if reloadTimer == nil {
				reloadTimer = time.NewTimer(debounce)
			} else {
				if !reloadTimer.Stop() {
					select {
					case <-reloadTimer.C:
					default:
					}
				}
				reloadTimer.Reset(debounce)
			}
			reloadSignal = reloadTimer.C
		}
		flushTimer := func() {
			if reloadTimer == nil {
				return
			}
			if !reloadTimer.Stop() {
				select {
				case <-reloadTimer.C:
				default:
				}
			}
			reloadSignal = nil
		}
		defer flushTimer()

		for {
			select {
			case <-watchCtx.Done():
				return
			case <-pollSignal:
				reload(true)
			case <-reloadSignal:
				flushTimer()
				reload(false)
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 && onError != nil {
					onError(fmt.Errorf("config: script %s removed", target))
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Chmod) != 0 {
					scheduleReload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if onError != nil {
					onError(fmt.Errorf("config: watch error: %w", err))
				}
			}
		}
	}()

	return watch, nil
}
