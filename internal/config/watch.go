package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

const reloadDebounce = 200 * time.Millisecond

// Watch reloads path whenever it changes and calls onChange with the new
// config. Invalid files are logged and skipped. Only settings read at
// runtime (relay eviction, log level) take effect without a restart.
//
// The parent directory is watched rather than the file, so editors that
// replace the file by rename are picked up.
func Watch(ctx context.Context, path string, current *Config, log logrus.FieldLogger, onChange func(*Config)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return fmt.Errorf("watch config dir: %w", err)
	}

	go func() {
		defer w.Close()
		var (
			timer  *time.Timer
			timerC <-chan time.Time
		)
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(reloadDebounce)
				} else {
					timer.Reset(reloadDebounce)
				}
				timerC = timer.C
			case <-timerC:
				timerC = nil
				next, err := LoadOrDefault(abs)
				if err != nil {
					log.WithError(err).Warn("config reload failed; keeping current settings")
					continue
				}
				changes := Diff(current, next)
				if len(changes) == 0 {
					continue
				}
				log.WithField("changes", changes).Info("config reloaded")
				current = next
				onChange(next)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("config watcher error")
			}
		}
	}()
	return nil
}
