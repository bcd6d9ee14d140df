package config

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the configuration whenever a file under default/ or
// custom/ changes. Events within the debounce window collapse into one
// reload. Blocks until ctx is done.
func (s *Service) Watch(ctx context.Context) error {
	if s.dir == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	for _, sub := range []string{"default", "custom"} {
		dir := filepath.Join(s.dir, sub)
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			return err
		}
	}

	const debounce = 500 * time.Millisecond
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			} else {
				timer.Reset(debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("config watcher error", "error", err)
		case <-timerC:
			timer = nil
			timerC = nil
			if err := s.Reload(); err != nil {
				// Reload already reverted to the previous snapshot.
				s.log.Warn("config hot reload rejected", "error", err)
			} else {
				s.log.Info("config reloaded")
			}
		}
	}
}
