package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "medremind/pkg/logx"
)

// Watch re-loads the config whenever the file changes and hands valid
// configs to apply. Invalid edits are logged and skipped; the last good
// config stays in effect. Blocks until ctx is done.
//
// Events are debounced because editors typically emit several write/rename
// events per save.
func Watch(ctx context.Context, path string, log logx.Logger, apply func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// Watch the directory, not the file: many editors replace the file on
	// save, which drops a direct file watch.
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(path)

	const debounce = 250 * time.Millisecond
	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerCh = timer.C
			} else {
				timer.Reset(debounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("config watch error", logx.Err(err))
		case <-timerCh:
			timerCh = nil
			timer = nil
			cfg, err := Load(path)
			if err != nil {
				log.Warn("config reload rejected", logx.Err(err))
				continue
			}
			log.Info("config reloaded", logx.String("path", path))
			apply(cfg)
		}
	}
}
