package config

import (
	"context"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the config file whenever it changes on disk and calls onChange
// with the new config. Invalid intermediate states (editors often write in two
// steps) are skipped silently. Blocks until ctx is cancelled.
func Watch(ctx context.Context, path string, onChange func(Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// Watch the directory, not the file — most editors replace the file on
	// save, which would drop a file-level watch.
	if err := w.Add(filepath.Dir(path)); err != nil {
		return err
	}

	base := filepath.Base(path)
	var last time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			// Debounce bursts of events from a single save.
			if time.Since(last) < 200*time.Millisecond {
				continue
			}
			last = time.Now()

			cfg, err := Load(path)
			if err != nil {
				log.Printf("CONFIG: reload skipped: %v", err)
				continue
			}
			onChange(cfg)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Printf("CONFIG: watch error: %v", err)
		}
	}
}
