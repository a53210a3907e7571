// Copyright 2024-2026 Aiku AI

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long Watch waits for writes to settle.
const DefaultDebounce = 250 * time.Millisecond

// Watch reloads the file at path whenever it changes and applies it until
// ctx is done. The parent directory is watched so editors that replace the
// file on save are picked up. A file that fails to parse is logged and
// skipped; the running topology is left as it was.
func (l *Loader) Watch(ctx context.Context, path string, debounce time.Duration) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer w.Close()
	if err = w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	log := l.log.With().Str("path", abs).Logger()
	log.Info().Msg("Watching config file")
	timer := time.NewTimer(debounce)
	timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(evt.Name) != abs || !evt.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			timer.Reset(debounce)
		case werr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(werr).Msg("Config watcher error")
		case <-timer.C:
			cfg, lerr := Load(abs)
			if lerr != nil {
				log.Error().Err(lerr).Msg("Failed to reload config, keeping current topology")
				continue
			}
			if aerr := l.Apply(ctx, cfg); aerr != nil {
				log.Warn().Err(aerr).Msg("Config reloaded with errors")
			} else {
				log.Info().Msg("Config reloaded")
			}
		}
	}
}
