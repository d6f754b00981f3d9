package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounceDelay coalesces the burst of events editors produce when
// saving a file.
const DefaultDebounceDelay = 500 * time.Millisecond

// Watch reloads the configuration file at path whenever it changes and hands
// the new configuration to onChange. Reload errors are logged and the
// previous configuration stays in effect. Watch blocks until ctx is done.
//
// The parent directory is watched rather than the file so that editors that
// replace the file by rename are followed.
func Watch(ctx context.Context, path string, debounce time.Duration, logger zerolog.Logger, onChange func(*Config)) error {
	logger = logger.With().Str("component", "config").Logger()
	if debounce <= 0 {
		debounce = DefaultDebounceDelay
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return err
	}

	var (
		mu    sync.Mutex
		timer *time.Timer
		wg    sync.WaitGroup
	)
	reload := func() {
		defer wg.Done()
		if ctx.Err() != nil {
			return
		}
		cfg, err := Load(abs)
		if err != nil {
			logger.Warn().Err(err).Str("path", abs).Msg("config reload failed")
			return
		}
		logger.Info().Str("path", abs).Msg("config reloaded")
		onChange(cfg)
	}
	defer func() {
		mu.Lock()
		if timer != nil && timer.Stop() {
			wg.Done()
		}
		mu.Unlock()
		wg.Wait()
	}()

	logger.Debug().Str("path", abs).Dur("debounce", debounce).Msg("watching config file")
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			mu.Lock()
			if timer == nil || !timer.Stop() {
				wg.Add(1)
			}
			timer = time.AfterFunc(debounce, reload)
			mu.Unlock()

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("config watcher error")
		}
	}
}
