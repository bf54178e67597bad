package persona

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/keshon/chorus/internal/logging"
	"github.com/rs/zerolog"
)

// Reloader is the part of Manager the watcher needs.
type Reloader interface {
	Reload(ctx context.Context, ids ...string) ([]string, error)
}

// Watcher reloads the roster when persona or template documents change.
// Bursts of events within Debounce collapse into one reload.
type Watcher struct {
	dirs     []string
	reloader Reloader
	Debounce time.Duration
	log      zerolog.Logger
}

// NewWatcher watches the given directories.
func NewWatcher(reloader Reloader, dirs ...string) *Watcher {
	return &Watcher{
		dirs:     dirs,
		reloader: reloader,
		Debounce: 500 * time.Millisecond,
		log:      logging.Component("persona-watcher"),
	}
}

// Run blocks until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	for _, dir := range w.dirs {
		if err := fw.Add(dir); err != nil {
			// The directory may be created later; a restart picks it up.
			w.log.Warn().Err(err).Str("dir", dir).Msg("cannot watch directory")
			continue
		}
		w.log.Debug().Str("dir", dir).Msg("watching")
	}

	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	var pendingSince time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !isYAML(ev.Name) || ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.log.Debug().Str("path", ev.Name).Str("op", ev.Op.String()).Msg("source changed")
			pendingSince = time.Now()

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Error().Err(err).Msg("watch error")

		case now := <-tick.C:
			if pendingSince.IsZero() || now.Sub(pendingSince) < w.Debounce {
				continue
			}
			pendingSince = time.Time{}
			if _, err := w.reloader.Reload(ctx); err != nil {
				w.log.Error().Err(err).Msg("hot reload failed")
			}
		}
	}
}
