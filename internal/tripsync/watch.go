package tripsync

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/autopeer-io/tripsync/pkg/log"
)

// watchConfig re-applies the configuration whenever the config file is written or replaced.
// The directory is watched so that editors replacing the file by rename are seen.
func (s *Syncer) watchConfig(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	file := filepath.Clean(s.cfg.ConfigFile)
	if err := w.Add(filepath.Dir(file)); err != nil {
		return err
	}
	log.Info("Watching configuration file", "file", file)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != file || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			s.reload()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("Configuration watcher error", "err", err)
		}
	}
}

func (s *Syncer) reload() {
	next, err := s.cfg.Reload()
	if err != nil {
		log.Error(err, "Failed to re-read configuration, keeping current settings")
		return
	}
	if err := s.Reconfigure(next); err != nil {
		log.Error(err, "Rejected configuration change")
	}
}
