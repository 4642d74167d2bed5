package diagnosis

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDebounce batches bursts of writes to a watched records file.
const DefaultWatchDebounce = 500 * time.Millisecond

// WatchFile imports path every time it is written or replaced, until ctx
// is done. Events within debounce of each other trigger a single import.
// The directory is watched rather than the file so editors that save by
// rename are picked up. onImport, if not nil, receives each outcome.
func (s *Service) WatchFile(ctx context.Context, path string, debounce time.Duration, onImport func(n int, err error)) error {
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
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
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	s.log.Info("watching records file", "path", abs)

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			timer.Reset(debounce)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("watch error", "path", abs, "error", err)

		case <-timer.C:
			n, err := s.importFile(ctx, abs)
			if err != nil {
				s.log.Error("re-import failed", "path", abs, "error", err)
			} else {
				s.log.Info("re-imported records", "path", abs, "rows", n)
			}
			if onImport != nil {
				onImport(n, err)
			}
		}
	}
}

func (s *Service) importFile(ctx context.Context, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	records, err := ReadRecords(f)
	if err != nil {
		return 0, err
	}
	return s.Import(ctx, records)
}
