package harvester

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 250 * time.Millisecond

// WatchCookieFile reloads credentials whenever the cookie file is written or
// replaced, until ctx is done. Editors that save by rename are handled by
// re-adding the path.
func (h *Harvester) WatchCookieFile(ctx context.Context) error {
	if h.loader == nil || h.loader.Path() == "" {
		return nil
	}
	path := h.loader.Path()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return err
	}

	go func() {
		defer w.Close()
		debounce := time.NewTimer(0)
		if !debounce.Stop() {
			<-debounce.C
		}
		for {
			select {
			case <-ctx.Done():
				debounce.Stop()
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					if err := w.Add(path); err != nil {
						slog.Warn("harvester: watch re-add", "path", path, "err", err)
					}
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					if !debounce.Stop() {
						select {
						case <-debounce.C:
						default:
						}
					}
					debounce.Reset(reloadDebounce)
				}
			case <-debounce.C:
				if _, err := h.ReloadCredentials(); err != nil {
					slog.Error("harvester: cookie reload failed", "err", err)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Error("harvester: watch error", "err", err)
			}
		}
	}()
	return nil
}
